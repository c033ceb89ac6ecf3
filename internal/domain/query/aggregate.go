package query

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Availability classifies how readily an entity's data can be retrieved.
// Higher values are less available.
type Availability int

const (
	Online Availability = iota
	Nearline
	Offline
	Unavailable
)

func (a Availability) String() string {
	switch a {
	case Online:
		return "ONLINE"
	case Nearline:
		return "NEARLINE"
	case Offline:
		return "OFFLINE"
	case Unavailable:
		return "UNAVAILABLE"
	}
	return fmt.Sprintf("Availability(%d)", int(a))
}

// MarshalText renders the availability code in JSON responses.
func (a Availability) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// ParseAvailability parses an Instance Availability (0008,0056) code.
func ParseAvailability(s string) (Availability, error) {
	switch strings.ToUpper(s) {
	case "ONLINE":
		return Online, nil
	case "NEARLINE":
		return Nearline, nil
	case "OFFLINE":
		return Offline, nil
	case "UNAVAILABLE":
		return Unavailable, nil
	}
	return 0, fmt.Errorf("unknown availability %q", s)
}

// InstanceSnapshot is the slice of an instance row that aggregates derive from.
type InstanceSnapshot struct {
	SeriesPK            int64
	Modality            string
	SOPClassUID         string
	RetrieveAETs        []string
	ExternalRetrieveAET string
	Availability        Availability
	Rejected            bool
}

// StudyAggregate is the cached per-study summary for one view.
type StudyAggregate struct {
	StudyPK             int64        `json:"studyPk"`
	ViewID              string       `json:"viewId"`
	NumberOfSeries      int          `json:"numberOfSeries"`
	NumberOfInstances   int          `json:"numberOfInstances"`
	ModalitiesInStudy   []string     `json:"modalitiesInStudy,omitempty"`
	SOPClassesInStudy   []string     `json:"sopClassesInStudy,omitempty"`
	RetrieveAETs        []string     `json:"retrieveAETs,omitempty"`
	ExternalRetrieveAET string       `json:"externalRetrieveAET,omitempty"`
	Availability        Availability `json:"availability"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// SeriesAggregate is the cached per-series summary for one view.
type SeriesAggregate struct {
	SeriesPK            int64        `json:"seriesPk"`
	ViewID              string       `json:"viewId"`
	NumberOfInstances   int          `json:"numberOfInstances"`
	RetrieveAETs        []string     `json:"retrieveAETs,omitempty"`
	ExternalRetrieveAET string       `json:"externalRetrieveAET,omitempty"`
	Availability        Availability `json:"availability"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// visible applies the same instance visibility rules as the query predicates.
func visible(inst InstanceSnapshot, params Params) bool {
	if inst.Rejected && !params.ShowRejected {
		return false
	}
	if len(params.RetrieveAETScope) == 0 {
		return true
	}
	for _, aet := range inst.RetrieveAETs {
		for _, allowed := range params.RetrieveAETScope {
			if aet == allowed {
				return true
			}
		}
	}
	return false
}

// retrieval accumulates the retrieve locations and availability shared by a
// set of instances.
type retrieval struct {
	count   int
	aets    []string
	extAET  string
	extSame bool
	avail   Availability
}

func (r *retrieval) add(inst InstanceSnapshot) {
	if r.count == 0 {
		r.aets = append([]string(nil), inst.RetrieveAETs...)
		r.extAET = inst.ExternalRetrieveAET
		r.extSame = true
		r.avail = inst.Availability
	} else {
		r.aets = intersect(r.aets, inst.RetrieveAETs)
		if inst.ExternalRetrieveAET != r.extAET {
			r.extSame = false
		}
		if inst.Availability > r.avail {
			r.avail = inst.Availability
		}
	}
	r.count++
}

func (r *retrieval) retrieveAETs() []string {
	if len(r.aets) == 0 {
		return nil
	}
	return r.aets
}

func (r *retrieval) externalAET() string {
	if r.extSame {
		return r.extAET
	}
	return ""
}

func (r *retrieval) availability() Availability {
	if r.count == 0 {
		return Unavailable
	}
	return r.avail
}

// ComputeStudyAggregate derives a study aggregate from a snapshot of its
// instances. It is a pure function of its inputs.
func ComputeStudyAggregate(studyPK int64, instances []InstanceSnapshot, params Params) *StudyAggregate {
	var r retrieval
	series := map[int64]bool{}
	mods := map[string]bool{}
	cuids := map[string]bool{}
	for _, inst := range instances {
		if !visible(inst, params) {
			continue
		}
		r.add(inst)
		series[inst.SeriesPK] = true
		if inst.Modality != "" {
			mods[inst.Modality] = true
		}
		if inst.SOPClassUID != "" {
			cuids[inst.SOPClassUID] = true
		}
	}
	return &StudyAggregate{
		StudyPK:             studyPK,
		ViewID:              params.ViewID(),
		NumberOfSeries:      len(series),
		NumberOfInstances:   r.count,
		ModalitiesInStudy:   sortedKeys(mods),
		SOPClassesInStudy:   sortedKeys(cuids),
		RetrieveAETs:        r.retrieveAETs(),
		ExternalRetrieveAET: r.externalAET(),
		Availability:        r.availability(),
	}
}

// ComputeSeriesAggregate derives a series aggregate from a snapshot of its
// instances.
func ComputeSeriesAggregate(seriesPK int64, instances []InstanceSnapshot, params Params) *SeriesAggregate {
	var r retrieval
	for _, inst := range instances {
		if visible(inst, params) {
			r.add(inst)
		}
	}
	return &SeriesAggregate{
		SeriesPK:            seriesPK,
		ViewID:              params.ViewID(),
		NumberOfInstances:   r.count,
		RetrieveAETs:        r.retrieveAETs(),
		ExternalRetrieveAET: r.externalAET(),
		Availability:        r.availability(),
	}
}

// intersect keeps the elements of a that are also in b, in a's order.
func intersect(a, b []string) []string {
	out := a[:0]
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// fresh reports whether an aggregate written at updatedAt may still be used.
func fresh(updatedAt time.Time, params Params, now time.Time) bool {
	if params.AggregateMaxAge <= 0 {
		return true
	}
	return now.Sub(updatedAt) <= params.AggregateMaxAge
}
