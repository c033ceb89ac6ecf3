package query

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/archive/internal/platform/dicom"
)

// MatchingMode selects how textual keys are compared.
type MatchingMode int

const (
	MatchExact MatchingMode = iota
	MatchFuzzy
)

func (m MatchingMode) String() string {
	if m == MatchFuzzy {
		return "FUZZY"
	}
	return "EXACT"
}

// Params is the per-request query configuration. It is passed by value and
// its slices and maps are never modified by the engine.
type Params struct {
	Matching   MatchingMode
	Relational bool
	// MaxResults bounds the number of returned entities. 0 means unbounded.
	MaxResults int
	// AttributeFilters projects decoded attributes per level. A level without
	// an entry returns every stored attribute.
	AttributeFilters map[Level][]dicom.Tag
	// MatchUnknown lets entities with no stored value match any key for that attribute.
	MatchUnknown bool
	ShowRejected bool
	// RetrieveAETScope restricts results to instances retrievable from one of
	// these AE titles. Empty means no restriction.
	RetrieveAETScope []string
	// AggregateMaxAge is how long a cached aggregate is trusted. 0 trusts it forever.
	AggregateMaxAge time.Duration
}

// Validate reports invalid parameter combinations as *ConfigurationError.
func (p Params) Validate() error {
	if p.Matching != MatchExact && p.Matching != MatchFuzzy {
		return &ConfigurationError{Field: "Matching", Reason: fmt.Sprintf("unknown matching mode %d", int(p.Matching))}
	}
	if p.MaxResults < 0 {
		return &ConfigurationError{Field: "MaxResults", Reason: "must not be negative"}
	}
	if p.AggregateMaxAge < 0 {
		return &ConfigurationError{Field: "AggregateMaxAge", Reason: "must not be negative"}
	}
	for level, tags := range p.AttributeFilters {
		if !level.valid() {
			return &ConfigurationError{Field: "AttributeFilters", Reason: fmt.Sprintf("unknown level %d", int(level))}
		}
		seen := make(map[dicom.Tag]bool, len(tags))
		for _, t := range tags {
			if t.Group%2 == 1 && t.Element < 0x0100 {
				return &ConfigurationError{Field: "AttributeFilters", Reason: fmt.Sprintf("%s: private creator element cannot be projected", t)}
			}
			if seen[t] {
				return &ConfigurationError{Field: "AttributeFilters", Reason: fmt.Sprintf("%s: %s listed twice", level, t)}
			}
			seen[t] = true
		}
	}
	for _, aet := range p.RetrieveAETScope {
		if strings.TrimSpace(aet) == "" {
			return &ConfigurationError{Field: "RetrieveAETScope", Reason: "empty AE title"}
		}
	}
	return nil
}

// ViewID names the aggregate view the parameters select. Aggregates depend
// only on instance visibility, so requests with the same visibility rules
// share cached rows.
func (p Params) ViewID() string {
	var parts []string
	if p.ShowRejected {
		parts = append(parts, "show-rejected")
	}
	if len(p.RetrieveAETScope) > 0 {
		aets := append([]string(nil), p.RetrieveAETScope...)
		sort.Strings(aets)
		parts = append(parts, "aets:"+strings.Join(aets, ","))
	}
	return strings.Join(parts, ";")
}

func (p Params) filter(level Level) []dicom.Tag {
	return p.AttributeFilters[level]
}
