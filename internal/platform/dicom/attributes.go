package dicom

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the Go representation of an attribute value.
type Kind uint8

const (
	KindString   Kind = iota + 1 // []string, one entry per DICOM value
	KindInt                      // []int64
	KindFloat                    // []float64
	KindDate                     // []time.Time at UTC midnight
	KindSequence                 // []*AttributeSet
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDate:
		return "date"
	case KindSequence:
		return "sequence"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value holds the typed values of one attribute. Only the slice matching
// Kind is populated.
type Value struct {
	Kind    Kind
	Strings []string
	Ints    []int64
	Floats  []float64
	Dates   []time.Time
	Items   []*AttributeSet
}

// Len returns the number of values.
func (v Value) Len() int {
	switch v.Kind {
	case KindString:
		return len(v.Strings)
	case KindInt:
		return len(v.Ints)
	case KindFloat:
		return len(v.Floats)
	case KindDate:
		return len(v.Dates)
	case KindSequence:
		return len(v.Items)
	}
	return 0
}

// Attribute is a single data element of an AttributeSet.
type Attribute struct {
	Tag   Tag
	VR    string
	Value Value
}

// AttributeSet is an ordered collection of attributes with unique tags,
// kept in ascending tag order.
type AttributeSet struct {
	attrs []Attribute
}

// NewAttributeSet creates a new empty attribute set.
func NewAttributeSet() *AttributeSet {
	return &AttributeSet{}
}

// Date returns the UTC-midnight time used for KindDate values.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Len returns the number of attributes.
func (s *AttributeSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.attrs)
}

// Attributes returns the attributes in tag order. The slice must not be modified.
func (s *AttributeSet) Attributes() []Attribute {
	if s == nil {
		return nil
	}
	return s.attrs
}

// Tags returns the tags in ascending order.
func (s *AttributeSet) Tags() []Tag {
	tags := make([]Tag, 0, s.Len())
	for _, a := range s.Attributes() {
		tags = append(tags, a.Tag)
	}
	return tags
}

func (s *AttributeSet) index(tag Tag) (int, bool) {
	i := sort.Search(len(s.attrs), func(i int) bool {
		return !s.attrs[i].Tag.Less(tag)
	})
	return i, i < len(s.attrs) && s.attrs[i].Tag == tag
}

// Get returns the attribute for tag.
func (s *AttributeSet) Get(tag Tag) (Attribute, bool) {
	if s == nil {
		return Attribute{}, false
	}
	i, ok := s.index(tag)
	if !ok {
		return Attribute{}, false
	}
	return s.attrs[i], true
}

// Contains reports whether tag is present.
func (s *AttributeSet) Contains(tag Tag) bool {
	_, ok := s.Get(tag)
	return ok
}

// Set inserts or replaces an attribute.
func (s *AttributeSet) Set(a Attribute) {
	i, ok := s.index(a.Tag)
	if ok {
		s.attrs[i] = a
		return
	}
	s.attrs = append(s.attrs, Attribute{})
	copy(s.attrs[i+1:], s.attrs[i:])
	s.attrs[i] = a
}

// Remove deletes tag if present.
func (s *AttributeSet) Remove(tag Tag) {
	if i, ok := s.index(tag); ok {
		s.attrs = append(s.attrs[:i], s.attrs[i+1:]...)
	}
}

// SetString sets string values, using the dictionary VR when vr is empty.
func (s *AttributeSet) SetString(tag Tag, vr string, values ...string) {
	s.Set(Attribute{Tag: tag, VR: vrOrDefault(tag, vr), Value: Value{Kind: KindString, Strings: values}})
}

// SetInt sets integer values.
func (s *AttributeSet) SetInt(tag Tag, vr string, values ...int64) {
	s.Set(Attribute{Tag: tag, VR: vrOrDefault(tag, vr), Value: Value{Kind: KindInt, Ints: values}})
}

// SetFloat sets floating point values.
func (s *AttributeSet) SetFloat(tag Tag, vr string, values ...float64) {
	s.Set(Attribute{Tag: tag, VR: vrOrDefault(tag, vr), Value: Value{Kind: KindFloat, Floats: values}})
}

// SetDate sets date values.
func (s *AttributeSet) SetDate(tag Tag, values ...time.Time) {
	s.Set(Attribute{Tag: tag, VR: VR_DA, Value: Value{Kind: KindDate, Dates: values}})
}

// SetSequence sets the items of a sequence attribute.
func (s *AttributeSet) SetSequence(tag Tag, items ...*AttributeSet) {
	s.Set(Attribute{Tag: tag, VR: VR_SQ, Value: Value{Kind: KindSequence, Items: items}})
}

func vrOrDefault(tag Tag, vr string) string {
	if vr != "" {
		return vr
	}
	return tag.VR()
}

// String returns the first value of tag rendered as a string, or "".
func (s *AttributeSet) String(tag Tag) string {
	vals := s.Strings(tag)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Strings returns all values of tag rendered as strings. Dates use the DICOM
// DA form (YYYYMMDD). Sequences have no string form and return nil.
func (s *AttributeSet) Strings(tag Tag) []string {
	a, ok := s.Get(tag)
	if !ok {
		return nil
	}
	v := a.Value
	switch v.Kind {
	case KindString:
		return v.Strings
	case KindInt:
		out := make([]string, len(v.Ints))
		for i, n := range v.Ints {
			out[i] = strconv.FormatInt(n, 10)
		}
		return out
	case KindFloat:
		out := make([]string, len(v.Floats))
		for i, f := range v.Floats {
			out[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return out
	case KindDate:
		out := make([]string, len(v.Dates))
		for i, d := range v.Dates {
			out[i] = d.Format("20060102")
		}
		return out
	}
	return nil
}

// Int returns the first integer value of tag.
func (s *AttributeSet) Int(tag Tag) (int64, bool) {
	a, ok := s.Get(tag)
	if !ok || a.Value.Kind != KindInt || len(a.Value.Ints) == 0 {
		return 0, false
	}
	return a.Value.Ints[0], true
}

// Sequence returns the items of a sequence attribute.
func (s *AttributeSet) Sequence(tag Tag) []*AttributeSet {
	a, ok := s.Get(tag)
	if !ok || a.Value.Kind != KindSequence {
		return nil
	}
	return a.Value.Items
}

// Clone returns a deep copy.
func (s *AttributeSet) Clone() *AttributeSet {
	out := &AttributeSet{attrs: make([]Attribute, 0, s.Len())}
	for _, a := range s.Attributes() {
		out.attrs = append(out.attrs, cloneAttribute(a))
	}
	return out
}

func cloneAttribute(a Attribute) Attribute {
	v := a.Value
	c := Value{Kind: v.Kind}
	switch v.Kind {
	case KindString:
		c.Strings = append([]string(nil), v.Strings...)
	case KindInt:
		c.Ints = append([]int64(nil), v.Ints...)
	case KindFloat:
		c.Floats = append([]float64(nil), v.Floats...)
	case KindDate:
		c.Dates = append([]time.Time(nil), v.Dates...)
	case KindSequence:
		c.Items = make([]*AttributeSet, len(v.Items))
		for i, item := range v.Items {
			c.Items[i] = item.Clone()
		}
	}
	return Attribute{Tag: a.Tag, VR: a.VR, Value: c}
}

// Select returns a copy holding only the given tags. An empty tag list
// selects everything.
func (s *AttributeSet) Select(tags []Tag) *AttributeSet {
	if len(tags) == 0 {
		return s.Clone()
	}
	out := NewAttributeSet()
	for _, t := range tags {
		if a, ok := s.Get(t); ok {
			out.Set(cloneAttribute(a))
		}
	}
	return out
}

// Equal reports whether both sets hold the same tags, VRs and values.
func (s *AttributeSet) Equal(o *AttributeSet) bool {
	if s.Len() != o.Len() {
		return false
	}
	oa := o.Attributes()
	for i, a := range s.Attributes() {
		b := oa[i]
		if a.Tag != b.Tag || a.VR != b.VR || !valuesEqual(a.Value, b.Value) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b Value) bool {
	if a.Kind != b.Kind || a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		switch a.Kind {
		case KindString:
			if a.Strings[i] != b.Strings[i] {
				return false
			}
		case KindInt:
			if a.Ints[i] != b.Ints[i] {
				return false
			}
		case KindFloat:
			if a.Floats[i] != b.Floats[i] {
				return false
			}
		case KindDate:
			if !a.Dates[i].Equal(b.Dates[i]) {
				return false
			}
		case KindSequence:
			if !a.Items[i].Equal(b.Items[i]) {
				return false
			}
		}
	}
	return true
}

// SplitValues splits a backslash-delimited DICOM multi-value string.
func SplitValues(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\\")
}

// JoinValues joins values with the DICOM backslash delimiter.
func JoinValues(values []string) string {
	return strings.Join(values, "\\")
}
