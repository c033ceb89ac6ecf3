package dicom

// multiValuedDerived lists attributes the archive derives from child entities.
// They may be stored more than once along the hierarchy, so merging dedups them.
var multiValuedDerived = map[Tag]bool{
	ModalitiesInStudy: true,
	SOPClassesInStudy: true,
	RetrieveAETitle:   true,
}

// MergeAndNormalize returns a new set holding every attribute of parent and
// child. When both carry a tag the child's value wins. Neither input is
// modified; nil is treated as empty.
func MergeAndNormalize(parent, child *AttributeSet) *AttributeSet {
	out := &AttributeSet{attrs: make([]Attribute, 0, parent.Len()+child.Len())}
	pa, ca := parent.Attributes(), child.Attributes()
	i, j := 0, 0
	for i < len(pa) || j < len(ca) {
		switch {
		case j == len(ca) || (i < len(pa) && pa[i].Tag.Less(ca[j].Tag)):
			out.attrs = append(out.attrs, normalize(pa[i]))
			i++
		case i == len(pa) || ca[j].Tag.Less(pa[i].Tag):
			out.attrs = append(out.attrs, normalize(ca[j]))
			j++
		default:
			out.attrs = append(out.attrs, normalize(ca[j]))
			i++
			j++
		}
	}
	return out
}

// normalize deep-copies a and collapses duplicate values.
func normalize(a Attribute) Attribute {
	a = cloneAttribute(a)
	switch a.Value.Kind {
	case KindSequence:
		items := make([]*AttributeSet, 0, len(a.Value.Items))
	next:
		for _, item := range a.Value.Items {
			item = MergeAndNormalize(nil, item)
			for _, seen := range items {
				if seen.Equal(item) {
					continue next
				}
			}
			items = append(items, item)
		}
		a.Value.Items = items
	case KindString:
		if multiValuedDerived[a.Tag] {
			a.Value.Strings = dedupStrings(a.Value.Strings)
		}
	}
	return a
}

func dedupStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
