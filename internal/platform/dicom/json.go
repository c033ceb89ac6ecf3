package dicom

import (
	"bytes"
	"encoding/json"
)

type jsonAttribute struct {
	VR    string `json:"vr"`
	Value []any  `json:"Value,omitempty"`
}

type personName struct {
	Alphabetic string `json:"Alphabetic"`
}

// MarshalJSON renders the set in the DICOM JSON model (PS3.18 F.2), keyed by
// 8-digit hex tags in ascending order.
func (s *AttributeSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range s.Attributes() {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`"` + a.Tag.Hex() + `":`)
		b, err := json.Marshal(toJSONAttribute(a))
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func toJSONAttribute(a Attribute) jsonAttribute {
	ja := jsonAttribute{VR: a.VR}
	v := a.Value
	switch v.Kind {
	case KindString:
		for _, s := range v.Strings {
			if a.VR == VR_PN {
				ja.Value = append(ja.Value, personName{Alphabetic: s})
			} else {
				ja.Value = append(ja.Value, s)
			}
		}
	case KindInt:
		for _, n := range v.Ints {
			ja.Value = append(ja.Value, n)
		}
	case KindFloat:
		for _, f := range v.Floats {
			ja.Value = append(ja.Value, f)
		}
	case KindDate:
		for _, d := range v.Dates {
			ja.Value = append(ja.Value, d.Format("20060102"))
		}
	case KindSequence:
		for _, item := range v.Items {
			ja.Value = append(ja.Value, item)
		}
	}
	return ja
}
