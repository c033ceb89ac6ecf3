package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Stored attribute blobs start with a 3-byte magic and a format version.
var blobMagic = [3]byte{'D', 'A', 'S'}

const blobVersion = 1

const secondsPerDay = 24 * 60 * 60

// EncodingError reports an attribute that cannot be represented in the blob format.
type EncodingError struct {
	Tag    Tag
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode attribute %s: %s", e.Tag, e.Reason)
}

// DecodingError reports a truncated or corrupt blob.
type DecodingError struct {
	Offset int
	Reason string
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("decode attributes at offset %d: %s", e.Offset, e.Reason)
}

// Encode serializes s into the archive's blob format. Attributes are written in
// ascending tag order, so equal sets always produce identical bytes.
func Encode(s *AttributeSet) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(blobMagic[:])
	buf.WriteByte(blobVersion)
	if err := encodeBody(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeBody(buf *bytes.Buffer, s *AttributeSet) error {
	var scratch [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(scratch[:], v)
		buf.Write(scratch[:n])
	}
	putVarint := func(v int64) {
		n := binary.PutVarint(scratch[:], v)
		buf.Write(scratch[:n])
	}

	putUvarint(uint64(s.Len()))
	for _, a := range s.Attributes() {
		if !validVR(a.VR) {
			return &EncodingError{Tag: a.Tag, Reason: fmt.Sprintf("invalid VR %q", a.VR)}
		}
		var tagBytes [4]byte
		binary.LittleEndian.PutUint32(tagBytes[:], a.Tag.uint32())
		buf.Write(tagBytes[:])
		buf.WriteString(a.VR)
		buf.WriteByte(byte(a.Value.Kind))

		v := a.Value
		switch v.Kind {
		case KindString:
			putUvarint(uint64(len(v.Strings)))
			for _, str := range v.Strings {
				putUvarint(uint64(len(str)))
				buf.WriteString(str)
			}
		case KindInt:
			putUvarint(uint64(len(v.Ints)))
			for _, n := range v.Ints {
				putVarint(n)
			}
		case KindFloat:
			putUvarint(uint64(len(v.Floats)))
			for _, f := range v.Floats {
				var b [8]byte
				binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
				buf.Write(b[:])
			}
		case KindDate:
			putUvarint(uint64(len(v.Dates)))
			for _, d := range v.Dates {
				if d.Location() != time.UTC || d.Hour() != 0 || d.Minute() != 0 || d.Second() != 0 || d.Nanosecond() != 0 {
					return &EncodingError{Tag: a.Tag, Reason: "date value is not UTC midnight"}
				}
				putVarint(d.Unix() / secondsPerDay)
			}
		case KindSequence:
			putUvarint(uint64(len(v.Items)))
			for _, item := range v.Items {
				var inner bytes.Buffer
				if err := encodeBody(&inner, item); err != nil {
					return err
				}
				putUvarint(uint64(inner.Len()))
				buf.Write(inner.Bytes())
			}
		default:
			return &EncodingError{Tag: a.Tag, Reason: fmt.Sprintf("unsupported value kind %s", v.Kind)}
		}
	}
	return nil
}

// Decode parses a blob produced by Encode. An empty blob decodes to an empty set.
func Decode(data []byte) (*AttributeSet, error) {
	if len(data) == 0 {
		return NewAttributeSet(), nil
	}
	if len(data) < 4 || !bytes.Equal(data[:3], blobMagic[:]) {
		return nil, &DecodingError{Offset: 0, Reason: "missing attribute blob header"}
	}
	if data[3] != blobVersion {
		return nil, &DecodingError{Offset: 3, Reason: fmt.Sprintf("unsupported blob version %d", data[3])}
	}
	d := &decoder{data: data, pos: 4}
	s, err := d.body()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, d.fail("trailing bytes after attribute set")
	}
	return s, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) fail(reason string) error {
	return &DecodingError{Offset: d.pos, Reason: reason}
}

func (d *decoder) remaining() int {
	return len(d.data) - d.pos
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		return 0, d.fail("truncated or overlong varint")
	}
	d.pos += n
	return v, nil
}

func (d *decoder) varint() (int64, error) {
	v, n := binary.Varint(d.data[d.pos:])
	if n <= 0 {
		return 0, d.fail("truncated or overlong varint")
	}
	d.pos += n
	return v, nil
}

// count reads an element count and rejects counts that cannot fit in the
// remaining input given at least minSize bytes per element.
func (d *decoder) count(minSize int) (int, error) {
	n, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	if n > uint64(d.remaining()/minSize) {
		return 0, d.fail(fmt.Sprintf("count %d exceeds remaining input", n))
	}
	return int(n), nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || n > d.remaining() {
		return nil, d.fail("unexpected end of input")
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) body() (*AttributeSet, error) {
	// tag, VR, kind and a zero count take at least 8 bytes.
	n, err := d.count(8)
	if err != nil {
		return nil, err
	}
	s := &AttributeSet{attrs: make([]Attribute, 0, n)}
	for i := 0; i < n; i++ {
		head, err := d.take(7)
		if err != nil {
			return nil, err
		}
		tag := tagFromUint32(binary.LittleEndian.Uint32(head[:4]))
		vr := string(head[4:6])
		kind := Kind(head[6])
		if !validVR(vr) {
			return nil, d.fail(fmt.Sprintf("invalid VR %q for %s", vr, tag))
		}
		if len(s.attrs) > 0 && !s.attrs[len(s.attrs)-1].Tag.Less(tag) {
			return nil, d.fail(fmt.Sprintf("attribute %s out of order or duplicated", tag))
		}
		v, err := d.value(kind)
		if err != nil {
			return nil, err
		}
		s.attrs = append(s.attrs, Attribute{Tag: tag, VR: vr, Value: v})
	}
	return s, nil
}

func (d *decoder) value(kind Kind) (Value, error) {
	v := Value{Kind: kind}
	switch kind {
	case KindString:
		n, err := d.count(1)
		if err != nil {
			return v, err
		}
		v.Strings = make([]string, n)
		for i := range v.Strings {
			l, err := d.uvarint()
			if err != nil {
				return v, err
			}
			if l > uint64(d.remaining()) {
				return v, d.fail("string value exceeds remaining input")
			}
			b, _ := d.take(int(l))
			v.Strings[i] = string(b)
		}
	case KindInt:
		n, err := d.count(1)
		if err != nil {
			return v, err
		}
		v.Ints = make([]int64, n)
		for i := range v.Ints {
			if v.Ints[i], err = d.varint(); err != nil {
				return v, err
			}
		}
	case KindFloat:
		n, err := d.count(8)
		if err != nil {
			return v, err
		}
		v.Floats = make([]float64, n)
		for i := range v.Floats {
			b, _ := d.take(8)
			v.Floats[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	case KindDate:
		n, err := d.count(1)
		if err != nil {
			return v, err
		}
		v.Dates = make([]time.Time, n)
		for i := range v.Dates {
			days, err := d.varint()
			if err != nil {
				return v, err
			}
			v.Dates[i] = time.Unix(days*secondsPerDay, 0).UTC()
		}
	case KindSequence:
		n, err := d.count(1)
		if err != nil {
			return v, err
		}
		v.Items = make([]*AttributeSet, n)
		for i := range v.Items {
			l, err := d.uvarint()
			if err != nil {
				return v, err
			}
			if l > uint64(d.remaining()) {
				return v, d.fail("sequence item exceeds remaining input")
			}
			raw, _ := d.take(int(l))
			inner := &decoder{data: raw}
			item, err := inner.body()
			if err != nil {
				if de, ok := err.(*DecodingError); ok {
					de.Offset += d.pos - len(raw)
				}
				return v, err
			}
			if inner.pos != len(raw) {
				return v, d.fail("trailing bytes in sequence item")
			}
			v.Items[i] = item
		}
	default:
		return v, d.fail(fmt.Sprintf("unknown value kind %d", kind))
	}
	return v, nil
}
