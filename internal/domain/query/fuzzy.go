package query

import "strings"

var soundexCodes = [26]byte{
	'0', '1', '2', '3', '0', '1', '2', // A-G
	'0', '0', '2', '2', '4', '5', '5', // H-N
	'0', '1', '2', '6', '2', '3', '0', // O-U
	'1', '0', '2', '0', '2', // V-Z
}

// FuzzyKey returns the phonetic key stored alongside person names for fuzzy
// matching: the Soundex code of the family name component.
func FuzzyKey(personName string) string {
	family := personName
	if i := strings.IndexAny(family, "^="); i >= 0 {
		family = family[:i]
	}
	return soundex(family)
}

func soundex(s string) string {
	out := make([]byte, 0, 4)
	var last byte
	for i := 0; i < len(s) && len(out) < 4; i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c < 'A' || c > 'Z' {
			continue
		}
		code := soundexCodes[c-'A']
		if len(out) == 0 {
			out = append(out, c)
			last = code
			continue
		}
		switch {
		case c == 'H' || c == 'W':
			// H and W do not separate letters with the same code.
		case code == '0':
			last = 0
		case code != last:
			out = append(out, code)
			last = code
		}
	}
	if len(out) == 0 {
		return ""
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return string(out)
}
