package query

import (
	"fmt"
	"strings"
)

// Level is one tier of the Patient → Study → Series → Instance hierarchy.
type Level int

const (
	LevelPatient Level = iota
	LevelStudy
	LevelSeries
	LevelInstance
)

// Levels lists every level from root to leaf.
var Levels = []Level{LevelPatient, LevelStudy, LevelSeries, LevelInstance}

// String returns the Query/Retrieve Level code (0008,0052) for l.
func (l Level) String() string {
	switch l {
	case LevelPatient:
		return "PATIENT"
	case LevelStudy:
		return "STUDY"
	case LevelSeries:
		return "SERIES"
	case LevelInstance:
		return "IMAGE"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func (l Level) valid() bool {
	return l >= LevelPatient && l <= LevelInstance
}

// ParseLevel accepts a Query/Retrieve Level code, case-insensitively.
// INSTANCE is accepted as an alias for IMAGE.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PATIENT":
		return LevelPatient, nil
	case "STUDY":
		return LevelStudy, nil
	case "SERIES":
		return LevelSeries, nil
	case "IMAGE", "INSTANCE":
		return LevelInstance, nil
	}
	return 0, fmt.Errorf("unknown query level %q", s)
}
