package query

import (
	"errors"
	"fmt"

	"github.com/ehr/archive/internal/platform/dicom"
)

// ConfigurationError reports invalid query parameters. It is returned before
// any row is read.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid query configuration: %s: %s", e.Field, e.Reason)
}

// MatchKeyError reports a key that cannot be turned into a predicate.
type MatchKeyError struct {
	Tag    dicom.Tag
	Reason string
}

func (e *MatchKeyError) Error() string {
	kw := e.Tag.Keyword()
	if kw == "" {
		kw = e.Tag.String()
	}
	return fmt.Sprintf("invalid matching key %s: %s", kw, e.Reason)
}

// AggregateComputeError reports that an aggregate could not be derived from
// the child rows. No trustworthy result can be produced without it.
type AggregateComputeError struct {
	Entity string
	PK     int64
	Err    error
}

func (e *AggregateComputeError) Error() string {
	return fmt.Sprintf("compute %s aggregate %d: %v", e.Entity, e.PK, e.Err)
}

func (e *AggregateComputeError) Unwrap() error { return e.Err }

// CacheWriteError reports a failed aggregate upsert. It is logged and counted,
// never returned to callers.
type CacheWriteError struct {
	Entity string
	PK     int64
	Err    error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("store %s aggregate %d: %v", e.Entity, e.PK, e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }

// RowError is a failure confined to one result row, typically a
// *dicom.DecodingError from a corrupt stored blob.
type RowError struct {
	Level Level
	PK    int64
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s row %d: %v", e.Level, e.PK, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// ErrEntityNotFound reports that the study or series an aggregate belongs to
// does not exist.
var ErrEntityNotFound = errors.New("entity not found")
