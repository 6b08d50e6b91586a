package ingest

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownSource is returned for a source id that was never registered.
	ErrUnknownSource = errors.New("unknown source")
	// ErrSourceBusy is returned when a refresh of the same source is already running.
	ErrSourceBusy = errors.New("source refresh already in progress")
	// ErrDuplicateSource is returned when a source id is registered twice.
	ErrDuplicateSource = errors.New("source already registered")
)

// SourceFetchError wraps a failure to read from an upstream source.
type SourceFetchError struct {
	Source string
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// SchemaValidationError reports a field that does not fit the canonical model.
type SchemaValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("field %s=%q: %s", e.Field, e.Value, e.Reason)
}

// GeometryError reports a record whose location is unusable.
type GeometryError struct {
	Key    string
	Reason string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("record %s: %s", e.Key, e.Reason)
}

// ReferentialIntegrityError reports a child record whose parent is absent.
type ReferentialIntegrityError struct {
	Kind   string
	Key    string
	Parent string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("%s %s references missing parent %s", e.Kind, e.Key, e.Parent)
}

// TimeoutError reports a refresh that exceeded its wall-clock budget.
type TimeoutError struct {
	Source string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("refresh of %s exceeded its %s budget", e.Source, e.Budget)
}
