package types

import (
	"errors"
	"fmt"
	"time"
)

// MalformedEventError marks an event the aggregator skipped.
type MalformedEventError struct {
	EntityID string
	Reason   string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %q: %s", e.EntityID, e.Reason)
}

// TransientContextFetchError is returned by a context provider call that may
// succeed on retry. It is never fatal to a run.
type TransientContextFetchError struct {
	ContextType string
	Attempts    int
	Err         error
}

func (e *TransientContextFetchError) Error() string {
	return fmt.Sprintf("context fetch %s failed after %d attempts: %v", e.ContextType, e.Attempts, e.Err)
}

func (e *TransientContextFetchError) Unwrap() error {
	return e.Err
}

// ValidationError rejects a candidate pattern or synergy that breaks an invariant.
type ValidationError struct {
	Subject string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Subject, e.Reason)
}

// CalibrationDivergenceGuard records that a proposed weight update was scaled
// down to the allowed step size instead of being applied verbatim.
type CalibrationDivergenceGuard struct {
	Factor    string
	Proposed  float64
	Applied   float64
	MaxStep   float64
	Timestamp time.Time
}

func (e *CalibrationDivergenceGuard) Error() string {
	return fmt.Sprintf("weight step for %s clamped from %.4f to %.4f (max %.4f)",
		e.Factor, e.Proposed, e.Applied, e.MaxStep)
}

// ErrCacheEvictionRace exists for completeness of the error taxonomy. The cache
// serializes read-check/evict/insert under one lock, so nothing returns it.
var ErrCacheEvictionRace = errors.New("cache eviction race")

// ErrNotFound is returned by stores for unknown IDs.
var ErrNotFound = errors.New("not found")
