package types

import (
	"time"

	"github.com/google/uuid"
)

// Outcome of an executed automation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Rating bounds for user feedback.
const (
	MinRating = 0.0
	MaxRating = 5.0
)

// FeedbackRecord is an append-only record of an automation outcome.
type FeedbackRecord struct {
	ID              uuid.UUID `json:"feedback_id"`
	SubjectID       uuid.UUID `json:"subject_id"` // pattern_id or synergy_id
	Outcome         Outcome   `json:"outcome"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	UserRating      *float64  `json:"user_rating,omitempty"` // clamped to [0,5]
	Timestamp       time.Time `json:"timestamp"`
}

// ClampRating forces a rating into [MinRating, MaxRating].
func ClampRating(r float64) float64 {
	if r < MinRating {
		return MinRating
	}
	if r > MaxRating {
		return MaxRating
	}
	return r
}

// SubjectKind distinguishes patterns from synergies in shared tables.
type SubjectKind string

const (
	SubjectPattern SubjectKind = "pattern"
	SubjectSynergy SubjectKind = "synergy"
)

// Observation is one detection run's measurement of a pattern or synergy.
// The drift detector compares windows of observations against each other.
type Observation struct {
	SubjectID      uuid.UUID   `json:"subject_id"`
	SubjectKind    SubjectKind `json:"subject_kind"`
	RunID          uuid.UUID   `json:"run_id"`
	ObservedAt     time.Time   `json:"observed_at"`
	OccurrenceRate float64     `json:"occurrence_rate"`
	Confidence     float64     `json:"confidence"`
}

// Metric returns the value drift is measured on: occurrence rate for
// patterns, confidence for synergies.
func (o Observation) Metric() float64 {
	if o.SubjectKind == SubjectPattern {
		return o.OccurrenceRate
	}
	return o.Confidence
}
