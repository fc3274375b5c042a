package types

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleState is the lifecycle position of a pattern or synergy.
type LifecycleState string

const (
	StateCandidate     LifecycleState = "candidate"
	StateActive        LifecycleState = "active"
	StateStrengthening LifecycleState = "strengthening"
	StateWeakening     LifecycleState = "weakening"
	StateNeedsReview   LifecycleState = "needs_review"
	StateDeprecated    LifecycleState = "deprecated"
)

// Trend is the drift classification of a pattern or synergy.
type Trend string

const (
	TrendStable        Trend = "stable"
	TrendEvolving      Trend = "evolving"
	TrendNew           Trend = "new"
	TrendDeprecated    Trend = "deprecated"
	TrendStrengthening Trend = "strengthening"
	TrendWeakening     Trend = "weakening"
)

// LifecycleEvent is emitted whenever a record changes lifecycle state.
type LifecycleEvent struct {
	SubjectID   uuid.UUID      `json:"subject_id"`
	SubjectKind SubjectKind    `json:"subject_kind"`
	From        LifecycleState `json:"from"`
	To          LifecycleState `json:"to"`
	Trend       Trend          `json:"trend"`
	Reason      string         `json:"reason"`
	At          time.Time      `json:"at"`
}

// LifecycleStatus is the lifecycle part of a pattern or synergy record.
type LifecycleStatus struct {
	SubjectID    uuid.UUID      `json:"subject_id"`
	SubjectKind  SubjectKind    `json:"subject_kind"`
	State        LifecycleState `json:"state"`
	Trend        Trend          `json:"trend"`
	NeedsReview  bool           `json:"needs_review"`
	Deprecated   bool           `json:"deprecated"`
	DeprecatedAt *time.Time     `json:"deprecated_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// LifecycleOf extracts the lifecycle status of a pattern.
func (p *Pattern) LifecycleOf() LifecycleStatus {
	return LifecycleStatus{
		SubjectID:    p.ID,
		SubjectKind:  SubjectPattern,
		State:        p.State,
		Trend:        p.Trend,
		NeedsReview:  p.NeedsReview,
		Deprecated:   p.Deprecated,
		DeprecatedAt: p.DeprecatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

// LifecycleOf extracts the lifecycle status of a synergy.
func (s *Synergy) LifecycleOf() LifecycleStatus {
	return LifecycleStatus{
		SubjectID:    s.ID,
		SubjectKind:  SubjectSynergy,
		State:        s.State,
		Trend:        s.Trend,
		NeedsReview:  s.NeedsReview,
		Deprecated:   s.Deprecated,
		DeprecatedAt: s.DeprecatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}
