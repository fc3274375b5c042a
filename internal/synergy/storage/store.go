// Package storage persists patterns, synergies, feedback, observations,
// weight vectors and run reports.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// Store is the persistence contract shared by the Postgres and memory backends.
// Records are never deleted; lifecycle updates mark them deprecated instead.
type Store interface {
	ListPatterns(ctx context.Context, filter PatternFilter) ([]*types.Pattern, error)
	GetPattern(ctx context.Context, id uuid.UUID) (*types.Pattern, error)
	// CommitPatterns upserts patterns and appends their observations atomically.
	// An update never touches the lifecycle fields, which belong to
	// UpdateLifecycle, and a record deprecated at commit time is left as is.
	CommitPatterns(ctx context.Context, patterns []*types.Pattern, observations []types.Observation) error
	// SimilarTimeProfiles returns time-of-day patterns whose hourly profile is
	// closest to the given pattern's, nearest first.
	SimilarTimeProfiles(ctx context.Context, id uuid.UUID, limit int) ([]*types.Pattern, error)

	ListSynergies(ctx context.Context, filter SynergyFilter) ([]*types.Synergy, error)
	GetSynergy(ctx context.Context, id uuid.UUID) (*types.Synergy, error)
	// CommitSynergies upserts synergies and appends their observations
	// atomically, with the same lifecycle rules as CommitPatterns.
	CommitSynergies(ctx context.Context, synergies []*types.Synergy, observations []types.Observation) error

	UpdateLifecycle(ctx context.Context, status types.LifecycleStatus) error
	ListObservations(ctx context.Context, subjectID uuid.UUID, since time.Time) ([]types.Observation, error)

	AppendFeedback(ctx context.Context, rec types.FeedbackRecord) error
	ListFeedback(ctx context.Context, subjectID uuid.UUID, since time.Time) ([]types.FeedbackRecord, error)
	FeedbackSubjects(ctx context.Context, since time.Time) ([]uuid.UUID, error)

	SaveWeightVector(ctx context.Context, wv *types.WeightVector) error
	LatestWeightVector(ctx context.Context) (*types.WeightVector, error)

	SaveRunReport(ctx context.Context, report *types.RunReport) error
	ListRunReports(ctx context.Context, kind types.RunKind, limit int) ([]*types.RunReport, error)
}

// PatternFilter selects patterns. The zero value lists every live pattern.
type PatternFilter struct {
	Type              types.PatternType
	DeviceID          string
	MinConfidence     float64
	NeedsReview       bool
	IncludeDeprecated bool
	DeprecatedOnly    bool
	Limit             int
}

// Match reports whether p passes the filter.
func (f PatternFilter) Match(p *types.Pattern) bool {
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.DeviceID != "" && !p.HasDevice(f.DeviceID) {
		return false
	}
	if p.Confidence < f.MinConfidence {
		return false
	}
	if f.NeedsReview && !p.NeedsReview {
		return false
	}
	return matchDeprecated(p.Deprecated, f.IncludeDeprecated, f.DeprecatedOnly)
}

// SynergyFilter selects synergies. The zero value lists every live synergy
// that has not been filtered out.
type SynergyFilter struct {
	Type              types.SynergyType
	Depth             int
	Complexity        types.Complexity
	MinConfidence     float64
	QualityTier       types.QualityTier
	DeviceID          string
	IncludeFiltered   bool
	IncludeDeprecated bool
	DeprecatedOnly    bool
	Limit             int
}

// Match reports whether s passes the filter.
func (f SynergyFilter) Match(s *types.Synergy) bool {
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	if f.Depth != 0 && s.Depth != f.Depth {
		return false
	}
	if f.Complexity != "" && s.Complexity != f.Complexity {
		return false
	}
	if s.Confidence < f.MinConfidence {
		return false
	}
	if f.QualityTier != "" && (s.QualityTier == nil || *s.QualityTier != f.QualityTier) {
		return false
	}
	if f.DeviceID != "" && !containsString(s.DeviceIDs, f.DeviceID) {
		return false
	}
	if !f.IncludeFiltered && s.Filtered() {
		return false
	}
	return matchDeprecated(s.Deprecated, f.IncludeDeprecated, f.DeprecatedOnly)
}

func matchDeprecated(deprecated, include, only bool) bool {
	if only {
		return deprecated
	}
	return include || !deprecated
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
