// Package feedback ingests automation outcomes, calibrates scoring weights
// and classifies drift of patterns and synergies.
package feedback

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/cache"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// Store is the feedback slice of the record store.
type Store interface {
	AppendFeedback(ctx context.Context, rec types.FeedbackRecord) error
	ListFeedback(ctx context.Context, subjectID uuid.UUID, since time.Time) ([]types.FeedbackRecord, error)
	FeedbackSubjects(ctx context.Context, since time.Time) ([]uuid.UUID, error)
}

// ratingBlend is the share of the outcome score taken from user ratings.
const ratingBlend = 0.2

// Aggregate summarizes the feedback of one subject over the lookback window.
type Aggregate struct {
	SubjectID       uuid.UUID `json:"subject_id"`
	Samples         int       `json:"samples"`
	Successes       int       `json:"successes"`
	SuccessRate     float64   `json:"success_rate"`
	RatingCount     int       `json:"rating_count"`
	MeanRating      float64   `json:"mean_rating"`
	MeanExecutionMs float64   `json:"mean_execution_ms"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Score blends success rate with the mean rating on a 0-1 scale. Without
// ratings it is the success rate.
func (a Aggregate) Score() float64 {
	if a.RatingCount == 0 {
		return a.SuccessRate
	}
	return (1-ratingBlend)*a.SuccessRate + ratingBlend*a.MeanRating/types.MaxRating
}

// Summarize folds records into an Aggregate.
func Summarize(subjectID uuid.UUID, records []types.FeedbackRecord, now time.Time) Aggregate {
	agg := Aggregate{SubjectID: subjectID, ComputedAt: now}
	var ratingSum, execSum float64
	for _, rec := range records {
		agg.Samples++
		if rec.Outcome == types.OutcomeSuccess {
			agg.Successes++
		}
		execSum += float64(rec.ExecutionTimeMs)
		if rec.UserRating != nil {
			agg.RatingCount++
			ratingSum += types.ClampRating(*rec.UserRating)
		}
	}
	if agg.Samples > 0 {
		agg.SuccessRate = float64(agg.Successes) / float64(agg.Samples)
		agg.MeanExecutionMs = execSum / float64(agg.Samples)
	}
	if agg.RatingCount > 0 {
		agg.MeanRating = ratingSum / float64(agg.RatingCount)
	}
	return agg
}

// Aggregates serves per-subject aggregates through a bounded TTL cache.
type Aggregates struct {
	store    Store
	cache    *cache.Cache[Aggregate]
	lookback time.Duration
	now      func() time.Time

	// epoch advances on every invalidation; a computation that started in an
	// older epoch may be stale and is not cached.
	epoch atomic.Uint64
}

// NewAggregates creates the aggregate service over c.
func NewAggregates(store Store, c *cache.Cache[Aggregate], lookback time.Duration) *Aggregates {
	return &Aggregates{
		store:    store,
		cache:    c,
		lookback: lookback,
		now:      time.Now,
	}
}

// Get returns the subject's aggregate, computing it on a cache miss.
func (a *Aggregates) Get(ctx context.Context, subjectID uuid.UUID) (Aggregate, error) {
	key := subjectID.String()
	if agg, ok := a.cache.Get(key); ok {
		return agg, nil
	}

	epoch := a.epoch.Load()
	now := a.now()
	records, err := a.store.ListFeedback(ctx, subjectID, now.Add(-a.lookback))
	if err != nil {
		return Aggregate{}, fmt.Errorf("failed to load feedback for %s: %w", subjectID, err)
	}
	agg := Summarize(subjectID, records, now)
	a.cache.PutIf(key, agg, func() bool { return a.epoch.Load() == epoch })
	return agg, nil
}

// Invalidate drops the cached aggregate of a subject. The epoch advances
// before the removal, so a computation that passed its epoch check earlier
// has its insert removed here.
func (a *Aggregates) Invalidate(subjectID uuid.UUID) {
	a.epoch.Add(1)
	a.cache.Invalidate(subjectID.String())
}

// Subjects lists subjects with feedback inside the lookback window.
func (a *Aggregates) Subjects(ctx context.Context) ([]uuid.UUID, error) {
	return a.store.FeedbackSubjects(ctx, a.now().Add(-a.lookback))
}

// CacheStats exposes the cache counters.
func (a *Aggregates) CacheStats() cache.Stats {
	return a.cache.Stats()
}
