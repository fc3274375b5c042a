package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func makePattern(devices []string, confidence float64) *types.Pattern {
	p := &types.Pattern{
		Type:       types.PatternCoOccurrence,
		DeviceIDs:  devices,
		WindowSize: 5 * time.Minute,
		Confidence: confidence,
		FirstSeen:  t0,
		LastSeen:   t0,
		State:      types.StateCandidate,
		Metadata:   map[string]interface{}{"frequency": 0.9},
		UpdatedAt:  t0,
	}
	p.ID = types.PatternID(p.Key(), 0)
	return p
}

func makeProfile(hour int) *pgvector.Vector {
	vals := make([]float32, 24)
	vals[hour] = 1
	vals[(hour+1)%24] = 0.5
	v := pgvector.NewVector(vals)
	return &v
}

func makeSynergy(devices []string, quality float64) *types.Synergy {
	q := quality
	tier := types.TierHigh
	return &types.Synergy{
		ID:                  types.SynergyID(devices),
		Type:                types.SynergyDevicePair,
		Depth:               len(devices),
		DeviceIDs:           devices,
		TriggerEntity:       devices[0],
		ActionEntity:        devices[len(devices)-1],
		Complexity:          types.ComplexityLow,
		Confidence:          0.8,
		QualityScore:        &q,
		QualityTier:         &tier,
		ValidatedByPatterns: true,
		State:               types.StateCandidate,
		CreatedAt:           t0,
		UpdatedAt:           t0,
	}
}

func TestMemoryStoreCommitAndGetPattern(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := makePattern([]string{"binary_sensor.hall", "light.hall"}, 0.9)
	require.NoError(t, store.CommitPatterns(ctx, []*types.Pattern{p}, nil))

	got, err := store.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.DeviceIDs, got.DeviceIDs)

	// Mutating the returned copy must not leak into the store.
	got.DeviceIDs[0] = "mutated"
	got.Metadata["frequency"] = 0.1
	again, err := store.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "binary_sensor.hall", again.DeviceIDs[0])
	assert.Equal(t, 0.9, again.Metadata["frequency"])

	_, err = store.GetPattern(ctx, uuid.New())
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestMemoryStorePatternFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	strong := makePattern([]string{"binary_sensor.a", "light.a"}, 0.9)
	weak := makePattern([]string{"binary_sensor.b", "light.b"}, 0.4)
	old := makePattern([]string{"binary_sensor.c", "light.c"}, 0.95)
	old.Deprecated = true
	require.NoError(t, store.CommitPatterns(ctx, []*types.Pattern{strong, weak, old}, nil))

	live, err := store.ListPatterns(ctx, PatternFilter{})
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, strong.ID, live[0].ID, "highest confidence first")

	confident, err := store.ListPatterns(ctx, PatternFilter{MinConfidence: 0.5})
	require.NoError(t, err)
	assert.Len(t, confident, 1)

	all, err := store.ListPatterns(ctx, PatternFilter{IncludeDeprecated: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	deprecated, err := store.ListPatterns(ctx, PatternFilter{DeprecatedOnly: true})
	require.NoError(t, err)
	require.Len(t, deprecated, 1)
	assert.Equal(t, old.ID, deprecated[0].ID)

	byDevice, err := store.ListPatterns(ctx, PatternFilter{DeviceID: "light.b"})
	require.NoError(t, err)
	require.Len(t, byDevice, 1)
	assert.Equal(t, weak.ID, byDevice[0].ID)

	limited, err := store.ListPatterns(ctx, PatternFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStoreSynergyFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	good := makeSynergy([]string{"binary_sensor.a", "light.a"}, 0.9)
	chain := makeSynergy([]string{"binary_sensor.a", "light.a", "media_player.a"}, 0.6)
	chain.Type = types.SynergyDeviceChain
	chain.Complexity = types.ComplexityMedium
	medium := types.TierMedium
	chain.QualityTier = &medium
	hidden := makeSynergy([]string{"lock.a", "light.b"}, 0.95)
	hidden.SetFilterReason(types.FilterInsufficientSupport)

	require.NoError(t, store.CommitSynergies(ctx, []*types.Synergy{good, chain, hidden}, nil))

	list, err := store.ListSynergies(ctx, SynergyFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, good.ID, list[0].ID, "ranked by quality")

	withFiltered, err := store.ListSynergies(ctx, SynergyFilter{IncludeFiltered: true})
	require.NoError(t, err)
	assert.Len(t, withFiltered, 3)

	depth3, err := store.ListSynergies(ctx, SynergyFilter{Depth: 3})
	require.NoError(t, err)
	require.Len(t, depth3, 1)
	assert.Equal(t, chain.ID, depth3[0].ID)

	tier, err := store.ListSynergies(ctx, SynergyFilter{QualityTier: types.TierMedium})
	require.NoError(t, err)
	assert.Len(t, tier, 1)

	complexity, err := store.ListSynergies(ctx, SynergyFilter{Complexity: types.ComplexityLow})
	require.NoError(t, err)
	assert.Len(t, complexity, 1)

	typed, err := store.ListSynergies(ctx, SynergyFilter{Type: types.SynergyDeviceChain})
	require.NoError(t, err)
	assert.Len(t, typed, 1)
}

func TestMemoryStoreKeepsCreatedAtOnUpsert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := makeSynergy([]string{"binary_sensor.a", "light.a"}, 0.9)
	require.NoError(t, store.CommitSynergies(ctx, []*types.Synergy{s}, nil))

	update := s.Clone()
	update.CreatedAt = t0.Add(24 * time.Hour)
	update.Confidence = 0.5
	require.NoError(t, store.CommitSynergies(ctx, []*types.Synergy{update}, nil))

	got, err := store.GetSynergy(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Equal(t, 0.5, got.Confidence)
}

func TestMemoryStoreCommitLeavesLifecycleToUpdateLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := makePattern([]string{"binary_sensor.a", "light.a"}, 0.9)
	s := makeSynergy([]string{"binary_sensor.a", "light.a"}, 0.9)
	require.NoError(t, store.CommitPatterns(ctx, []*types.Pattern{p}, nil))
	require.NoError(t, store.CommitSynergies(ctx, []*types.Synergy{s}, nil))

	require.NoError(t, store.UpdateLifecycle(ctx, types.LifecycleStatus{
		SubjectID:   p.ID,
		SubjectKind: types.SubjectPattern,
		State:       types.StateActive,
		Trend:       types.TrendStable,
		UpdatedAt:   t0.Add(time.Hour),
	}))

	// A detection run that read the records before the update commits stale copies.
	stalePattern := p.Clone()
	stalePattern.Confidence = 0.7
	stalePattern.FirstSeen = t0.Add(48 * time.Hour)
	require.NoError(t, store.CommitPatterns(ctx, []*types.Pattern{stalePattern}, nil))

	got, err := store.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.Confidence)
	assert.Equal(t, t0, got.FirstSeen)
	assert.Equal(t, types.StateActive, got.State)
	assert.Equal(t, types.TrendStable, got.Trend)

	at := t0.Add(2 * time.Hour)
	require.NoError(t, store.UpdateLifecycle(ctx, types.LifecycleStatus{
		SubjectID:    s.ID,
		SubjectKind:  types.SubjectSynergy,
		State:        types.StateDeprecated,
		Trend:        types.TrendDeprecated,
		Deprecated:   true,
		DeprecatedAt: &at,
		UpdatedAt:    at,
	}))

	staleSynergy := s.Clone()
	staleSynergy.Confidence = 0.95
	require.NoError(t, store.CommitSynergies(ctx, []*types.Synergy{staleSynergy}, nil))

	gone, err := store.GetSynergy(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, gone.Deprecated)
	assert.Equal(t, types.StateDeprecated, gone.State)
	assert.Equal(t, at, *gone.DeprecatedAt)
	assert.Equal(t, 0.8, gone.Confidence, "deprecated records are not updated")

	list, err := store.ListSynergies(ctx, SynergyFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStoreUpdateLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := makeSynergy([]string{"binary_sensor.a", "light.a"}, 0.9)
	s.AutoDeployable = true
	require.NoError(t, store.CommitSynergies(ctx, []*types.Synergy{s}, nil))

	at := t0.Add(time.Hour)
	require.NoError(t, store.UpdateLifecycle(ctx, types.LifecycleStatus{
		SubjectID:    s.ID,
		SubjectKind:  types.SubjectSynergy,
		State:        types.StateDeprecated,
		Trend:        types.TrendDeprecated,
		Deprecated:   true,
		DeprecatedAt: &at,
		UpdatedAt:    at,
	}))

	got, err := store.GetSynergy(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Deprecated)
	assert.Equal(t, at, *got.DeprecatedAt)
	assert.False(t, got.AutoDeployable)

	list, err := store.ListSynergies(ctx, SynergyFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "deprecated synergies are hidden by default")

	err = store.UpdateLifecycle(ctx, types.LifecycleStatus{SubjectID: uuid.New(), SubjectKind: types.SubjectPattern})
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestMemoryStoreObservations(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := makePattern([]string{"binary_sensor.a", "light.a"}, 0.9)
	run1, run2 := uuid.New(), uuid.New()
	obs := []types.Observation{
		{SubjectID: p.ID, SubjectKind: types.SubjectPattern, RunID: run2, ObservedAt: t0.Add(48 * time.Hour), OccurrenceRate: 2},
		{SubjectID: p.ID, SubjectKind: types.SubjectPattern, RunID: run1, ObservedAt: t0, OccurrenceRate: 3},
	}
	require.NoError(t, store.CommitPatterns(ctx, []*types.Pattern{p}, obs))
	// Re-committing the same run is a no-op.
	require.NoError(t, store.CommitPatterns(ctx, nil, obs[:1]))

	got, err := store.ListObservations(ctx, p.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, run1, got[0].RunID, "ordered by observation time")

	recent, err := store.ListObservations(ctx, p.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestMemoryStoreFeedback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	rating := 4.0
	require.NoError(t, store.AppendFeedback(ctx, types.FeedbackRecord{ID: uuid.New(), SubjectID: a, Outcome: types.OutcomeSuccess, UserRating: &rating, Timestamp: t0}))
	require.NoError(t, store.AppendFeedback(ctx, types.FeedbackRecord{ID: uuid.New(), SubjectID: a, Outcome: types.OutcomeFailure, Timestamp: t0.Add(time.Hour)}))
	require.NoError(t, store.AppendFeedback(ctx, types.FeedbackRecord{ID: uuid.New(), SubjectID: b, Outcome: types.OutcomeSuccess, Timestamp: t0.Add(-48 * time.Hour)}))

	rating = 0
	list, err := store.ListFeedback(ctx, a, time.Time{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 4.0, *list[0].UserRating, "stored rating is a copy")

	subjects, err := store.FeedbackSubjects(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a}, subjects)
}

func TestMemoryStoreWeightVectors(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.LatestWeightVector(ctx)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	require.NoError(t, store.SaveWeightVector(ctx, &types.WeightVector{Version: 1, Weights: types.DefaultWeights()}))
	require.NoError(t, store.SaveWeightVector(ctx, &types.WeightVector{Version: 2, Weights: types.DefaultWeights()}))
	assert.Error(t, store.SaveWeightVector(ctx, &types.WeightVector{Version: 2, Weights: types.DefaultWeights()}))

	latest, err := store.LatestWeightVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
}

func TestMemoryStoreRunReports(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, kind := range []types.RunKind{types.RunDetection, types.RunCalibration, types.RunDetection} {
		require.NoError(t, store.SaveRunReport(ctx, &types.RunReport{
			RunID:     uuid.New(),
			Kind:      kind,
			StartedAt: t0.Add(time.Duration(i) * time.Hour),
			Status:    types.RunSuccess,
		}))
	}

	detection, err := store.ListRunReports(ctx, types.RunDetection, 0)
	require.NoError(t, err)
	require.Len(t, detection, 2)
	assert.True(t, detection[0].StartedAt.After(detection[1].StartedAt), "newest first")

	latest, err := store.ListRunReports(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, types.RunDetection, latest[0].Kind)
}

func TestMemoryStoreSimilarTimeProfiles(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tod := func(entity string, hour int) *types.Pattern {
		h := hour
		p := &types.Pattern{
			Type:          types.PatternTimeOfDay,
			DeviceIDs:     []string{entity},
			HourOfDay:     &h,
			HourlyProfile: makeProfile(hour),
			Confidence:    0.8,
		}
		p.ID = types.PatternID(p.Key(), 0)
		return p
	}
	morning := tod("light.kitchen", 7)
	alsoMorning := tod("switch.coffee", 7)
	nearly := tod("light.bathroom", 8)
	evening := tod("light.living", 20)
	require.NoError(t, store.CommitPatterns(ctx, []*types.Pattern{morning, alsoMorning, nearly, evening}, nil))

	similar, err := store.SimilarTimeProfiles(ctx, morning.ID, 2)
	require.NoError(t, err)
	require.Len(t, similar, 2)
	assert.Equal(t, alsoMorning.ID, similar[0].ID)
	assert.Equal(t, nearly.ID, similar[1].ID)

	co := makePattern([]string{"binary_sensor.a", "light.a"}, 0.9)
	require.NoError(t, store.CommitPatterns(ctx, []*types.Pattern{co}, nil))
	_, err = store.SimilarTimeProfiles(ctx, co.ID, 2)
	assert.Error(t, err, "co-occurrence patterns carry no profile")
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, cosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 1, cosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 2, cosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}
