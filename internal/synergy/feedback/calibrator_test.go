package feedback

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/storage"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/weights"
)

type calibrationFixture struct {
	store      *storage.MemoryStore
	registry   *weights.Registry
	calibrator *Calibrator
}

func newCalibrationFixture(t *testing.T, cfg CalibrationConfig) *calibrationFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	registry := weights.NewRegistry(store, nil, nil, nil)
	_, err := registry.Load(context.Background())
	require.NoError(t, err)
	return &calibrationFixture{
		store:      store,
		registry:   registry,
		calibrator: NewCalibrator(newAggregates(t, store), store, registry, cfg, nil),
	}
}

func (f *calibrationFixture) addSynergy(t *testing.T, devices []string, factors map[string]float64) uuid.UUID {
	t.Helper()
	s := &types.Synergy{
		ID:        types.SynergyID(devices),
		Type:      types.SynergyDevicePair,
		Depth:     len(devices),
		DeviceIDs: devices,
		Factors:   factors,
		State:     types.StateActive,
	}
	require.NoError(t, f.store.CommitSynergies(context.Background(), []*types.Synergy{s}, nil))
	return s.ID
}

func (f *calibrationFixture) addOutcomes(t *testing.T, subject uuid.UUID, successes, failures int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < successes+failures; i++ {
		outcome := types.OutcomeSuccess
		if i >= successes {
			outcome = types.OutcomeFailure
		}
		require.NoError(t, f.store.AppendFeedback(ctx, types.FeedbackRecord{
			ID:        uuid.New(),
			SubjectID: subject,
			Outcome:   outcome,
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
		}))
	}
}

func factorSet(spatial float64) map[string]float64 {
	return map[string]float64{
		types.FactorPatternStrength:   0.8,
		types.FactorTemporalRelevance: 0.5,
		types.FactorSpatialValidity:   spatial,
		types.FactorPatternSupport:    1,
		types.FactorSafety:            1,
	}
}

func TestCalibrateWithoutEnoughSamplesKeepsVersion(t *testing.T) {
	f := newCalibrationFixture(t, DefaultCalibrationConfig())
	id := f.addSynergy(t, []string{"binary_sensor.a", "light.a"}, factorSet(1))
	f.addOutcomes(t, id, 0, 2)

	result, err := f.calibrator.Calibrate(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Published)
	assert.Equal(t, 1, result.Subjects)
	assert.Equal(t, 0, result.Contributing)
	assert.Equal(t, 1, f.registry.Latest().Version)
}

func TestCalibrateShiftsWeightTowardPredictiveFactor(t *testing.T) {
	f := newCalibrationFixture(t, DefaultCalibrationConfig())
	good := f.addSynergy(t, []string{"binary_sensor.a", "light.a"}, factorSet(1.0))
	bad := f.addSynergy(t, []string{"binary_sensor.b", "light.c"}, factorSet(0.2))
	f.addOutcomes(t, good, 10, 0)
	f.addOutcomes(t, bad, 1, 9)

	before := f.registry.Latest()
	result, err := f.calibrator.Calibrate(context.Background())
	require.NoError(t, err)

	require.True(t, result.Published)
	assert.Equal(t, 2, result.Contributing)
	assert.Equal(t, 1, result.FromVersion)
	assert.Equal(t, 2, result.ToVersion)

	after := f.registry.Latest()
	assert.Greater(t, after.Weights[types.FactorSpatialValidity], before.Weights[types.FactorSpatialValidity])

	var sum, deltaSum float64
	for name, w := range after.Weights {
		sum += w
		deltaSum += result.Deltas[name]
		assert.LessOrEqual(t, math.Abs(result.Deltas[name]), DefaultCalibrationConfig().MaxStep+1e-9)
		assert.GreaterOrEqual(t, w, DefaultCalibrationConfig().MinWeight-1e-9)
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.InDelta(t, 0.0, deltaSum, 1e-9)

	// The version the scorer held is untouched.
	assert.InDelta(t, 0.15, before.Weights[types.FactorSpatialValidity], 1e-9)
}

func TestCalibrateClampsRunawayStep(t *testing.T) {
	cfg := DefaultCalibrationConfig()
	cfg.LearningRate = 50
	f := newCalibrationFixture(t, cfg)
	good := f.addSynergy(t, []string{"binary_sensor.a", "light.a"}, factorSet(1.0))
	bad := f.addSynergy(t, []string{"binary_sensor.b", "light.c"}, factorSet(0.0))
	f.addOutcomes(t, good, 10, 0)
	f.addOutcomes(t, bad, 0, 10)

	result, err := f.calibrator.Calibrate(context.Background())
	require.NoError(t, err)
	require.True(t, result.Published)
	require.NotEmpty(t, result.Guards)

	var largest float64
	for _, d := range result.Deltas {
		largest = math.Max(largest, math.Abs(d))
	}
	assert.LessOrEqual(t, largest, cfg.MaxStep+1e-9)
	for _, g := range result.Guards {
		assert.Greater(t, math.Abs(g.Proposed), math.Abs(g.Applied))
		assert.Contains(t, g.Error(), g.Factor)
	}
	for _, w := range f.registry.Latest().Weights {
		assert.GreaterOrEqual(t, w, cfg.MinWeight-1e-9)
	}
}

func TestCalibrateSkipsPatternSubjects(t *testing.T) {
	f := newCalibrationFixture(t, DefaultCalibrationConfig())
	f.addOutcomes(t, uuid.New(), 0, 10)

	result, err := f.calibrator.Calibrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Subjects)
	assert.Equal(t, 0, result.Contributing)
	assert.False(t, result.Published)
}

func TestCalibrateUniformFactorsProduceNoChange(t *testing.T) {
	f := newCalibrationFixture(t, DefaultCalibrationConfig())
	flat := map[string]float64{}
	for name := range types.DefaultWeights() {
		flat[name] = 0.7
	}
	id := f.addSynergy(t, []string{"binary_sensor.a", "light.a"}, flat)
	f.addOutcomes(t, id, 0, 10)

	result, err := f.calibrator.Calibrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Contributing)
	assert.False(t, result.Published)
	assert.Equal(t, 1, f.registry.Latest().Version)
}
