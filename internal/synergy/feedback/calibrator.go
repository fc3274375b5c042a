package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// SynergyReader resolves the scored factors of a feedback subject.
type SynergyReader interface {
	GetSynergy(ctx context.Context, id uuid.UUID) (*types.Synergy, error)
}

// WeightPublisher is the weight registry as seen by calibration.
type WeightPublisher interface {
	Latest() *types.WeightVector
	Publish(ctx context.Context, weights map[string]float64, reason string) (*types.WeightVector, error)
}

// CalibrationConfig bounds each calibration cycle.
type CalibrationConfig struct {
	TargetSuccessRate float64
	LearningRate      float64
	MaxStep           float64 // per factor per cycle
	MinWeight         float64
	MinSamples        int
}

// DefaultCalibrationConfig returns the calibration defaults.
func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		TargetSuccessRate: 0.85,
		LearningRate:      0.5,
		MaxStep:           0.05,
		MinWeight:         0.02,
		MinSamples:        3,
	}
}

// CalibrationResult describes one calibration cycle.
type CalibrationResult struct {
	FromVersion  int                                 `json:"from_version"`
	ToVersion    int                                 `json:"to_version"`
	Published    bool                                `json:"published"`
	Subjects     int                                 `json:"subjects"`
	Contributing int                                 `json:"contributing"`
	Deltas       map[string]float64                  `json:"deltas"`
	Guards       []*types.CalibrationDivergenceGuard `json:"guards,omitempty"`
}

// Calibrator nudges scoring weights toward factors that predict good outcomes.
type Calibrator struct {
	aggregates *Aggregates
	synergies  SynergyReader
	weights    WeightPublisher
	cfg        CalibrationConfig
	now        func() time.Time
	logger     *slog.Logger
}

// NewCalibrator creates a calibrator.
func NewCalibrator(aggregates *Aggregates, synergies SynergyReader, weights WeightPublisher, cfg CalibrationConfig, logger *slog.Logger) *Calibrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{
		aggregates: aggregates,
		synergies:  synergies,
		weights:    weights,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With("component", "calibrator"),
	}
}

// Calibrate runs one cycle. Each synergy with at least MinSamples outcomes
// contributes (score - target) * (factor - mean factor) per factor; the
// averaged, zero-sum delta is scaled so no weight moves more than MaxStep or
// drops below MinWeight. A new version is published only for a non-zero delta.
func (c *Calibrator) Calibrate(ctx context.Context) (*CalibrationResult, error) {
	current := c.weights.Latest()
	if current == nil {
		return nil, fmt.Errorf("failed to calibrate: no published weight vector")
	}

	subjects, err := c.aggregates.Subjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback subjects: %w", err)
	}

	result := &CalibrationResult{
		FromVersion: current.Version,
		ToVersion:   current.Version,
		Subjects:    len(subjects),
		Deltas:      make(map[string]float64),
	}

	factors := current.Factors()
	gradient := make(map[string]float64, len(factors))
	for _, id := range subjects {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("calibration cancelled: %w", err)
		}

		agg, err := c.aggregates.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if agg.Samples < c.cfg.MinSamples {
			continue
		}

		s, err := c.synergies.GetSynergy(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue // pattern feedback carries no factors
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load synergy %s: %w", id, err)
		}
		if len(s.Factors) == 0 {
			continue
		}

		var mean float64
		var present int
		for _, f := range factors {
			if v, ok := s.Factors[f]; ok {
				mean += v
				present++
			}
		}
		if present == 0 {
			continue
		}
		mean /= float64(present)

		errTerm := agg.Score() - c.cfg.TargetSuccessRate
		for _, f := range factors {
			if v, ok := s.Factors[f]; ok {
				gradient[f] += errTerm * (v - mean)
			}
		}
		result.Contributing++
	}

	if result.Contributing == 0 {
		c.logger.Info("No subjects with enough feedback, weights unchanged",
			"subjects", result.Subjects,
			"min_samples", c.cfg.MinSamples)
		return result, nil
	}

	proposed := make(map[string]float64, len(factors))
	var sum float64
	for _, f := range factors {
		proposed[f] = c.cfg.LearningRate * gradient[f] / float64(result.Contributing)
		sum += proposed[f]
	}
	for _, f := range factors {
		proposed[f] -= sum / float64(len(factors))
	}

	scale := c.stepScale(current, proposed)
	now := c.now()
	next := current.CopyWeights()
	changed := false
	for _, f := range factors {
		applied := proposed[f] * scale
		if math.Abs(applied) < 1e-9 {
			applied = 0
		}
		result.Deltas[f] = applied
		next[f] += applied
		if applied != 0 {
			changed = true
		}
		if scale < 1 && math.Abs(proposed[f]-applied) > 1e-9 {
			result.Guards = append(result.Guards, &types.CalibrationDivergenceGuard{
				Factor:    f,
				Proposed:  proposed[f],
				Applied:   applied,
				MaxStep:   c.cfg.MaxStep,
				Timestamp: now,
			})
		}
	}
	sort.Slice(result.Guards, func(i, j int) bool { return result.Guards[i].Factor < result.Guards[j].Factor })
	for _, g := range result.Guards {
		c.logger.Warn("Calibration step clamped", "guard", g.Error())
	}

	if !changed {
		c.logger.Info("Calibration produced no weight change", "version", current.Version)
		return result, nil
	}

	wv, err := c.weights.Publish(ctx, next, fmt.Sprintf("calibration from %d subjects", result.Contributing))
	if err != nil {
		return nil, fmt.Errorf("failed to publish calibrated weights: %w", err)
	}
	result.ToVersion = wv.Version
	result.Published = true

	c.logger.Info("Calibrated weights",
		"from_version", result.FromVersion,
		"to_version", result.ToVersion,
		"contributing", result.Contributing,
		"guards", len(result.Guards))
	return result, nil
}

// stepScale is the largest factor in [0,1] that keeps every step within
// MaxStep and every weight at or above MinWeight.
func (c *Calibrator) stepScale(current *types.WeightVector, proposed map[string]float64) float64 {
	scale := 1.0
	for f, d := range proposed {
		if d == 0 {
			continue
		}
		if c.cfg.MaxStep > 0 && math.Abs(d) > c.cfg.MaxStep {
			scale = math.Min(scale, c.cfg.MaxStep/math.Abs(d))
		}
		if d < 0 {
			room := current.Weight(f) - c.cfg.MinWeight
			if room <= 0 {
				return 0
			}
			scale = math.Min(scale, room/-d)
		}
	}
	return scale
}
