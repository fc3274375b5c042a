package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/feedback"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/storage"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// RunCalibration runs one calibration pass: publish a recalibrated weight
// vector from the feedback aggregates, then assess drift for every live
// pattern and synergy and apply the resulting lifecycle transitions.
//
// A calibration failure does not prevent drift assessment; the run then
// completes with partial_success.
func (p *Pipeline) RunCalibration(ctx context.Context) (*types.RunReport, error) {
	r := p.begin(types.RunCalibration)
	now := r.report.StartedAt
	r.logger.Info("Starting calibration run")

	if p.weights.Latest() == nil {
		if _, err := p.weights.Load(ctx); err != nil {
			return r.abort(ctx, "weights", fmt.Errorf("failed to load weights: %w", err), StageCalibration, StageDrift)
		}
	}

	started := p.now()
	var result *feedback.CalibrationResult
	err := ctx.Err()
	if err == nil {
		result, err = p.calibrator.Calibrate(ctx)
	}
	contributing := 0
	if result != nil {
		contributing = result.Contributing
		r.report.WeightVersion = result.ToVersion
		for _, g := range result.Guards {
			r.logger.Warn("Calibration step clamped", "guard", g.Error())
		}
		if result.Published && p.metrics != nil {
			p.metrics.WeightVersion(result.ToVersion)
		}
	}
	if status := r.stage(StageCalibration, started, contributing, err); status != types.RunSuccess {
		if status == types.RunCancelled {
			return r.abort(ctx, StageCalibration, err, StageDrift)
		}
		r.partial = true
		if wv := p.weights.Latest(); wv != nil {
			r.report.WeightVersion = wv.Version
		}
	}

	started = p.now()
	transitions, failures, err := p.assessDrift(ctx, now)
	if err == nil && failures > 0 {
		r.partial = true
		r.logger.Warn("Some lifecycle updates failed", "failures", failures)
	}
	if r.stage(StageDrift, started, transitions, err) != types.RunSuccess {
		return r.abort(ctx, StageDrift, err)
	}

	return r.finish(ctx, r.result()), nil
}

// assessDrift walks every live pattern and synergy. It returns the number of
// subjects whose lifecycle changed and the number that could not be updated.
// Only listing failures and cancellation abort the stage.
func (p *Pipeline) assessDrift(ctx context.Context, now time.Time) (int, int, error) {
	patterns, err := p.store.ListPatterns(ctx, storage.PatternFilter{})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list patterns: %w", err)
	}
	synergies, err := p.store.ListSynergies(ctx, storage.SynergyFilter{IncludeFiltered: true})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list synergies: %w", err)
	}

	subjects := make([]types.LifecycleStatus, 0, len(patterns)+len(synergies))
	for _, pt := range patterns {
		subjects = append(subjects, pt.LifecycleOf())
	}
	for _, s := range synergies {
		subjects = append(subjects, s.LifecycleOf())
	}

	since := now.Add(-p.drift.Lookback())
	transitions, failures := 0, 0
	for _, status := range subjects {
		if err := ctx.Err(); err != nil {
			return transitions, failures, err
		}

		changed, err := p.assessOne(ctx, status, since, now)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return transitions, failures, err
			}
			failures++
			p.logger.Error("Failed to assess drift",
				"subject_kind", status.SubjectKind,
				"subject_id", status.SubjectID,
				"error", err)
			continue
		}
		if changed {
			transitions++
		}
	}
	return transitions, failures, nil
}

func (p *Pipeline) assessOne(ctx context.Context, status types.LifecycleStatus, since, now time.Time) (bool, error) {
	obs, err := p.store.ListObservations(ctx, status.SubjectID, since)
	if err != nil {
		return false, fmt.Errorf("failed to load observations: %w", err)
	}

	agg, err := p.aggregates.Get(ctx, status.SubjectID)
	if err != nil {
		return false, fmt.Errorf("failed to load feedback aggregate: %w", err)
	}
	aggPtr := &agg
	if agg.Samples == 0 {
		aggPtr = nil
	}

	assessment := p.drift.Assess(status, obs, aggPtr, now)
	_, evts, err := p.lifecycle.Apply(ctx, status, assessment)
	if err != nil {
		return false, err
	}
	if assessment.Deprecate {
		p.logger.Info("Deprecated",
			"subject_kind", status.SubjectKind,
			"subject_id", status.SubjectID,
			"reason", assessment.Reason)
	}
	return len(evts) > 0, nil
}
