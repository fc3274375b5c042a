package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/detect"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/events"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/scoring"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/storage"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

type detectorResult struct {
	detector detect.Detector
	patterns []*types.Pattern
	err      error
	duration time.Duration
}

// RunDetection runs one detection pass: aggregate the horizon, run every
// registered detector concurrently over the shared snapshot, merge and
// commit patterns, then build, enrich, score and commit synergies.
//
// Commits happen only at stage boundaries, so a cancelled run leaves
// previously committed records untouched. A run where some detectors failed
// but at least one succeeded completes with partial_success.
func (p *Pipeline) RunDetection(ctx context.Context) (*types.RunReport, error) {
	r := p.begin(types.RunDetection)
	now := r.report.StartedAt
	r.logger.Info("Starting detection run", "detectors", p.detectors.Names())

	downstream := []string{StagePatternCommit, StageChainBuilder, StageEnrichment, StageScorer, StageSynergyCommit}

	// The whole run scores with the version current at its start.
	wv := p.weights.Latest()
	if wv == nil {
		loaded, err := p.weights.Load(ctx)
		if err != nil {
			all := append([]string{StageAggregator}, detectorStages(p.detectors)...)
			return r.abort(ctx, "weights", fmt.Errorf("failed to load weights: %w", err), append(all, downstream...)...)
		}
		wv = loaded
	}
	r.report.WeightVersion = wv.Version
	if p.metrics != nil {
		p.metrics.WeightVersion(wv.Version)
	}

	started := p.now()
	evts, err := p.source.Events(ctx, now.Add(-p.aggregator.Lookback()), now)
	var snap *events.Snapshot
	if err == nil {
		snap = p.aggregator.Aggregate(evts, now)
	}
	windows := 0
	if snap != nil {
		windows = len(snap.Windows)
	}
	if r.stage(StageAggregator, started, windows, err) != types.RunSuccess {
		names := detectorStages(p.detectors)
		return r.abort(ctx, StageAggregator, err, append(names, downstream...)...)
	}

	results := p.runDetectors(ctx, snap)

	var candidates []*types.Pattern
	failedTypes := make(map[types.PatternType]bool)
	succeeded := 0
	for _, res := range results {
		name := res.detector.Name()
		p.health.RecordDetector(name, len(res.patterns), res.duration, res.err, now)
		r.record(StageDetectorPrefix+name, res.duration, len(res.patterns), res.err)
		if res.err != nil {
			failedTypes[res.detector.Type()] = true
			continue
		}
		succeeded++
		candidates = append(candidates, res.patterns...)
	}
	if err := ctx.Err(); err != nil {
		return r.abort(ctx, "detectors", err, downstream...)
	}
	if succeeded == 0 && len(results) > 0 {
		return r.abort(ctx, "detectors", fmt.Errorf("all %d detectors failed", len(results)), downstream...)
	}
	r.partial = succeeded < len(results)

	started = p.now()
	existing, err := p.store.ListPatterns(ctx, storage.PatternFilter{IncludeDeprecated: true})
	var merged []*types.Pattern
	if err == nil {
		merged = detect.Merge(existing, candidates, now)
		err = p.commitPatterns(ctx, r, merged, now)
	}
	if r.stage(StagePatternCommit, started, len(merged), err) != types.RunSuccess {
		return r.abort(ctx, StagePatternCommit, err, downstream[1:]...)
	}

	// Patterns of a failed detector come from the store so its chains
	// survive the outage.
	chainInput := merged
	for _, prev := range existing {
		if !prev.Deprecated && failedTypes[prev.Type] {
			chainInput = append(chainInput, prev)
		}
	}

	started = p.now()
	synergies, err := p.chains.Build(ctx, chainInput, snap, now)
	if err == nil {
		synergies, err = p.reconcileSynergies(ctx, synergies)
	}
	if r.stage(StageChainBuilder, started, len(synergies), err) != types.RunSuccess {
		return r.abort(ctx, StageChainBuilder, err, downstream[2:]...)
	}

	started = p.now()
	err = p.enricher.Enrich(ctx, synergies, chainInput, snap, now)
	if r.stage(StageEnrichment, started, len(synergies), err) != types.RunSuccess {
		if ctx.Err() != nil {
			return r.abort(ctx, StageEnrichment, err, downstream[3:]...)
		}
		r.partial = true
	}

	started = p.now()
	err = scoring.ScoreAll(synergies, wv)
	if r.stage(StageScorer, started, len(synergies), err) != types.RunSuccess {
		return r.abort(ctx, StageScorer, err, StageSynergyCommit)
	}

	started = p.now()
	err = ctx.Err()
	if err == nil {
		err = p.store.CommitSynergies(ctx, synergies, observeSynergies(synergies, r.report.RunID, now))
	}
	if r.stage(StageSynergyCommit, started, len(synergies), err) != types.RunSuccess {
		return r.abort(ctx, StageSynergyCommit, err)
	}

	return r.finish(ctx, r.result()), nil
}

// runDetectors fans out over the registry. Each detector's failure or panic
// is captured in its own result; none cancels the others.
func (p *Pipeline) runDetectors(ctx context.Context, snap *events.Snapshot) []detectorResult {
	detectors := p.detectors.Detectors()
	results := make([]detectorResult, len(detectors))

	var g errgroup.Group
	for i, d := range detectors {
		results[i].detector = d
		g.Go(func() error {
			start := time.Now()
			defer func() {
				if rec := recover(); rec != nil {
					results[i].patterns = nil
					results[i].err = fmt.Errorf("detector %s panicked: %v", d.Name(), rec)
				}
				results[i].duration = time.Since(start)
			}()

			patterns, err := d.Detect(ctx, snap)
			if err != nil {
				results[i].err = fmt.Errorf("detector %s failed: %w", d.Name(), err)
				return nil
			}
			if err := ctx.Err(); err != nil {
				results[i].err = err
				return nil
			}
			results[i].patterns = p.validPatterns(d, patterns)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// validPatterns rejects candidates that break the pattern invariants.
func (p *Pipeline) validPatterns(d detect.Detector, patterns []*types.Pattern) []*types.Pattern {
	out := patterns[:0]
	for _, pt := range patterns {
		if err := validatePattern(d, pt); err != nil {
			p.logger.Warn("Rejected pattern", "detector", d.Name(), "error", err)
			continue
		}
		out = append(out, pt)
	}
	return out
}

func validatePattern(d detect.Detector, pt *types.Pattern) error {
	switch {
	case pt == nil:
		return &types.ValidationError{Subject: d.Name(), Reason: "nil pattern"}
	case pt.Type != d.Type():
		return &types.ValidationError{Subject: pt.Key(), Reason: fmt.Sprintf("type %s from detector %s", pt.Type, d.Name())}
	case len(pt.DeviceIDs) == 0:
		return &types.ValidationError{Subject: pt.Key(), Reason: "no devices"}
	case pt.Confidence < 0 || pt.Confidence > 1:
		return &types.ValidationError{Subject: pt.Key(), Reason: fmt.Sprintf("confidence %.3f out of range", pt.Confidence)}
	}
	return nil
}

func (p *Pipeline) commitPatterns(ctx context.Context, r *run, patterns []*types.Pattern, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	obs := make([]types.Observation, 0, len(patterns))
	for _, pt := range patterns {
		obs = append(obs, types.Observation{
			SubjectID:      pt.ID,
			SubjectKind:    types.SubjectPattern,
			RunID:          r.report.RunID,
			ObservedAt:     now,
			OccurrenceRate: pt.OccurrenceRate,
			Confidence:     pt.Confidence,
		})
	}
	return p.store.CommitPatterns(ctx, patterns, obs)
}

// reconcileSynergies matches rebuilt chains with their stored records. A
// chain with a live record takes over that record's identity and lifecycle.
// A chain whose records are all deprecated starts a new generation, so the
// deprecated history is kept and returning behaviour is rediscovered. Parent
// references follow the renames.
func (p *Pipeline) reconcileSynergies(ctx context.Context, built []*types.Synergy) ([]*types.Synergy, error) {
	stored, err := p.store.ListSynergies(ctx, storage.SynergyFilter{IncludeFiltered: true, IncludeDeprecated: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load stored synergies: %w", err)
	}
	live := make(map[string]*types.Synergy, len(stored))
	generations := make(map[string]int, len(stored))
	for _, s := range stored {
		key := types.ChainKey(s.DeviceIDs)
		generations[key]++
		if !s.Deprecated {
			live[key] = s
		}
	}

	renamed := make(map[uuid.UUID]uuid.UUID)
	for _, s := range built {
		key := types.ChainKey(s.DeviceIDs)
		id := s.ID
		if prev, ok := live[key]; ok {
			id = prev.ID
			s.State = prev.State
			s.Trend = prev.Trend
			s.NeedsReview = prev.NeedsReview
			s.CreatedAt = prev.CreatedAt
		} else if n := generations[key]; n > 0 {
			id = types.SynergyGenerationID(s.DeviceIDs, n)
			p.logger.Info("Rediscovered deprecated synergy", "synergy_id", id, "devices", s.DeviceIDs, "generation", n)
		}
		if id != s.ID {
			renamed[s.ID] = id
			s.ID = id
		}
	}

	for _, s := range built {
		if s.ParentID == nil {
			continue
		}
		if id, ok := renamed[*s.ParentID]; ok {
			s.ParentID = &id
		}
	}
	return built, nil
}

func observeSynergies(synergies []*types.Synergy, runID uuid.UUID, now time.Time) []types.Observation {
	obs := make([]types.Observation, 0, len(synergies))
	for _, s := range synergies {
		obs = append(obs, types.Observation{
			SubjectID:   s.ID,
			SubjectKind: types.SubjectSynergy,
			RunID:       runID,
			ObservedAt:  now,
			Confidence:  s.Confidence,
		})
	}
	return obs
}

func detectorStages(r *detect.Registry) []string {
	names := r.Names()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = StageDetectorPrefix + n
	}
	return out
}
