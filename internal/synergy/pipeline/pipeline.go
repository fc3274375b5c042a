// Package pipeline runs detection and calibration as staged batch runs and
// schedules them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/chain"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/detect"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/enrich"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/events"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/feedback"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/lifecycle"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/storage"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/weights"
)

// Stage names used in run reports.
const (
	StageAggregator     = "aggregator"
	StageDetectorPrefix = "detector:"
	StagePatternCommit  = "pattern_commit"
	StageChainBuilder   = "chain_builder"
	StageEnrichment     = "enrichment"
	StageScorer         = "scorer"
	StageSynergyCommit  = "synergy_commit"

	StageCalibration = "calibration"
	StageDrift       = "drift"
)

// reportTimeout bounds persisting a report after the run context ended.
const reportTimeout = 5 * time.Second

// Metrics receives run and stage outcomes. Implementations must be safe for
// concurrent use.
type Metrics interface {
	StageCompleted(kind types.RunKind, stage string, status types.RunStatus, duration time.Duration)
	RunCompleted(kind types.RunKind, status types.RunStatus, duration time.Duration)
	WeightVersion(version int)
}

// Deps are the collaborators of a Pipeline. Metrics and Logger are optional.
type Deps struct {
	Store      storage.Store
	Source     events.Source
	Aggregator *events.Aggregator
	Detectors  *detect.Registry
	Chains     *chain.Builder
	Enricher   *enrich.Enricher
	Weights    *weights.Registry
	Calibrator *feedback.Calibrator
	Aggregates *feedback.Aggregates
	Drift      *feedback.DriftDetector
	Lifecycle  *lifecycle.Manager
	Health     *HealthTracker
	Metrics    Metrics
	Logger     *slog.Logger
}

// Pipeline executes detection and calibration runs. A Pipeline holds no
// mutable scoring state; every run pins the weight version it started with.
type Pipeline struct {
	store      storage.Store
	source     events.Source
	aggregator *events.Aggregator
	detectors  *detect.Registry
	chains     *chain.Builder
	enricher   *enrich.Enricher
	weights    *weights.Registry
	calibrator *feedback.Calibrator
	aggregates *feedback.Aggregates
	drift      *feedback.DriftDetector
	lifecycle  *lifecycle.Manager
	health     *HealthTracker
	metrics    Metrics
	now        func() time.Time
	logger     *slog.Logger
}

// New validates deps and creates a pipeline.
func New(deps Deps) (*Pipeline, error) {
	required := map[string]bool{
		"store":      deps.Store != nil,
		"source":     deps.Source != nil,
		"aggregator": deps.Aggregator != nil,
		"detectors":  deps.Detectors != nil,
		"chains":     deps.Chains != nil,
		"enricher":   deps.Enricher != nil,
		"weights":    deps.Weights != nil,
		"calibrator": deps.Calibrator != nil,
		"aggregates": deps.Aggregates != nil,
		"drift":      deps.Drift != nil,
		"lifecycle":  deps.Lifecycle != nil,
	}
	for name, ok := range required {
		if !ok {
			return nil, fmt.Errorf("failed to create pipeline: missing %s", name)
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	health := deps.Health
	if health == nil {
		health = NewHealthTracker(deps.Detectors.Names()...)
	}

	return &Pipeline{
		store:      deps.Store,
		source:     deps.Source,
		aggregator: deps.Aggregator,
		detectors:  deps.Detectors,
		chains:     deps.Chains,
		enricher:   deps.Enricher,
		weights:    deps.Weights,
		calibrator: deps.Calibrator,
		aggregates: deps.Aggregates,
		drift:      deps.Drift,
		lifecycle:  deps.Lifecycle,
		health:     health,
		metrics:    deps.Metrics,
		now:        time.Now,
		logger:     logger.With("component", "pipeline"),
	}, nil
}

// Health returns the tracker the pipeline reports into.
func (p *Pipeline) Health() *HealthTracker {
	return p.health
}

// run tracks the stages of one run.
type run struct {
	p       *Pipeline
	report  *types.RunReport
	partial bool
	logger  *slog.Logger
}

func (p *Pipeline) begin(kind types.RunKind) *run {
	report := &types.RunReport{
		RunID:     uuid.New(),
		Kind:      kind,
		StartedAt: p.now().UTC(),
	}
	return &run{
		p:      p,
		report: report,
		logger: p.logger.With("run_id", report.RunID, "kind", kind),
	}
}

// stage appends a stage report and returns its status.
func (r *run) stage(name string, started time.Time, records int, err error) types.RunStatus {
	return r.record(name, r.p.now().Sub(started), records, err)
}

func (r *run) record(name string, duration time.Duration, records int, err error) types.RunStatus {
	sr := types.StageReport{
		Name:     name,
		Status:   statusOf(err),
		Duration: duration,
		Records:  records,
	}
	if err != nil {
		sr.Error = err.Error()
		r.logger.Warn("Stage did not succeed", "stage", name, "status", sr.Status, "error", err)
	} else {
		r.logger.Debug("Stage complete", "stage", name, "records", records, "duration", sr.Duration)
	}
	r.report.Stages = append(r.report.Stages, sr)
	if r.p.metrics != nil {
		r.p.metrics.StageCompleted(r.report.Kind, name, sr.Status, sr.Duration)
	}
	return sr.Status
}

// skip marks stages that never ran.
func (r *run) skip(names ...string) {
	for _, name := range names {
		r.report.Stages = append(r.report.Stages, types.StageReport{Name: name, Status: types.RunSkipped})
		if r.p.metrics != nil {
			r.p.metrics.StageCompleted(r.report.Kind, name, types.RunSkipped, 0)
		}
	}
}

// finish seals the report with status, persists it and records it in the
// health tracker. Persisting outlives cancellation of ctx.
func (r *run) finish(ctx context.Context, status types.RunStatus) *types.RunReport {
	r.report.Status = status
	r.report.FinishedAt = r.p.now().UTC()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := r.p.store.SaveRunReport(saveCtx, r.report); err != nil {
		r.logger.Error("Failed to save run report", "error", err)
	}
	r.p.health.RecordRun(r.report)

	duration := r.report.FinishedAt.Sub(r.report.StartedAt)
	if r.p.metrics != nil {
		r.p.metrics.RunCompleted(r.report.Kind, status, duration)
	}
	r.logger.Info("Run finished",
		"status", status,
		"weight_version", r.report.WeightVersion,
		"duration", duration)
	return r.report
}

// result picks the run status once every stage has reported.
func (r *run) result() types.RunStatus {
	if r.partial {
		return types.RunPartialSuccess
	}
	return types.RunSuccess
}

func statusOf(err error) types.RunStatus {
	switch {
	case err == nil:
		return types.RunSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.RunCancelled
	default:
		return types.RunFailed
	}
}

// RunError is returned for runs that failed or were cancelled. The report is
// returned alongside it.
type RunError struct {
	Kind   types.RunKind
	Status types.RunStatus
	Stage  string
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s run %s at stage %s: %v", e.Kind, e.Status, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// abort finishes a run that stopped at stage with err, marking the stages it
// never reached as skipped.
func (r *run) abort(ctx context.Context, stage string, err error, remaining ...string) (*types.RunReport, error) {
	r.skip(remaining...)
	status := statusOf(err)
	return r.finish(ctx, status), &RunError{Kind: r.report.Kind, Status: status, Stage: stage, Err: err}
}
