package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/pkg/mqtt"
)

// Recorder accepts outcomes onto an append-only queue drained by Run.
type Recorder struct {
	queue      chan types.FeedbackRecord
	store      Store
	aggregates *Aggregates
	now        func() time.Time
	logger     *slog.Logger
}

// NewRecorder creates a recorder with a queue of queueSize records.
func NewRecorder(store Store, aggregates *Aggregates, queueSize int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Recorder{
		queue:      make(chan types.FeedbackRecord, queueSize),
		store:      store,
		aggregates: aggregates,
		now:        time.Now,
		logger:     logger.With("component", "feedback_recorder"),
	}
}

// RecordOutcome validates and enqueues an outcome. A rating outside [0,5] is
// clamped before the record is built. It blocks while the queue is full.
func (r *Recorder) RecordOutcome(ctx context.Context, subjectID uuid.UUID, outcome types.Outcome, executionTimeMs int64, userRating *float64) (types.FeedbackRecord, error) {
	if subjectID == uuid.Nil {
		return types.FeedbackRecord{}, fmt.Errorf("subject id is required")
	}
	if outcome != types.OutcomeSuccess && outcome != types.OutcomeFailure {
		return types.FeedbackRecord{}, fmt.Errorf("invalid outcome %q", outcome)
	}
	if executionTimeMs < 0 {
		executionTimeMs = 0
	}

	rec := types.FeedbackRecord{
		ID:              uuid.New(),
		SubjectID:       subjectID,
		Outcome:         outcome,
		ExecutionTimeMs: executionTimeMs,
		Timestamp:       r.now().UTC(),
	}
	if userRating != nil && !math.IsNaN(*userRating) {
		clamped := types.ClampRating(*userRating)
		rec.UserRating = &clamped
	}

	select {
	case r.queue <- rec:
		return rec, nil
	case <-ctx.Done():
		return types.FeedbackRecord{}, fmt.Errorf("failed to enqueue feedback: %w", ctx.Err())
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	r.logger.Info("Feedback consumer started")
	for {
		select {
		case rec := <-r.queue:
			r.persist(ctx, rec)
		case <-ctx.Done():
			r.drain()
			r.logger.Info("Feedback consumer stopped")
			return
		}
	}
}

// Pending returns the number of queued records not yet persisted.
func (r *Recorder) Pending() int {
	return len(r.queue)
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-r.queue:
			r.persist(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) persist(ctx context.Context, rec types.FeedbackRecord) {
	if err := r.store.AppendFeedback(ctx, rec); err != nil {
		r.logger.Error("Failed to store feedback",
			"subject_id", rec.SubjectID,
			"feedback_id", rec.ID,
			"error", err)
		return
	}
	if r.aggregates != nil {
		r.aggregates.Invalidate(rec.SubjectID)
	}
	r.logger.Debug("Stored feedback",
		"subject_id", rec.SubjectID,
		"outcome", rec.Outcome)
}

type feedbackMessage struct {
	SubjectID       uuid.UUID     `json:"subject_id"`
	Outcome         types.Outcome `json:"outcome"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
	UserRating      *float64      `json:"user_rating,omitempty"`
}

// HandleMessage records an outcome published on the feedback topic.
func (r *Recorder) HandleMessage(msg mqtt.Message) {
	var m feedbackMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		r.logger.Warn("Ignoring malformed feedback message", "topic", msg.Topic(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.RecordOutcome(ctx, m.SubjectID, m.Outcome, m.ExecutionTimeMs, m.UserRating); err != nil {
		r.logger.Warn("Rejected feedback message", "subject_id", m.SubjectID, "error", err)
	}
}
