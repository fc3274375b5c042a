package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/statekit"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/feedback"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/pkg/mqtt"
)

// Store persists lifecycle changes.
type Store interface {
	UpdateLifecycle(ctx context.Context, status types.LifecycleStatus) error
}

// Publisher announces lifecycle events to downstream consumers.
type Publisher interface {
	PublishLifecycle(ctx context.Context, event types.LifecycleEvent) error
}

// MQTTPublisher publishes lifecycle events on automation/synergy/lifecycle/{kind}.
type MQTTPublisher struct {
	client mqtt.Client
}

// NewMQTTPublisher creates a publisher on client.
func NewMQTTPublisher(client mqtt.Client) *MQTTPublisher {
	return &MQTTPublisher{client: client}
}

// PublishLifecycle implements Publisher.
func (p *MQTTPublisher) PublishLifecycle(_ context.Context, event types.LifecycleEvent) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	return p.client.PublishJSON(mqtt.LifecycleTopic(string(event.SubjectKind)), false, event)
}

// Manager applies drift assessments to stored lifecycle state.
type Manager struct {
	machine   *statekit.MachineConfig[*machineContext]
	store     Store
	publisher Publisher // optional
	now       func() time.Time
	logger    *slog.Logger
}

// NewManager builds the statechart and returns a manager.
func NewManager(store Store, publisher Publisher, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	machine, err := newMachine()
	if err != nil {
		return nil, fmt.Errorf("failed to build lifecycle machine: %w", err)
	}
	return &Manager{
		machine:   machine,
		store:     store,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.With("component", "lifecycle_manager"),
	}, nil
}

// Plan returns the events that move a subject toward what the assessment
// says about it. Deprecated subjects never move.
func Plan(status types.LifecycleStatus, a feedback.Assessment) []string {
	if status.Deprecated || status.State == types.StateDeprecated {
		return nil
	}
	if a.Deprecate {
		return []string{EventDeprecate}
	}

	var events []string
	state := status.State
	step := func(ev string) {
		if to, ok := Target(state, ev); ok {
			events = append(events, ev)
			state = to
		}
	}

	if state == types.StateCandidate && a.Trend != types.TrendNew && a.Trend != "" {
		step(EventActivate)
	}

	switch a.Trend {
	case types.TrendStrengthening:
		if state == types.StateNeedsReview {
			step(EventRecover)
		}
		if state == types.StateWeakening {
			step(EventStabilize)
		}
		step(EventStrengthen)
	case types.TrendWeakening:
		step(EventWeaken)
		if a.NeedsReview {
			step(EventFlagReview)
		}
	case types.TrendStable, types.TrendEvolving:
		if state == types.StateNeedsReview && !a.NeedsReview {
			step(EventRecover)
		}
		if a.Trend == types.TrendStable && (state == types.StateStrengthening || state == types.StateWeakening) {
			step(EventStabilize)
		}
	}
	return events
}

// Apply moves a subject according to a, persists the change and publishes
// the resulting events. The returned status is what was stored.
func (m *Manager) Apply(ctx context.Context, status types.LifecycleStatus, a feedback.Assessment) (types.LifecycleStatus, []types.LifecycleEvent, error) {
	events := Plan(status, a)
	reason := a.Reason
	if reason == "" {
		reason = string(a.Trend)
	}
	return m.transition(ctx, status, a.Trend, a.NeedsReview, events, reason)
}

// Deprecate deprecates a subject regardless of its trend.
func (m *Manager) Deprecate(ctx context.Context, status types.LifecycleStatus, reason string) (types.LifecycleStatus, []types.LifecycleEvent, error) {
	if status.Deprecated {
		return status, nil, nil
	}
	return m.transition(ctx, status, types.TrendDeprecated, false, []string{EventDeprecate}, reason)
}

func (m *Manager) transition(ctx context.Context, status types.LifecycleStatus, trend types.Trend, needsReview bool, events []string, reason string) (types.LifecycleStatus, []types.LifecycleEvent, error) {
	now := m.now().UTC()
	mctx := &machineContext{Status: status, Trend: trend, At: now}
	if mctx.Status.State == "" {
		mctx.Status.State = types.StateCandidate
	}

	if len(events) > 0 {
		if err := run(m.machine, mctx, events, reason); err != nil {
			return status, nil, fmt.Errorf("failed to transition %s %s: %w", status.SubjectKind, status.SubjectID, err)
		}
	}

	next := mctx.Status
	if !next.Deprecated {
		next.Trend = trend
		next.NeedsReview = needsReview || next.State == types.StateNeedsReview
		if next.State == types.StateActive && status.State == types.StateNeedsReview {
			next.NeedsReview = false
		}
	} else {
		next.Trend = types.TrendDeprecated
	}

	if next.State == status.State && next.Trend == status.Trend && next.NeedsReview == status.NeedsReview &&
		next.Deprecated == status.Deprecated {
		return status, nil, nil
	}
	next.UpdatedAt = now

	if err := m.store.UpdateLifecycle(ctx, next); err != nil {
		return status, nil, fmt.Errorf("failed to persist lifecycle of %s: %w", status.SubjectID, err)
	}

	for _, ev := range mctx.Events {
		m.logger.Info("Lifecycle transition",
			"subject_kind", ev.SubjectKind,
			"subject_id", ev.SubjectID,
			"from", ev.From,
			"to", ev.To,
			"reason", ev.Reason)
		if m.publisher == nil {
			continue
		}
		if err := m.publisher.PublishLifecycle(ctx, ev); err != nil {
			m.logger.Warn("Failed to publish lifecycle event", "subject_id", ev.SubjectID, "error", err)
		}
	}
	return next, mctx.Events, nil
}
