package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/feedback"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/storage"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/pkg/mqtt"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.LifecycleEvent
}

func (p *recordingPublisher) PublishLifecycle(_ context.Context, ev types.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type countingStore struct {
	updates int
	fail    bool
}

func (s *countingStore) UpdateLifecycle(context.Context, types.LifecycleStatus) error {
	if s.fail {
		return errors.New("connection reset")
	}
	s.updates++
	return nil
}

type fakeMQTT struct {
	connected bool
	topics    []string
}

func (f *fakeMQTT) Connect(context.Context) error                     { return nil }
func (f *fakeMQTT) Disconnect()                                       {}
func (f *fakeMQTT) Subscribe(string, byte, mqtt.MessageHandler) error { return nil }
func (f *fakeMQTT) Publish(string, byte, bool, []byte) error          { return nil }
func (f *fakeMQTT) IsConnected() bool                                 { return f.connected }

func (f *fakeMQTT) PublishJSON(topic string, _ bool, _ interface{}) error {
	f.topics = append(f.topics, topic)
	return nil
}

func TestMachineBuilds(t *testing.T) {
	m, err := newMachine()
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from  types.LifecycleState
		event string
		to    types.LifecycleState
		ok    bool
	}{
		{types.StateCandidate, EventActivate, types.StateActive, true},
		{types.StateCandidate, EventWeaken, "", false},
		{types.StateActive, EventStrengthen, types.StateStrengthening, true},
		{types.StateActive, EventWeaken, types.StateWeakening, true},
		{types.StateStrengthening, EventStabilize, types.StateActive, true},
		{types.StateWeakening, EventFlagReview, types.StateNeedsReview, true},
		{types.StateNeedsReview, EventRecover, types.StateActive, true},
		{types.StateNeedsReview, EventStrengthen, "", false},
		{types.StateDeprecated, EventRecover, "", false},
		{types.StateDeprecated, EventActivate, "", false},
	}
	for _, tt := range tests {
		to, ok := Target(tt.from, tt.event)
		assert.Equal(t, tt.ok, ok, "%s --%s-->", tt.from, tt.event)
		assert.Equal(t, tt.to, to, "%s --%s-->", tt.from, tt.event)
	}
	for state := range transitions {
		if state != types.StateDeprecated {
			assert.True(t, CanTransition(state, EventDeprecate), "%s must be deprecatable", state)
		}
	}
}

func TestPlan(t *testing.T) {
	status := func(state types.LifecycleState) types.LifecycleStatus {
		return types.LifecycleStatus{SubjectID: uuid.New(), State: state}
	}
	tests := []struct {
		name   string
		status types.LifecycleStatus
		a      feedback.Assessment
		want   []string
	}{
		{"new candidate waits", status(types.StateCandidate), feedback.Assessment{Trend: types.TrendNew}, nil},
		{"stable candidate activates", status(types.StateCandidate), feedback.Assessment{Trend: types.TrendStable}, []string{EventActivate}},
		{"strengthening candidate", status(types.StateCandidate), feedback.Assessment{Trend: types.TrendStrengthening}, []string{EventActivate, EventStrengthen}},
		{"weakening active flagged", status(types.StateActive), feedback.Assessment{Trend: types.TrendWeakening, NeedsReview: true}, []string{EventWeaken, EventFlagReview}},
		{"recovering review", status(types.StateNeedsReview), feedback.Assessment{Trend: types.TrendStable}, []string{EventRecover}},
		{"review strengthens", status(types.StateNeedsReview), feedback.Assessment{Trend: types.TrendStrengthening}, []string{EventRecover, EventStrengthen}},
		{"evolving review stays", status(types.StateNeedsReview), feedback.Assessment{Trend: types.TrendEvolving, NeedsReview: true}, nil},
		{"stable strengthening settles", status(types.StateStrengthening), feedback.Assessment{Trend: types.TrendStable}, []string{EventStabilize}},
		{"deprecate", status(types.StateWeakening), feedback.Assessment{Deprecate: true, Trend: types.TrendDeprecated}, []string{EventDeprecate}},
		{"deprecated is terminal", status(types.StateDeprecated), feedback.Assessment{Trend: types.TrendStrengthening}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Plan(tt.status, tt.a))
		})
	}
}

func TestApplyPersistsAndPublishes(t *testing.T) {
	store := &countingStore{}
	pub := &recordingPublisher{}
	m, err := NewManager(store, pub, nil)
	require.NoError(t, err)

	status := types.LifecycleStatus{SubjectID: uuid.New(), SubjectKind: types.SubjectSynergy, State: types.StateActive, Trend: types.TrendStable}
	next, events, err := m.Apply(context.Background(), status, feedback.Assessment{Trend: types.TrendWeakening, NeedsReview: true, Reason: "dropped"})
	require.NoError(t, err)

	assert.Equal(t, types.StateNeedsReview, next.State)
	assert.True(t, next.NeedsReview)
	assert.Equal(t, types.TrendWeakening, next.Trend)
	require.Len(t, events, 2)
	assert.Equal(t, types.StateActive, events[0].From)
	assert.Equal(t, types.StateWeakening, events[0].To)
	assert.Equal(t, types.StateNeedsReview, events[1].To)
	assert.Equal(t, "dropped", events[1].Reason)
	assert.Equal(t, 1, store.updates)
	assert.Len(t, pub.events, 2)
}

func TestApplyWithoutChangeSkipsStore(t *testing.T) {
	store := &countingStore{}
	m, err := NewManager(store, nil, nil)
	require.NoError(t, err)

	status := types.LifecycleStatus{SubjectID: uuid.New(), SubjectKind: types.SubjectPattern, State: types.StateActive, Trend: types.TrendStable}
	next, events, err := m.Apply(context.Background(), status, feedback.Assessment{Trend: types.TrendStable})
	require.NoError(t, err)
	assert.Equal(t, status, next)
	assert.Empty(t, events)
	assert.Zero(t, store.updates)
}

func TestApplyStoreFailureKeepsStatus(t *testing.T) {
	store := &countingStore{fail: true}
	pub := &recordingPublisher{}
	m, err := NewManager(store, pub, nil)
	require.NoError(t, err)

	status := types.LifecycleStatus{SubjectID: uuid.New(), SubjectKind: types.SubjectPattern, State: types.StateActive}
	next, _, err := m.Apply(context.Background(), status, feedback.Assessment{Deprecate: true, Trend: types.TrendDeprecated})
	require.Error(t, err)
	assert.Equal(t, status, next)
	assert.Empty(t, pub.events, "nothing is announced for an unpersisted change")
}

func TestDeprecateIsTerminal(t *testing.T) {
	m, err := NewManager(&countingStore{}, nil, nil)
	require.NoError(t, err)

	status := types.LifecycleStatus{SubjectID: uuid.New(), SubjectKind: types.SubjectPattern, State: types.StateCandidate}
	next, events, err := m.Deprecate(context.Background(), status, "operator")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, next.Deprecated)
	require.NotNil(t, next.DeprecatedAt)
	assert.Equal(t, types.StateDeprecated, next.State)

	again, events, err := m.Apply(context.Background(), next, feedback.Assessment{Trend: types.TrendStrengthening})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, types.StateDeprecated, again.State)
}

// A pattern whose occurrence rate drops by more than half over two
// calibration windows is flagged, then deprecated after one more declining
// window, and stays retrievable.
func TestWeakeningPatternIsDeprecatedNotDeleted(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	m, err := NewManager(store, pub, nil)
	require.NoError(t, err)
	drift := feedback.NewDriftDetector(feedback.DefaultDriftConfig())
	week := drift.Config().Window

	start := time.Date(2026, 1, 5, 2, 0, 0, 0, time.UTC)
	p := &types.Pattern{
		Type:      types.PatternCoOccurrence,
		DeviceIDs: []string{"binary_sensor.hall", "light.hall"},
		State:     types.StateActive,
		Trend:     types.TrendStable,
		FirstSeen: start,
		LastSeen:  start,
	}
	p.ID = types.PatternID(p.Key(), 0)
	require.NoError(t, store.CommitPatterns(ctx, []*types.Pattern{p}, nil))

	rates := []float64{10, 10, 10, 7, 4, 3}
	var now time.Time
	for i, rate := range rates {
		now = start.Add(time.Duration(i+1) * week)
		obs := types.Observation{
			SubjectID:      p.ID,
			SubjectKind:    types.SubjectPattern,
			RunID:          uuid.New(),
			ObservedAt:     now.Add(-time.Hour),
			OccurrenceRate: rate,
		}
		require.NoError(t, store.CommitPatterns(ctx, nil, []types.Observation{obs}))

		if i < 3 {
			continue
		}
		current, err := store.GetPattern(ctx, p.ID)
		require.NoError(t, err)
		history, err := store.ListObservations(ctx, p.ID, now.Add(-drift.Lookback()))
		require.NoError(t, err)

		a := drift.Assess(current.LifecycleOf(), history, nil, now)
		_, _, err = m.Apply(ctx, current.LifecycleOf(), a)
		require.NoError(t, err)

		after, err := store.GetPattern(ctx, p.ID)
		require.NoError(t, err)
		switch i {
		case 3:
			assert.False(t, after.NeedsReview, "a drop from 10 to 7 is not yet weakening")
		case 4:
			assert.Equal(t, types.TrendWeakening, after.Trend)
			assert.True(t, after.NeedsReview)
			assert.False(t, after.Deprecated)
		case 5:
			assert.True(t, after.Deprecated)
			require.NotNil(t, after.DeprecatedAt)
			assert.Equal(t, types.StateDeprecated, after.State)
		}
	}

	all, err := store.ListPatterns(ctx, storage.PatternFilter{IncludeDeprecated: true})
	require.NoError(t, err)
	assert.Len(t, all, 1, "deprecated patterns are kept")

	var last types.LifecycleEvent
	for _, ev := range pub.events {
		last = ev
	}
	assert.Equal(t, types.StateDeprecated, last.To)
}

func TestMQTTPublisherTopic(t *testing.T) {
	client := &fakeMQTT{connected: true}
	pub := NewMQTTPublisher(client)

	require.NoError(t, pub.PublishLifecycle(context.Background(), types.LifecycleEvent{SubjectKind: types.SubjectSynergy}))
	assert.Equal(t, []string{"automation/synergy/lifecycle/synergy"}, client.topics)

	client.connected = false
	assert.Error(t, pub.PublishLifecycle(context.Background(), types.LifecycleEvent{SubjectKind: types.SubjectPattern}))
}
