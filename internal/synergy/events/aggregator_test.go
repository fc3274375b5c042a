package events

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

var testNow = time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

func ev(entity, area string, ts time.Time) types.Event {
	return types.Event{EntityID: entity, AreaID: area, StateFrom: "off", StateTo: "on", Timestamp: ts}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		event types.Event
		ok    bool
	}{
		{"valid", ev("light.kitchen", "kitchen", testNow.Add(-time.Hour)), true},
		{"empty entity", ev("", "kitchen", testNow.Add(-time.Hour)), false},
		{"no domain", ev("kitchen", "kitchen", testNow.Add(-time.Hour)), false},
		{"leading dot", ev(".kitchen", "kitchen", testNow.Add(-time.Hour)), false},
		{"zero timestamp", ev("light.kitchen", "kitchen", time.Time{}), false},
		{"future", ev("light.kitchen", "kitchen", testNow.Add(time.Minute)), false},
		{"empty target state", types.Event{EntityID: "light.kitchen", Timestamp: testNow.Add(-time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.event, testNow)
			if tt.ok && err != nil {
				t.Errorf("expected valid event, got %v", err)
			}
			if !tt.ok {
				var malformed *types.MalformedEventError
				if !errors.As(err, &malformed) {
					t.Errorf("expected MalformedEventError, got %v", err)
				}
			}
		})
	}
}

func TestAggregateBucketsIntoWindows(t *testing.T) {
	agg := NewAggregator(24*time.Hour, 5*time.Minute, nil)
	base := testNow.Add(-2 * time.Hour).Truncate(5 * time.Minute)

	snap := agg.Aggregate([]types.Event{
		ev("binary_sensor.hall_motion", "hall", base.Add(10*time.Second)),
		ev("light.hall", "hall", base.Add(40*time.Second)),
		ev("light.hall", "hall", base.Add(50*time.Second)), // repeat in same window
		ev("light.hall", "hall", base.Add(6*time.Minute)),
	}, testNow)

	if len(snap.Windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(snap.Windows))
	}

	first := snap.Windows[0]
	if !reflect.DeepEqual(first.Entities, []string{"binary_sensor.hall_motion", "light.hall"}) {
		t.Errorf("unexpected entities in first window: %v", first.Entities)
	}
	if !first.Start.Equal(base.Add(10 * time.Second)) {
		t.Errorf("expected window to open at the first transition, got %v", first.Start)
	}
	if first.FirstOffset["light.hall"] != 30*time.Second {
		t.Errorf("expected first offset 30s, got %v", first.FirstOffset["light.hall"])
	}
	if got := len(snap.ByEntity["light.hall"]); got != 3 {
		t.Errorf("expected 3 transitions for light.hall, got %d", got)
	}
	if snap.Area("light.hall") != "hall" {
		t.Errorf("expected area hall, got %q", snap.Area("light.hall"))
	}
}

func TestAggregateKeepsCloseTransitionsTogetherAcrossClockBoundaries(t *testing.T) {
	agg := NewAggregator(24*time.Hour, 5*time.Minute, nil)
	boundary := testNow.Add(-2 * time.Hour).Truncate(5 * time.Minute)

	snap := agg.Aggregate([]types.Event{
		ev("binary_sensor.hall_motion", "hall", boundary.Add(-10*time.Second)),
		ev("light.hall", "hall", boundary.Add(10*time.Second)),
		ev("light.hall", "hall", boundary.Add(5*time.Minute)),
	}, testNow)

	if len(snap.Windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(snap.Windows))
	}
	first := snap.Windows[0]
	if !reflect.DeepEqual(first.Entities, []string{"binary_sensor.hall_motion", "light.hall"}) {
		t.Errorf("expected motion and light in one window, got %v", first.Entities)
	}
	if first.FirstOffset["light.hall"] != 20*time.Second {
		t.Errorf("expected first offset 20s, got %v", first.FirstOffset["light.hall"])
	}
	if !snap.Windows[1].Start.Equal(boundary.Add(5 * time.Minute)) {
		t.Errorf("expected second window at the uncovered transition, got %v", snap.Windows[1].Start)
	}
}

func TestAggregateSkipsMalformedAndOutOfHorizon(t *testing.T) {
	agg := NewAggregator(24*time.Hour, 5*time.Minute, nil)

	snap := agg.Aggregate([]types.Event{
		ev("light.kitchen", "kitchen", testNow.Add(-time.Hour)),
		ev("nodomain", "kitchen", testNow.Add(-time.Hour)),
		ev("light.kitchen", "kitchen", testNow.Add(time.Hour)),
		ev("light.kitchen", "kitchen", testNow.Add(-48*time.Hour)),
	}, testNow)

	if snap.Skipped != 2 {
		t.Errorf("expected 2 skipped events, got %d", snap.Skipped)
	}
	if len(snap.Windows) != 1 {
		t.Errorf("expected 1 window, got %d", len(snap.Windows))
	}
}

func TestAggregateEmpty(t *testing.T) {
	agg := NewAggregator(0, 0, nil)
	snap := agg.Aggregate(nil, testNow)

	if !snap.Empty() {
		t.Error("expected empty snapshot")
	}
	if snap.WindowSize != DefaultWindow {
		t.Errorf("expected default window, got %v", snap.WindowSize)
	}
	if !snap.HorizonStart.Equal(testNow.Add(-DefaultLookback)) {
		t.Errorf("expected default lookback horizon, got %v", snap.HorizonStart)
	}
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	agg := NewAggregator(7*24*time.Hour, 5*time.Minute, nil)

	var evts []types.Event
	for i := 0; i < 50; i++ {
		ts := testNow.Add(-time.Duration(i) * 37 * time.Minute)
		evts = append(evts,
			ev("binary_sensor.motion", "hall", ts),
			ev("light.hall", "hall", ts.Add(20*time.Second)))
	}

	want := agg.Aggregate(evts, testNow)

	shuffled := append([]types.Event(nil), evts...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	got := agg.Aggregate(shuffled, testNow)

	if !reflect.DeepEqual(want, got) {
		t.Error("snapshots differ for shuffled input")
	}
}

func TestSliceSourceFiltersRange(t *testing.T) {
	src := &SliceSource{Items: []types.Event{
		ev("light.a", "x", testNow.Add(-3*time.Hour)),
		ev("light.b", "x", testNow.Add(-time.Hour)),
	}}

	got, err := src.Events(context.Background(), testNow.Add(-2*time.Hour), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].EntityID != "light.b" {
		t.Errorf("unexpected events: %+v", got)
	}
}
