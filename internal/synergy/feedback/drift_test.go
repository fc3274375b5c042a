package feedback

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

const week = 7 * 24 * time.Hour

var driftNow = time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)

// weeklyObservations places one observation per rate, one window apart,
// with the last rate in the newest window.
func weeklyObservations(id uuid.UUID, kind types.SubjectKind, now time.Time, rates ...float64) []types.Observation {
	obs := make([]types.Observation, 0, len(rates))
	for i, r := range rates {
		age := time.Duration(len(rates)-1-i)*week + time.Hour
		obs = append(obs, types.Observation{
			SubjectID:      id,
			SubjectKind:    kind,
			RunID:          uuid.New(),
			ObservedAt:     now.Add(-age),
			OccurrenceRate: r,
			Confidence:     r,
		})
	}
	return obs
}

func TestClassify(t *testing.T) {
	d := NewDriftDetector(DefaultDriftConfig())

	tests := []struct {
		name  string
		rates []float64
		want  types.Trend
	}{
		{"single window", []float64{3}, types.TrendNew},
		{"flat", []float64{3, 3, 3.2}, types.TrendStable},
		{"rising", []float64{2, 2, 3}, types.TrendStrengthening},
		{"mild drop", []float64{4, 4, 3}, types.TrendEvolving},
		{"halved over two windows", []float64{10, 7, 4}, types.TrendWeakening},
		{"drop with recovery between", []float64{10, 2, 4}, types.TrendEvolving},
		{"exactly half is not weakening", []float64{10, 8, 5}, types.TrendEvolving},
		{"reappeared", []float64{0, 0, 2}, types.TrendNew},
		{"idle", []float64{0, 0}, types.TrendStable},
		{"baseline of three", []float64{100, 4, 4, 4, 4.1}, types.TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := d.classify(tt.rates)
			if got != tt.want {
				t.Errorf("classify(%v) = %s (%s), want %s", tt.rates, got, reason, tt.want)
			}
		})
	}
}

func TestWindowRates(t *testing.T) {
	d := NewDriftDetector(DefaultDriftConfig())
	id := uuid.New()

	obs := weeklyObservations(id, types.SubjectPattern, driftNow, 4, 0, 2)
	// Two observations in the newest window are averaged.
	obs = append(obs, types.Observation{SubjectID: id, SubjectKind: types.SubjectPattern, ObservedAt: driftNow.Add(-2 * time.Hour), OccurrenceRate: 4})
	// Drop the zero so its window is empty.
	obs = append(obs[:1], obs[2:]...)

	rates := d.WindowRates(obs, driftNow)
	want := []float64{4, 0, 3}
	if len(rates) != len(want) {
		t.Fatalf("expected %d windows, got %v", len(want), rates)
	}
	for i := range want {
		if rates[i] != want[i] {
			t.Errorf("window %d: expected %.2f, got %.2f", i, want[i], rates[i])
		}
	}

	if got := d.WindowRates(nil, driftNow); got != nil {
		t.Errorf("expected no windows without observations, got %v", got)
	}
}

func TestWindowRatesUsesConfidenceForSynergies(t *testing.T) {
	d := NewDriftDetector(DefaultDriftConfig())
	obs := []types.Observation{{SubjectKind: types.SubjectSynergy, ObservedAt: driftNow, OccurrenceRate: 9, Confidence: 0.4}}
	rates := d.WindowRates(obs, driftNow)
	if len(rates) != 1 || rates[0] != 0.4 {
		t.Errorf("expected synergy drift on confidence, got %v", rates)
	}
}

// A pattern whose occurrence rate drops by more than half over two windows is
// weakening and flagged for review; one more declining window deprecates it.
func TestDriftWeakeningThenDeprecation(t *testing.T) {
	d := NewDriftDetector(DefaultDriftConfig())
	id := uuid.New()
	status := types.LifecycleStatus{SubjectID: id, SubjectKind: types.SubjectPattern, State: types.StateActive, Trend: types.TrendStable}

	history := []float64{10, 10, 10, 7}
	now := driftNow
	a := d.Assess(status, weeklyObservations(id, types.SubjectPattern, now, history...), nil, now)
	if a.Trend != types.TrendEvolving || a.NeedsReview || a.Deprecate {
		t.Fatalf("expected evolving after first drop, got %+v", a)
	}
	status.Trend = a.Trend

	history = append(history, 4)
	now = now.Add(week)
	a = d.Assess(status, weeklyObservations(id, types.SubjectPattern, now, history...), nil, now)
	if a.Trend != types.TrendWeakening || !a.NeedsReview || a.Deprecate {
		t.Fatalf("expected weakening with review, got %+v", a)
	}
	status.Trend, status.NeedsReview = a.Trend, a.NeedsReview

	history = append(history, 3.8)
	now = now.Add(week)
	a = d.Assess(status, weeklyObservations(id, types.SubjectPattern, now, history...), nil, now)
	if !a.Deprecate || a.Trend != types.TrendDeprecated {
		t.Fatalf("expected deprecation after continued decline, got %+v", a)
	}
}

func TestDriftRecoveryClearsReview(t *testing.T) {
	d := NewDriftDetector(DefaultDriftConfig())
	id := uuid.New()
	status := types.LifecycleStatus{SubjectID: id, SubjectKind: types.SubjectPattern, State: types.StateNeedsReview, Trend: types.TrendWeakening, NeedsReview: true}

	a := d.Assess(status, weeklyObservations(id, types.SubjectPattern, driftNow, 10, 7, 4, 9), nil, driftNow)
	if a.Deprecate {
		t.Fatalf("recovery must not deprecate: %+v", a)
	}
	if a.Trend != types.TrendStrengthening || a.NeedsReview {
		t.Errorf("expected strengthening without review, got %+v", a)
	}
}

func TestDriftPoorOutcomesInReviewDeprecate(t *testing.T) {
	d := NewDriftDetector(DefaultDriftConfig())
	id := uuid.New()
	status := types.LifecycleStatus{SubjectID: id, SubjectKind: types.SubjectSynergy, State: types.StateNeedsReview, Trend: types.TrendEvolving, NeedsReview: true}
	obs := weeklyObservations(id, types.SubjectSynergy, driftNow, 0.6, 0.5)

	poor := &Aggregate{SubjectID: id, Samples: 12, Successes: 1, SuccessRate: 1.0 / 12}
	a := d.Assess(status, obs, poor, driftNow)
	if !a.Deprecate {
		t.Errorf("expected deprecation for poor outcomes in review, got %+v", a)
	}

	few := &Aggregate{SubjectID: id, Samples: 4, SuccessRate: 0}
	if a := d.Assess(status, obs, few, driftNow); a.Deprecate {
		t.Errorf("too few samples must not deprecate, got %+v", a)
	}

	status.NeedsReview = false
	status.State = types.StateActive
	if a := d.Assess(status, obs, poor, driftNow); a.Deprecate {
		t.Errorf("poor outcomes outside review must not deprecate, got %+v", a)
	}
}

func TestDriftKeepsDeprecatedSubjects(t *testing.T) {
	d := NewDriftDetector(DefaultDriftConfig())
	status := types.LifecycleStatus{SubjectID: uuid.New(), SubjectKind: types.SubjectPattern, State: types.StateDeprecated, Deprecated: true}
	a := d.Assess(status, nil, nil, driftNow)
	if a.Trend != types.TrendDeprecated || a.Deprecate {
		t.Errorf("expected deprecated subject to stay as is, got %+v", a)
	}
}
