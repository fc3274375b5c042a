package feedback

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// DriftConfig holds the drift thresholds.
type DriftConfig struct {
	Window               time.Duration // one calibration window
	Windows              int           // history length examined
	WeakeningDrop        float64       // fractional drop over two windows that flags weakening
	StrengtheningRatio   float64
	StableTolerance      float64
	ReviewMaxSuccessRate float64
	ReviewMinSamples     int
}

// DefaultDriftConfig returns the drift defaults.
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		Window:               7 * 24 * time.Hour,
		Windows:              6,
		WeakeningDrop:        0.5,
		StrengtheningRatio:   1.25,
		StableTolerance:      0.15,
		ReviewMaxSuccessRate: 0.2,
		ReviewMinSamples:     10,
	}
}

// baselineWindows is how many prior windows form the comparison baseline.
const baselineWindows = 3

// Assessment is the drift verdict for one subject.
type Assessment struct {
	SubjectID   uuid.UUID         `json:"subject_id"`
	SubjectKind types.SubjectKind `json:"subject_kind"`
	Trend       types.Trend       `json:"trend"`
	NeedsReview bool              `json:"needs_review"`
	Deprecate   bool              `json:"deprecate"`
	Rates       []float64         `json:"rates"`
	Reason      string            `json:"reason"`
}

// DriftDetector classifies subjects from their observation history.
type DriftDetector struct {
	cfg DriftConfig
}

// NewDriftDetector creates a detector.
func NewDriftDetector(cfg DriftConfig) *DriftDetector {
	if cfg.Windows < baselineWindows+1 {
		cfg.Windows = baselineWindows + 1
	}
	return &DriftDetector{cfg: cfg}
}

// Config returns the effective configuration.
func (d *DriftDetector) Config() DriftConfig {
	return d.cfg
}

// Lookback is the observation history Assess needs.
func (d *DriftDetector) Lookback() time.Duration {
	return time.Duration(d.cfg.Windows) * d.cfg.Window
}

// WindowRates averages the observed metric per calibration window, oldest
// first, with the newest window ending at now. Windows before the first
// observation are dropped; later windows without observations count as zero.
func (d *DriftDetector) WindowRates(obs []types.Observation, now time.Time) []float64 {
	n := d.cfg.Windows
	sums := make([]float64, n)
	counts := make([]int, n)
	first := -1
	for _, o := range obs {
		age := now.Sub(o.ObservedAt)
		if age < 0 {
			age = 0
		}
		idx := n - 1 - int(age/d.cfg.Window)
		if idx < 0 {
			continue
		}
		sums[idx] += o.Metric()
		counts[idx]++
		if first == -1 || idx < first {
			first = idx
		}
	}
	if first == -1 {
		return nil
	}
	rates := make([]float64, 0, n-first)
	for i := first; i < n; i++ {
		if counts[i] > 0 {
			rates = append(rates, sums[i]/float64(counts[i]))
		} else {
			rates = append(rates, 0)
		}
	}
	return rates
}

// Assess classifies a subject. status is the stored lifecycle; agg may be nil
// when the subject has no feedback.
func (d *DriftDetector) Assess(status types.LifecycleStatus, obs []types.Observation, agg *Aggregate, now time.Time) Assessment {
	a := Assessment{
		SubjectID:   status.SubjectID,
		SubjectKind: status.SubjectKind,
		Trend:       status.Trend,
		NeedsReview: status.NeedsReview,
		Rates:       d.WindowRates(obs, now),
	}
	if status.Deprecated {
		a.Trend = types.TrendDeprecated
		a.Reason = "already deprecated"
		return a
	}

	trend, reason := d.classify(a.Rates)
	a.Trend = trend
	a.Reason = reason

	wasWeakening := status.Trend == types.TrendWeakening
	n := len(a.Rates)

	switch {
	case trend == types.TrendWeakening && wasWeakening:
		a.Deprecate = true
		a.Reason = "continued decline after weakening: " + reason
	case wasWeakening && n >= 2 && a.Rates[n-1] < a.Rates[n-2]:
		a.Deprecate = true
		a.Reason = fmt.Sprintf("continued decline after weakening: %.3f -> %.3f", a.Rates[n-2], a.Rates[n-1])
	case trend == types.TrendWeakening:
		a.NeedsReview = true
	case trend == types.TrendStable || trend == types.TrendStrengthening:
		a.NeedsReview = false
	}

	if !a.Deprecate && a.NeedsReview && agg != nil &&
		agg.Samples >= d.cfg.ReviewMinSamples && agg.SuccessRate < d.cfg.ReviewMaxSuccessRate {
		a.Deprecate = true
		a.Reason = fmt.Sprintf("success rate %.2f over %d samples while in review", agg.SuccessRate, agg.Samples)
	}

	if a.Deprecate {
		a.Trend = types.TrendDeprecated
	}
	return a
}

// classify maps a rate series to a trend. Weakening is a drop of more than
// WeakeningDrop across the last two windows with no recovery in between;
// otherwise the latest window is compared with the mean of up to three prior
// windows.
func (d *DriftDetector) classify(rates []float64) (types.Trend, string) {
	n := len(rates)
	if n <= 1 {
		return types.TrendNew, "first observed window"
	}
	cur := rates[n-1]

	if n >= 3 {
		start, mid := rates[n-3], rates[n-2]
		if start > 0 && cur < (1-d.cfg.WeakeningDrop)*start && cur <= mid && mid <= start {
			return types.TrendWeakening, fmt.Sprintf("dropped %.0f%% over two windows (%.3f -> %.3f)",
				100*(1-cur/start), start, cur)
		}
	}

	from := n - 1 - baselineWindows
	if from < 0 {
		from = 0
	}
	var baseline float64
	for _, r := range rates[from : n-1] {
		baseline += r
	}
	baseline /= float64(n - 1 - from)

	if baseline == 0 {
		if cur == 0 {
			return types.TrendStable, "no activity"
		}
		return types.TrendNew, "reappeared after an idle baseline"
	}

	ratio := cur / baseline
	switch {
	case ratio >= d.cfg.StrengtheningRatio:
		return types.TrendStrengthening, fmt.Sprintf("%.2fx baseline", ratio)
	case math.Abs(ratio-1) <= d.cfg.StableTolerance:
		return types.TrendStable, fmt.Sprintf("%.2fx baseline", ratio)
	default:
		return types.TrendEvolving, fmt.Sprintf("%.2fx baseline", ratio)
	}
}
