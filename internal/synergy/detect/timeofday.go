package detect

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/events"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

const (
	// shareSaturation is the hourly share at which share stops raising confidence.
	shareSaturation = 0.6
	// dayScale controls how quickly distinct-day evidence saturates.
	dayScale = 7.0
)

// TimeOfDayConfig tunes the time-of-day detector.
type TimeOfDayConfig struct {
	MinShare   float64
	MinDays    int
	MinSamples int
	Location   *time.Location
}

// DefaultTimeOfDayConfig returns the default thresholds in UTC.
func DefaultTimeOfDayConfig() TimeOfDayConfig {
	return TimeOfDayConfig{
		MinShare:   0.2,
		MinDays:    5,
		MinSamples: 10,
		Location:   time.UTC,
	}
}

// TimeOfDayDetector finds entities that habitually transition in a given local hour.
type TimeOfDayDetector struct {
	cfg    TimeOfDayConfig
	logger *slog.Logger
}

// NewTimeOfDayDetector creates the detector.
func NewTimeOfDayDetector(cfg TimeOfDayConfig, logger *slog.Logger) *TimeOfDayDetector {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeOfDayDetector{
		cfg:    cfg,
		logger: logger.With("component", "time_of_day_detector"),
	}
}

func (d *TimeOfDayDetector) Name() string { return "time_of_day" }

func (d *TimeOfDayDetector) Type() types.PatternType { return types.PatternTimeOfDay }

// Detect emits one pattern per (entity, hour) that passes the share, day and
// sample thresholds.
func (d *TimeOfDayDetector) Detect(ctx context.Context, snap *events.Snapshot) ([]*types.Pattern, error) {
	if snap.Empty() {
		return nil, nil
	}

	var patterns []*types.Pattern
	for _, entity := range snap.Entities() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stamps := snap.ByEntity[entity]
		if len(stamps) < d.cfg.MinSamples {
			continue
		}

		var counts [24]int
		var days [24]map[string]struct{}
		var first, last [24]time.Time
		for _, ts := range stamps {
			local := ts.In(d.cfg.Location)
			h := local.Hour()
			counts[h]++
			if days[h] == nil {
				days[h] = make(map[string]struct{})
			}
			days[h][local.Format("2006-01-02")] = struct{}{}
			if first[h].IsZero() {
				first[h] = ts
			}
			last[h] = ts
		}

		total := float64(len(stamps))
		profile := make([]float32, 24)
		for h := 0; h < 24; h++ {
			profile[h] = float32(float64(counts[h]) / total)
		}

		for h := 0; h < 24; h++ {
			share := float64(counts[h]) / total
			dayCount := len(days[h])
			if share < d.cfg.MinShare || dayCount < d.cfg.MinDays {
				continue
			}

			hour := h
			vec := pgvector.NewVector(append([]float32(nil), profile...))
			p := &types.Pattern{
				Type:            types.PatternTimeOfDay,
				DeviceIDs:       []string{entity},
				WindowSize:      time.Hour,
				OccurrenceCount: counts[h],
				OccurrenceRate:  float64(counts[h]) / snap.Days(),
				Confidence:      TimeOfDayConfidence(share, dayCount),
				HourOfDay:       &hour,
				HourlyProfile:   &vec,
				FirstSeen:       first[h],
				LastSeen:        last[h],
				State:           types.StateCandidate,
				Trend:           types.TrendNew,
				Metadata: map[string]interface{}{
					"share":         share,
					"distinct_days": dayCount,
					"time_zone":     d.cfg.Location.String(),
				},
			}
			p.ID = types.PatternID(p.Key(), 0)
			patterns = append(patterns, p)
		}
	}

	d.logger.Debug("Time-of-day detection complete",
		"entities", len(snap.ByEntity),
		"patterns", len(patterns))

	return patterns, nil
}

// TimeOfDayConfidence combines the hourly share with distinct-day evidence.
func TimeOfDayConfidence(share float64, days int) float64 {
	shareTerm := math.Min(1, share/shareSaturation)
	dayTerm := 1 - math.Exp(-float64(days)/dayScale)
	return clamp01(shareTerm * dayTerm)
}
