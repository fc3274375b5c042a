package detect

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/events"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// CoOccurrenceConfig tunes the co-occurrence detector.
type CoOccurrenceConfig struct {
	MinOccurrences       int
	MinConfidence        float64
	MaxSetSize           int // 2 or 3
	MaxEntitiesPerWindow int // busier windows only contribute pairs
}

// DefaultCoOccurrenceConfig returns the default thresholds.
func DefaultCoOccurrenceConfig() CoOccurrenceConfig {
	return CoOccurrenceConfig{
		MinOccurrences:       5,
		MinConfidence:        0.5,
		MaxSetSize:           3,
		MaxEntitiesPerWindow: 12,
	}
}

// CoOccurrenceDetector finds device sets that transition within the same window.
type CoOccurrenceDetector struct {
	cfg    CoOccurrenceConfig
	logger *slog.Logger
}

// NewCoOccurrenceDetector creates the detector.
func NewCoOccurrenceDetector(cfg CoOccurrenceConfig, logger *slog.Logger) *CoOccurrenceDetector {
	if cfg.MaxSetSize < 2 {
		cfg.MaxSetSize = 2
	}
	if cfg.MaxSetSize > 3 {
		cfg.MaxSetSize = 3
	}
	if cfg.MinOccurrences < 1 {
		cfg.MinOccurrences = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CoOccurrenceDetector{
		cfg:    cfg,
		logger: logger.With("component", "co_occurrence_detector"),
	}
}

func (d *CoOccurrenceDetector) Name() string { return "co_occurrence" }

func (d *CoOccurrenceDetector) Type() types.PatternType { return types.PatternCoOccurrence }

// Detect counts frequent device sets Apriori-style: pairs first, then triples
// whose every pair is itself frequent.
func (d *CoOccurrenceDetector) Detect(ctx context.Context, snap *events.Snapshot) ([]*types.Pattern, error) {
	if snap.Empty() {
		return nil, nil
	}

	// windowsOf indexes, per entity, the windows it transitioned in.
	windowsOf := make(map[string][]int)
	pairs := make(map[string][]int)

	for i := range snap.Windows {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		ents := snap.Windows[i].Entities
		for a := range ents {
			windowsOf[ents[a]] = append(windowsOf[ents[a]], i)
			for b := a + 1; b < len(ents); b++ {
				key := setKey(ents[a], ents[b])
				pairs[key] = append(pairs[key], i)
			}
		}
	}

	frequent := make(map[string][]int)
	for key, idx := range pairs {
		if len(idx) >= d.cfg.MinOccurrences {
			frequent[key] = idx
		}
	}

	candidates := make(map[string][]int, len(frequent))
	for key, idx := range frequent {
		candidates[key] = idx
	}

	if d.cfg.MaxSetSize >= 3 && len(frequent) > 0 {
		triples := make(map[string][]int)
		for i := range snap.Windows {
			if i%checkEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			ents := snap.Windows[i].Entities
			if len(ents) < 3 || len(ents) > d.cfg.MaxEntitiesPerWindow {
				continue
			}
			for a := 0; a < len(ents); a++ {
				for b := a + 1; b < len(ents); b++ {
					if _, ok := frequent[setKey(ents[a], ents[b])]; !ok {
						continue
					}
					for c := b + 1; c < len(ents); c++ {
						if _, ok := frequent[setKey(ents[a], ents[c])]; !ok {
							continue
						}
						if _, ok := frequent[setKey(ents[b], ents[c])]; !ok {
							continue
						}
						key := setKey(ents[a], ents[b], ents[c])
						triples[key] = append(triples[key], i)
					}
				}
			}
		}
		for key, idx := range triples {
			if len(idx) >= d.cfg.MinOccurrences {
				candidates[key] = idx
			}
		}
	}

	keys := make([]string, 0, len(candidates))
	for key := range candidates {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var patterns []*types.Pattern
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		members := strings.Split(key, ",")
		coWindows := candidates[key]

		active := unionCount(members, windowsOf)
		if active == 0 {
			continue
		}
		frequency := float64(len(coWindows)) / float64(active)
		consistency := gapConsistency(snap, coWindows)
		confidence := clamp01(frequency * (0.7 + 0.3*consistency))

		if confidence < d.cfg.MinConfidence {
			continue
		}

		p := &types.Pattern{
			Type:            types.PatternCoOccurrence,
			DeviceIDs:       activationOrder(snap, members, coWindows),
			WindowSize:      snap.WindowSize,
			OccurrenceCount: len(coWindows),
			OccurrenceRate:  float64(len(coWindows)) / snap.Days(),
			Confidence:      confidence,
			FirstSeen:       snap.Windows[coWindows[0]].Start,
			LastSeen:        snap.Windows[coWindows[len(coWindows)-1]].Start,
			State:           types.StateCandidate,
			Trend:           types.TrendNew,
			Metadata: map[string]interface{}{
				"frequency":      frequency,
				"consistency":    consistency,
				"active_windows": active,
			},
		}
		p.ID = types.PatternID(p.Key(), 0)
		patterns = append(patterns, p)
	}

	d.logger.Debug("Co-occurrence detection complete",
		"windows", len(snap.Windows),
		"frequent_pairs", len(frequent),
		"patterns", len(patterns))

	return patterns, nil
}

// setKey builds a canonical key from already sorted entity ids.
func setKey(entities ...string) string {
	return strings.Join(entities, ",")
}

// unionCount counts windows in which any member transitioned.
func unionCount(members []string, windowsOf map[string][]int) int {
	seen := make(map[int]struct{})
	for _, m := range members {
		for _, idx := range windowsOf[m] {
			seen[idx] = struct{}{}
		}
	}
	return len(seen)
}

// gapConsistency is 1/(1+CV) of the gaps between successive co-occurrence
// windows; fewer than three occurrences give the neutral 0.5.
func gapConsistency(snap *events.Snapshot, coWindows []int) float64 {
	if len(coWindows) < 3 {
		return 0.5
	}

	gaps := make([]float64, 0, len(coWindows)-1)
	for i := 1; i < len(coWindows); i++ {
		gap := snap.Windows[coWindows[i]].Start.Sub(snap.Windows[coWindows[i-1]].Start)
		gaps = append(gaps, gap.Seconds())
	}

	var mean float64
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))
	if mean == 0 {
		return 0.5
	}

	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))

	cv := math.Sqrt(variance) / mean
	return 1 / (1 + cv)
}

// activationOrder sorts members by mean first-transition offset in the
// co-occurrence windows, ties broken by entity id.
func activationOrder(snap *events.Snapshot, members []string, coWindows []int) []string {
	mean := make(map[string]time.Duration, len(members))
	for _, m := range members {
		var total time.Duration
		for _, idx := range coWindows {
			total += snap.Windows[idx].FirstOffset[m]
		}
		mean[m] = total / time.Duration(len(coWindows))
	}

	ordered := append([]string(nil), members...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if mean[ordered[i]] != mean[ordered[j]] {
			return mean[ordered[i]] < mean[ordered[j]]
		}
		return ordered[i] < ordered[j]
	})
	return ordered
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
