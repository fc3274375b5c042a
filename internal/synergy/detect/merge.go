package detect

import (
	"sort"
	"time"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// Merge folds freshly detected candidates into the existing records.
//
// A candidate whose key matches a live record updates that record's
// measurements and keeps its identity and lifecycle position. A candidate
// whose key only matches deprecated records starts a new generation, so the
// deprecated history is never overwritten. existing must include deprecated
// records. The result is sorted by ID.
func Merge(existing, candidates []*types.Pattern, now time.Time) []*types.Pattern {
	live := make(map[string]*types.Pattern)
	generations := make(map[string]int)
	for _, p := range existing {
		key := p.Key()
		generations[key]++
		if !p.Deprecated {
			live[key] = p
		}
	}

	merged := make(map[string]*types.Pattern, len(candidates))
	for _, c := range candidates {
		key := c.Key()
		if prev, ok := merged[key]; ok && prev.Confidence >= c.Confidence {
			continue
		}

		if prev, ok := live[key]; ok {
			p := prev.Clone()
			p.DeviceIDs = append([]string(nil), c.DeviceIDs...)
			p.WindowSize = c.WindowSize
			p.OccurrenceCount = c.OccurrenceCount
			p.OccurrenceRate = c.OccurrenceRate
			p.Confidence = c.Confidence
			if c.FirstSeen.Before(p.FirstSeen) {
				p.FirstSeen = c.FirstSeen
			}
			if c.LastSeen.After(p.LastSeen) {
				p.LastSeen = c.LastSeen
			}
			if c.HourlyProfile != nil {
				v := *c.HourlyProfile
				p.HourlyProfile = &v
			}
			p.Metadata = c.Clone().Metadata
			p.UpdatedAt = now
			merged[key] = p
			continue
		}

		p := c.Clone()
		p.ID = types.PatternID(key, generations[key])
		p.State = types.StateCandidate
		p.Trend = types.TrendNew
		p.NeedsReview = false
		p.Deprecated = false
		p.DeprecatedAt = nil
		p.UpdatedAt = now
		merged[key] = p
	}

	out := make([]*types.Pattern, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
