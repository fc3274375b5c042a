// Package events turns a raw state change history into an immutable,
// window-bucketed snapshot shared read-only by all detectors.
package events

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

const (
	DefaultLookback = 30 * 24 * time.Hour
	DefaultWindow   = 5 * time.Minute
)

// Window is one fixed-length bucket of the horizon, starting at the first
// transition it holds. Windows never overlap.
type Window struct {
	Start    time.Time
	End      time.Time
	Entities []string // sorted, each entity at most once

	// FirstOffset is the offset of each entity's first transition from Start.
	FirstOffset map[string]time.Duration
}

// Contains reports whether entityID transitioned in the window.
func (w *Window) Contains(entityID string) bool {
	_, ok := w.FirstOffset[entityID]
	return ok
}

// Snapshot is the aggregated view of the horizon. It must not be mutated
// after Aggregate returns.
type Snapshot struct {
	HorizonStart time.Time
	HorizonEnd   time.Time
	WindowSize   time.Duration

	// Windows holds only non-empty windows, ordered by start time.
	Windows []Window

	// ByEntity holds every transition timestamp per entity in ascending order.
	ByEntity map[string][]time.Time

	// Areas maps entity to its last reported area.
	Areas map[string]string

	// Skipped counts malformed events dropped during aggregation.
	Skipped int
}

// Empty reports whether the snapshot holds no events.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Windows) == 0
}

// Entities returns all entities seen in the horizon, sorted.
func (s *Snapshot) Entities() []string {
	out := make([]string, 0, len(s.ByEntity))
	for entity := range s.ByEntity {
		out = append(out, entity)
	}
	sort.Strings(out)
	return out
}

// Area returns the area of an entity, "" when unknown.
func (s *Snapshot) Area(entityID string) string {
	return s.Areas[entityID]
}

// Days returns the horizon length in days, at least one.
func (s *Snapshot) Days() float64 {
	days := s.HorizonEnd.Sub(s.HorizonStart).Hours() / 24
	if days < 1 {
		return 1
	}
	return days
}

// Aggregator validates and buckets events.
type Aggregator struct {
	lookback time.Duration
	window   time.Duration
	logger   *slog.Logger
}

// NewAggregator creates an aggregator; non-positive durations fall back to defaults.
func NewAggregator(lookback, window time.Duration, logger *slog.Logger) *Aggregator {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		lookback: lookback,
		window:   window,
		logger:   logger.With("component", "event_aggregator"),
	}
}

// Window returns the configured window length.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// Lookback returns the configured horizon length.
func (a *Aggregator) Lookback() time.Duration {
	return a.lookback
}

// Aggregate builds the snapshot for the horizon ending at now.
// Malformed events are skipped and logged, never fatal.
func (a *Aggregator) Aggregate(evts []types.Event, now time.Time) *Snapshot {
	snap := &Snapshot{
		HorizonStart: now.Add(-a.lookback),
		HorizonEnd:   now,
		WindowSize:   a.window,
		ByEntity:     make(map[string][]time.Time),
		Areas:        make(map[string]string),
	}

	valid := make([]types.Event, 0, len(evts))
	for _, e := range evts {
		if err := Validate(e, now); err != nil {
			var malformed *types.MalformedEventError
			if errors.As(err, &malformed) {
				a.logger.Warn("Skipping malformed event",
					"entity_id", malformed.EntityID,
					"reason", malformed.Reason)
			}
			snap.Skipped++
			continue
		}
		if e.Timestamp.Before(snap.HorizonStart) {
			continue
		}
		valid = append(valid, e)
	}

	if len(valid) == 0 {
		a.logger.Debug("No events in horizon", "skipped", snap.Skipped)
		return snap
	}

	// A total order makes the snapshot independent of arrival order.
	sort.Slice(valid, func(i, j int) bool {
		if !valid[i].Timestamp.Equal(valid[j].Timestamp) {
			return valid[i].Timestamp.Before(valid[j].Timestamp)
		}
		if valid[i].EntityID != valid[j].EntityID {
			return valid[i].EntityID < valid[j].EntityID
		}
		return valid[i].StateTo < valid[j].StateTo
	})

	// A window opens at the first transition it does not already cover, so
	// transitions closer than the window length never straddle a boundary.
	var current *Window
	for _, e := range valid {
		if current == nil || !e.Timestamp.Before(current.End) {
			snap.Windows = append(snap.Windows, Window{
				Start:       e.Timestamp,
				End:         e.Timestamp.Add(a.window),
				FirstOffset: make(map[string]time.Duration),
			})
			current = &snap.Windows[len(snap.Windows)-1]
		}
		start := current.Start

		if _, seen := current.FirstOffset[e.EntityID]; !seen {
			current.FirstOffset[e.EntityID] = e.Timestamp.Sub(start)
			current.Entities = append(current.Entities, e.EntityID)
		}

		snap.ByEntity[e.EntityID] = append(snap.ByEntity[e.EntityID], e.Timestamp)
		if e.AreaID != "" {
			snap.Areas[e.EntityID] = e.AreaID
		}
	}

	for i := range snap.Windows {
		sort.Strings(snap.Windows[i].Entities)
	}

	a.logger.Debug("Aggregated events",
		"events", len(valid),
		"windows", len(snap.Windows),
		"entities", len(snap.ByEntity),
		"skipped", snap.Skipped)

	return snap
}

// Validate checks a single event, returning a MalformedEventError when it cannot be used.
func Validate(e types.Event, now time.Time) error {
	switch {
	case e.EntityID == "":
		return &types.MalformedEventError{EntityID: e.EntityID, Reason: "empty entity id"}
	case types.EntityDomain(e.EntityID) == "":
		return &types.MalformedEventError{EntityID: e.EntityID, Reason: "entity id has no domain"}
	case e.Timestamp.IsZero():
		return &types.MalformedEventError{EntityID: e.EntityID, Reason: "missing timestamp"}
	case e.StateTo == "":
		return &types.MalformedEventError{EntityID: e.EntityID, Reason: "missing target state"}
	case e.Timestamp.After(now):
		return &types.MalformedEventError{EntityID: e.EntityID, Reason: "timestamp in the future"}
	}
	return nil
}
