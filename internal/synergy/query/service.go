// Package query is the read side of the engine: filtered listings, lookups,
// chain resolution and health statistics for an HTTP layer to expose.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/cache"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/pipeline"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/storage"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// DefaultSimilarLimit caps similar-profile results when no limit is given.
const DefaultSimilarLimit = 10

// Store is the subset of storage the query side reads.
type Store interface {
	ListPatterns(ctx context.Context, filter storage.PatternFilter) ([]*types.Pattern, error)
	GetPattern(ctx context.Context, id uuid.UUID) (*types.Pattern, error)
	SimilarTimeProfiles(ctx context.Context, id uuid.UUID, limit int) ([]*types.Pattern, error)
	ListSynergies(ctx context.Context, filter storage.SynergyFilter) ([]*types.Synergy, error)
	GetSynergy(ctx context.Context, id uuid.UUID) (*types.Synergy, error)
	ListRunReports(ctx context.Context, kind types.RunKind, limit int) ([]*types.RunReport, error)
}

// WeightSource exposes the latest published weight vector.
type WeightSource interface {
	Latest() *types.WeightVector
}

// HealthReport summarizes detector and run health.
type HealthReport struct {
	Status          string                    `json:"status"`
	CheckedAt       time.Time                 `json:"checked_at"`
	Detectors       []pipeline.DetectorHealth `json:"detectors"`
	LastDetection   *types.RunReport          `json:"last_detection,omitempty"`
	LastCalibration *types.RunReport          `json:"last_calibration,omitempty"`
	WeightVersion   int                       `json:"weight_version"`
	Caches          map[string]cache.Stats    `json:"caches,omitempty"`
}

// Service answers queries over stored patterns and synergies.
type Service struct {
	store   Store
	health  *pipeline.HealthTracker
	weights WeightSource // optional
	logger  *slog.Logger

	mu     sync.RWMutex
	caches map[string]func() cache.Stats
}

// NewService creates a query service. weights may be nil.
func NewService(store Store, health *pipeline.HealthTracker, weights WeightSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		health:  health,
		weights: weights,
		logger:  logger.With("component", "query"),
		caches:  make(map[string]func() cache.Stats),
	}
}

// RegisterCache adds a cache to the health report.
func (s *Service) RegisterCache(name string, stats func() cache.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caches[name] = stats
}

// Patterns lists patterns matching filter.
func (s *Service) Patterns(ctx context.Context, filter storage.PatternFilter) ([]*types.Pattern, error) {
	patterns, err := s.store.ListPatterns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	return patterns, nil
}

// Pattern returns one pattern, deprecated or not.
func (s *Service) Pattern(ctx context.Context, id uuid.UUID) (*types.Pattern, error) {
	return s.store.GetPattern(ctx, id)
}

// Synergies lists synergies matching filter, best first.
func (s *Service) Synergies(ctx context.Context, filter storage.SynergyFilter) ([]*types.Synergy, error) {
	synergies, err := s.store.ListSynergies(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list synergies: %w", err)
	}
	return synergies, nil
}

// Synergy returns one synergy, deprecated or not.
func (s *Service) Synergy(ctx context.Context, id uuid.UUID) (*types.Synergy, error) {
	return s.store.GetSynergy(ctx, id)
}

// Chain resolves a synergy and its ancestors through parent IDs, root first.
// A missing ancestor ends the walk without error.
func (s *Service) Chain(ctx context.Context, id uuid.UUID) ([]*types.Synergy, error) {
	var chain []*types.Synergy
	seen := make(map[uuid.UUID]bool)
	next := &id
	for next != nil && len(chain) < types.MaxDepth {
		if seen[*next] {
			return nil, fmt.Errorf("synergy %s has a cyclic parent reference", *next)
		}
		seen[*next] = true

		syn, err := s.store.GetSynergy(ctx, *next)
		if errors.Is(err, types.ErrNotFound) && len(chain) > 0 {
			s.logger.Warn("Parent synergy missing", "synergy_id", chain[0].ID, "parent_id", *next)
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append([]*types.Synergy{syn}, chain...)
		next = syn.ParentID
	}
	return chain, nil
}

// SimilarPatterns returns time-of-day patterns with the most similar daily
// rhythm to id, nearest first.
func (s *Service) SimilarPatterns(ctx context.Context, id uuid.UUID, limit int) ([]*types.Pattern, error) {
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	patterns, err := s.store.SimilarTimeProfiles(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find similar patterns: %w", err)
	}
	return patterns, nil
}

// RunReports lists the latest reports of kind, newest first. An empty kind
// lists both kinds.
func (s *Service) RunReports(ctx context.Context, kind types.RunKind, limit int) ([]*types.RunReport, error) {
	reports, err := s.store.ListRunReports(ctx, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list run reports: %w", err)
	}
	return reports, nil
}

// Health reports per-detector statistics, the latest run of each kind, the
// current weight version and cache counters. Status is "degraded" when a
// detector failed its latest run or the latest detection did not succeed.
func (s *Service) Health() HealthReport {
	report := HealthReport{
		Status:    "healthy",
		CheckedAt: time.Now().UTC(),
	}

	if s.health != nil {
		report.Detectors = s.health.Detectors()
		if !s.health.Healthy() {
			report.Status = "degraded"
		}
		if r, ok := s.health.LastRun(types.RunDetection); ok {
			report.LastDetection = &r
			if r.Status != types.RunSuccess {
				report.Status = "degraded"
			}
		}
		if r, ok := s.health.LastRun(types.RunCalibration); ok {
			report.LastCalibration = &r
		}
	}

	if s.weights != nil {
		if wv := s.weights.Latest(); wv != nil {
			report.WeightVersion = wv.Version
		}
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		report.Caches = make(map[string]cache.Stats, len(names))
	}
	for _, name := range names {
		report.Caches[name] = s.caches[name]()
	}
	s.mu.RUnlock()

	return report
}

// Healthy reports whether Health would return "healthy".
func (s *Service) Healthy() bool {
	return s.Health().Status == "healthy"
}
