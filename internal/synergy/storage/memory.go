package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/scoring"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// MemoryStore is an in-process Store for tests and the --store=memory mode.
// Every read and write copies records so callers never share state with it.
type MemoryStore struct {
	mu           sync.RWMutex
	patterns     map[uuid.UUID]*types.Pattern
	synergies    map[uuid.UUID]*types.Synergy
	observations map[uuid.UUID][]types.Observation
	feedback     []types.FeedbackRecord
	weights      []*types.WeightVector
	reports      []*types.RunReport
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patterns:     make(map[uuid.UUID]*types.Pattern),
		synergies:    make(map[uuid.UUID]*types.Synergy),
		observations: make(map[uuid.UUID][]types.Observation),
	}
}

func (m *MemoryStore) ListPatterns(_ context.Context, filter PatternFilter) ([]*types.Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Pattern
	for _, p := range m.patterns {
		if filter.Match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return limit(out, filter.Limit), nil
}

func (m *MemoryStore) GetPattern(_ context.Context, id uuid.UUID) (*types.Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patterns[id]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", id, types.ErrNotFound)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) CommitPatterns(ctx context.Context, patterns []*types.Pattern, observations []types.Observation) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit patterns: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range patterns {
		c := p.Clone()
		if prev, ok := m.patterns[p.ID]; ok {
			if prev.Deprecated {
				continue
			}
			c.FirstSeen = prev.FirstSeen
			c.State, c.Trend, c.NeedsReview = prev.State, prev.Trend, prev.NeedsReview
			c.Deprecated, c.DeprecatedAt = false, nil
		}
		m.patterns[p.ID] = c
	}
	m.appendObservations(observations)
	return nil
}

func (m *MemoryStore) SimilarTimeProfiles(_ context.Context, id uuid.UUID, n int) ([]*types.Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	target, ok := m.patterns[id]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", id, types.ErrNotFound)
	}
	if target.HourlyProfile == nil {
		return nil, fmt.Errorf("pattern %s has no hourly profile", id)
	}

	type scored struct {
		p    *types.Pattern
		dist float64
	}
	var candidates []scored
	for _, p := range m.patterns {
		if p.ID == id || p.Deprecated || p.HourlyProfile == nil {
			continue
		}
		candidates = append(candidates, scored{p, cosineDistance(target.HourlyProfile.Slice(), p.HourlyProfile.Slice())})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].p.ID.String() < candidates[j].p.ID.String()
	})

	out := make([]*types.Pattern, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.p.Clone())
	}
	return limit(out, n), nil
}

func (m *MemoryStore) ListSynergies(_ context.Context, filter SynergyFilter) ([]*types.Synergy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Synergy
	for _, s := range m.synergies {
		if filter.Match(s) {
			out = append(out, s.Clone())
		}
	}
	scoring.Rank(out)
	return limit(out, filter.Limit), nil
}

func (m *MemoryStore) GetSynergy(_ context.Context, id uuid.UUID) (*types.Synergy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.synergies[id]
	if !ok {
		return nil, fmt.Errorf("synergy %s: %w", id, types.ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) CommitSynergies(ctx context.Context, synergies []*types.Synergy, observations []types.Observation) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit synergies: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range synergies {
		c := s.Clone()
		if prev, ok := m.synergies[s.ID]; ok {
			if prev.Deprecated {
				continue
			}
			c.CreatedAt = prev.CreatedAt
			c.State, c.Trend, c.NeedsReview = prev.State, prev.Trend, prev.NeedsReview
			c.Deprecated, c.DeprecatedAt = false, nil
		}
		m.synergies[s.ID] = c
	}
	m.appendObservations(observations)
	return nil
}

func (m *MemoryStore) UpdateLifecycle(_ context.Context, st types.LifecycleStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch st.SubjectKind {
	case types.SubjectPattern:
		p, ok := m.patterns[st.SubjectID]
		if !ok {
			return fmt.Errorf("pattern %s: %w", st.SubjectID, types.ErrNotFound)
		}
		p.State, p.Trend, p.NeedsReview, p.Deprecated = st.State, st.Trend, st.NeedsReview, st.Deprecated
		p.DeprecatedAt = copyTime(st.DeprecatedAt)
		p.UpdatedAt = st.UpdatedAt
	case types.SubjectSynergy:
		s, ok := m.synergies[st.SubjectID]
		if !ok {
			return fmt.Errorf("synergy %s: %w", st.SubjectID, types.ErrNotFound)
		}
		s.State, s.Trend, s.NeedsReview, s.Deprecated = st.State, st.Trend, st.NeedsReview, st.Deprecated
		s.DeprecatedAt = copyTime(st.DeprecatedAt)
		s.UpdatedAt = st.UpdatedAt
		if s.Deprecated {
			s.AutoDeployable = false
		}
	default:
		return fmt.Errorf("unknown subject kind %q", st.SubjectKind)
	}
	return nil
}

func (m *MemoryStore) ListObservations(_ context.Context, subjectID uuid.UUID, since time.Time) ([]types.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Observation
	for _, o := range m.observations[subjectID] {
		if !o.ObservedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendFeedback(_ context.Context, rec types.FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.UserRating != nil {
		r := *rec.UserRating
		rec.UserRating = &r
	}
	m.feedback = append(m.feedback, rec)
	return nil
}

func (m *MemoryStore) ListFeedback(_ context.Context, subjectID uuid.UUID, since time.Time) ([]types.FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.FeedbackRecord
	for _, rec := range m.feedback {
		if rec.SubjectID == subjectID && !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) FeedbackSubjects(_ context.Context, since time.Time) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, rec := range m.feedback {
		if rec.Timestamp.Before(since) || seen[rec.SubjectID] {
			continue
		}
		seen[rec.SubjectID] = true
		out = append(out, rec.SubjectID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (m *MemoryStore) SaveWeightVector(_ context.Context, wv *types.WeightVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.weights {
		if existing.Version == wv.Version {
			return fmt.Errorf("weight vector v%d already exists", wv.Version)
		}
	}
	c := *wv
	c.Weights = wv.CopyWeights()
	m.weights = append(m.weights, &c)
	return nil
}

func (m *MemoryStore) LatestWeightVector(context.Context) (*types.WeightVector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *types.WeightVector
	for _, wv := range m.weights {
		if latest == nil || wv.Version > latest.Version {
			latest = wv
		}
	}
	if latest == nil {
		return nil, types.ErrNotFound
	}
	c := *latest
	c.Weights = latest.CopyWeights()
	return &c, nil
}

func (m *MemoryStore) SaveRunReport(_ context.Context, report *types.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *report
	c.Stages = append([]types.StageReport(nil), report.Stages...)
	m.reports = append(m.reports, &c)
	return nil
}

func (m *MemoryStore) ListRunReports(_ context.Context, kind types.RunKind, n int) ([]*types.RunReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.RunReport
	for i := len(m.reports) - 1; i >= 0; i-- {
		r := m.reports[i]
		if kind != "" && r.Kind != kind {
			continue
		}
		c := *r
		c.Stages = append([]types.StageReport(nil), r.Stages...)
		out = append(out, &c)
	}
	return limit(out, n), nil
}

func (m *MemoryStore) appendObservations(observations []types.Observation) {
	for _, o := range observations {
		list := m.observations[o.SubjectID]
		dup := false
		for _, existing := range list {
			if existing.RunID == o.RunID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		list = append(list, o)
		sort.SliceStable(list, func(i, j int) bool { return list[i].ObservedAt.Before(list[j].ObservedAt) })
		m.observations[o.SubjectID] = list
	}
}

func limit[T any](list []T, n int) []T {
	if n > 0 && len(list) > n {
		return list[:n]
	}
	return list
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// cosineDistance matches pgvector's <=> operator.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

var _ Store = (*MemoryStore)(nil)
