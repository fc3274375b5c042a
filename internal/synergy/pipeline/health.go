package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// DetectorHealth is the running record of one detector.
type DetectorHealth struct {
	Name         string        `json:"name"`
	Successes    int           `json:"successes"`
	Failures     int           `json:"failures"`
	LastRun      time.Time     `json:"last_run"`
	LastSuccess  time.Time     `json:"last_success,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	LastRecords  int           `json:"last_records"`
	LastDuration time.Duration `json:"last_duration"`
}

// HealthTracker accumulates detector outcomes and the latest run of each kind.
type HealthTracker struct {
	mu        sync.RWMutex
	detectors map[string]*DetectorHealth
	runs      map[types.RunKind]types.RunReport
}

// NewHealthTracker creates a tracker that reports the named detectors even
// before their first run.
func NewHealthTracker(names ...string) *HealthTracker {
	h := &HealthTracker{
		detectors: make(map[string]*DetectorHealth, len(names)),
		runs:      make(map[types.RunKind]types.RunReport),
	}
	for _, name := range names {
		h.detectors[name] = &DetectorHealth{Name: name}
	}
	return h
}

// RecordDetector records one detector execution.
func (h *HealthTracker) RecordDetector(name string, records int, duration time.Duration, err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.detectors[name]
	if !ok {
		d = &DetectorHealth{Name: name}
		h.detectors[name] = d
	}
	d.LastRun = at
	d.LastDuration = duration
	d.LastRecords = records
	if err != nil {
		d.Failures++
		d.LastError = err.Error()
		return
	}
	d.Successes++
	d.LastSuccess = at
	d.LastError = ""
}

// RecordRun keeps the report as the latest of its kind.
func (h *HealthTracker) RecordRun(report *types.RunReport) {
	if report == nil {
		return
	}
	cp := *report
	cp.Stages = append([]types.StageReport(nil), report.Stages...)

	h.mu.Lock()
	h.runs[report.Kind] = cp
	h.mu.Unlock()
}

// Detectors returns a copy of every detector record, sorted by name.
func (h *HealthTracker) Detectors() []DetectorHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]DetectorHealth, 0, len(h.detectors))
	for _, d := range h.detectors {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LastRun returns the latest report of kind, false when none ran yet.
func (h *HealthTracker) LastRun(kind types.RunKind) (types.RunReport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.runs[kind]
	if ok {
		r.Stages = append([]types.StageReport(nil), r.Stages...)
	}
	return r, ok
}

// Healthy reports whether every detector succeeded on its latest run.
func (h *HealthTracker) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, d := range h.detectors {
		if d.LastError != "" {
			return false
		}
	}
	return true
}
