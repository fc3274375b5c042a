// Package detect holds the pattern detectors and the registry the pipeline
// dispatches through.
package detect

import (
	"context"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/events"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// Detector finds patterns of one type in a snapshot. Implementations must
// treat the snapshot as read-only; several detectors share it concurrently.
type Detector interface {
	Name() string
	Type() types.PatternType
	Detect(ctx context.Context, snap *events.Snapshot) ([]*types.Pattern, error)
}

// Registry is the fixed set of detectors built at startup.
type Registry struct {
	detectors []Detector
}

// NewRegistry creates a registry in the given order.
func NewRegistry(detectors ...Detector) *Registry {
	return &Registry{detectors: append([]Detector(nil), detectors...)}
}

// Detectors returns the registered detectors.
func (r *Registry) Detectors() []Detector {
	return append([]Detector(nil), r.detectors...)
}

// Names returns detector names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.detectors))
	for i, d := range r.detectors {
		names[i] = d.Name()
	}
	return names
}

// checkEvery is how many loop iterations pass between cancellation checks.
const checkEvery = 256
