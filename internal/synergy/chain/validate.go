package chain

import (
	"fmt"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// ValidateChain checks the structural invariants of a synergy against its
// parent. parent must be nil for depth-2 synergies.
func ValidateChain(s, parent *types.Synergy) error {
	subject := s.ID.String()
	fail := func(format string, args ...interface{}) error {
		return &types.ValidationError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
	}

	if s.Depth < types.MinDepth || s.Depth > types.MaxDepth {
		return fail("depth %d outside %d..%d", s.Depth, types.MinDepth, types.MaxDepth)
	}
	if len(s.DeviceIDs) != s.Depth {
		return fail("depth %d does not match %d devices", s.Depth, len(s.DeviceIDs))
	}

	seen := make(map[string]struct{}, len(s.DeviceIDs))
	for _, d := range s.DeviceIDs {
		if _, dup := seen[d]; dup {
			return fail("device %s repeated", d)
		}
		seen[d] = struct{}{}
	}

	if s.TriggerEntity != s.DeviceIDs[0] || s.ActionEntity != s.DeviceIDs[len(s.DeviceIDs)-1] {
		return fail("trigger/action do not match chain endpoints")
	}

	if s.Depth == types.MinDepth {
		if parent != nil || s.ParentID != nil {
			return fail("depth-2 synergy must not have a parent")
		}
		return nil
	}

	if parent == nil || s.ParentID == nil {
		return fail("depth-%d synergy has no parent", s.Depth)
	}
	if *s.ParentID != parent.ID {
		return fail("parent id %s does not match parent %s", *s.ParentID, parent.ID)
	}
	if parent.Depth+1 != s.Depth || len(parent.DeviceIDs) != parent.Depth {
		return fail("depth %d is not parent depth %d + 1", s.Depth, parent.Depth)
	}
	for i, d := range parent.DeviceIDs {
		if s.DeviceIDs[i] != d {
			return fail("does not extend parent chain at position %d", i)
		}
	}
	return nil
}
