// Package lifecycle moves patterns and synergies through their lifecycle
// states. Records are never deleted; deprecation is terminal.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/statekit"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

// Lifecycle events.
const (
	EventActivate   = "ACTIVATE"
	EventStrengthen = "STRENGTHEN"
	EventWeaken     = "WEAKEN"
	EventFlagReview = "FLAG_REVIEW"
	EventRecover    = "RECOVER"
	EventStabilize  = "STABILIZE"
	EventDeprecate  = "DEPRECATE"
)

const machineID = "lifecycle"

// transitions is the lifecycle graph. The statechart below mirrors it; the
// table is consulted first because the interpreter panics on unknown events.
var transitions = map[types.LifecycleState]map[string]types.LifecycleState{
	types.StateCandidate: {
		EventActivate:  types.StateActive,
		EventDeprecate: types.StateDeprecated,
	},
	types.StateActive: {
		EventStrengthen: types.StateStrengthening,
		EventWeaken:     types.StateWeakening,
		EventDeprecate:  types.StateDeprecated,
	},
	types.StateStrengthening: {
		EventWeaken:    types.StateWeakening,
		EventStabilize: types.StateActive,
		EventDeprecate: types.StateDeprecated,
	},
	types.StateWeakening: {
		EventFlagReview: types.StateNeedsReview,
		EventStabilize:  types.StateActive,
		EventDeprecate:  types.StateDeprecated,
	},
	types.StateNeedsReview: {
		EventRecover:   types.StateActive,
		EventDeprecate: types.StateDeprecated,
	},
	types.StateDeprecated: {},
}

// CanTransition reports whether event is valid from state.
func CanTransition(state types.LifecycleState, event string) bool {
	_, ok := transitions[state][event]
	return ok
}

// Target returns the state event leads to from state.
func Target(state types.LifecycleState, event string) (types.LifecycleState, bool) {
	to, ok := transitions[state][event]
	return to, ok
}

type transitionPayload struct {
	To     types.LifecycleState
	Reason string
}

// machineContext carries one subject through the interpreter.
type machineContext struct {
	Status types.LifecycleStatus
	Trend  types.Trend
	At     time.Time
	Events []types.LifecycleEvent
}

func sid(s types.LifecycleState) statekit.StateID {
	return statekit.StateID(string(s))
}

// newMachine builds the lifecycle statechart.
func newMachine() (*statekit.MachineConfig[*machineContext], error) {
	return statekit.NewMachine[*machineContext](machineID).
		WithInitial(sid(types.StateCandidate)).
		WithContext(&machineContext{}).
		WithAction("record", recordTransition).
		WithGuard("allowed", guardAllowed).
		State(sid(types.StateCandidate)).
			On(EventActivate).Target(sid(types.StateActive)).Guard("allowed").Do("record").
			On(EventDeprecate).Target(sid(types.StateDeprecated)).Guard("allowed").Do("record").
			Done().
		State(sid(types.StateActive)).
			On(EventStrengthen).Target(sid(types.StateStrengthening)).Guard("allowed").Do("record").
			On(EventWeaken).Target(sid(types.StateWeakening)).Guard("allowed").Do("record").
			On(EventDeprecate).Target(sid(types.StateDeprecated)).Guard("allowed").Do("record").
			Done().
		State(sid(types.StateStrengthening)).
			On(EventWeaken).Target(sid(types.StateWeakening)).Guard("allowed").Do("record").
			On(EventStabilize).Target(sid(types.StateActive)).Guard("allowed").Do("record").
			On(EventDeprecate).Target(sid(types.StateDeprecated)).Guard("allowed").Do("record").
			Done().
		State(sid(types.StateWeakening)).
			On(EventFlagReview).Target(sid(types.StateNeedsReview)).Guard("allowed").Do("record").
			On(EventStabilize).Target(sid(types.StateActive)).Guard("allowed").Do("record").
			On(EventDeprecate).Target(sid(types.StateDeprecated)).Guard("allowed").Do("record").
			Done().
		State(sid(types.StateNeedsReview)).
			On(EventRecover).Target(sid(types.StateActive)).Guard("allowed").Do("record").
			On(EventDeprecate).Target(sid(types.StateDeprecated)).Guard("allowed").Do("record").
			Done().
		State(sid(types.StateDeprecated)).
			Final().
			Done().
		Build()
}

func guardAllowed(ctx *machineContext, event statekit.Event) bool {
	if ctx == nil {
		return false
	}
	return CanTransition(ctx.Status.State, string(event.Type))
}

// recordTransition applies the target state to the subject and records the
// lifecycle event.
func recordTransition(ctx **machineContext, event statekit.Event) {
	if ctx == nil || *ctx == nil {
		return
	}
	c := *ctx
	payload, ok := event.Payload.(transitionPayload)
	if !ok {
		return
	}

	from := c.Status.State
	c.Status.State = payload.To
	switch payload.To {
	case types.StateNeedsReview:
		c.Status.NeedsReview = true
	case types.StateActive:
		if from == types.StateNeedsReview {
			c.Status.NeedsReview = false
		}
	case types.StateDeprecated:
		at := c.At
		c.Status.Deprecated = true
		c.Status.DeprecatedAt = &at
		c.Status.NeedsReview = false
	}

	c.Events = append(c.Events, types.LifecycleEvent{
		SubjectID:   c.Status.SubjectID,
		SubjectKind: c.Status.SubjectKind,
		From:        from,
		To:          payload.To,
		Trend:       c.Trend,
		Reason:      payload.Reason,
		At:          c.At,
	})
}

// run replays events against a subject starting from its stored state.
func run(machine *statekit.MachineConfig[*machineContext], mctx *machineContext, events []string, reason string) error {
	interp := statekit.NewInterpreter(machine)
	interp.UpdateContext(func(c **machineContext) {
		*c = mctx
	})
	if err := interp.Restore(statekit.Snapshot[*machineContext]{
		MachineID:    machineID,
		CurrentState: sid(mctx.Status.State),
		Context:      mctx,
		CreatedAt:    mctx.At,
	}); err != nil {
		return fmt.Errorf("failed to restore lifecycle state %s: %w", mctx.Status.State, err)
	}

	for _, ev := range events {
		to, ok := Target(mctx.Status.State, ev)
		if !ok {
			return fmt.Errorf("lifecycle event %s not allowed from %s", ev, mctx.Status.State)
		}
		interp.Send(statekit.Event{
			Type:    statekit.EventType(ev),
			Payload: transitionPayload{To: to, Reason: reason},
		})
		if got := types.LifecycleState(interp.State().Value); got != to {
			return fmt.Errorf("lifecycle machine reached %s, expected %s", got, to)
		}
	}
	return nil
}
