// Package eventsm implements the Event State-Machine Runtime (spec.md
// §4.7): persistent per-fingerprint lifecycle state, action-driven
// transitions, and a background timeout sweeper.
//
// Grounded on spec.md §4.7 directly (the teacher has no equivalent
// component); the lock-then-load-modify-store discipline mirrors
// pkg/groups.Batcher and pkg/state's per-key locking pattern throughout.
package eventsm

import "github.com/acteon/gateway/pkg/core"

// Transition is one edge of a state machine definition. Match is evaluated
// against the triggering action; the first transition out of the current
// state whose Match succeeds (or whose Match is nil, meaning "always") is
// taken. If none match, spec.md §4.7 step 2's default applies: a self-loop
// refresh (the record's EnteredAt/TimeoutAt are refreshed but State is
// unchanged).
type Transition struct {
	From  core.EventState
	To    core.EventState
	Match *core.CondTree
}

// Timeout configures the transition applied when a state has been held for
// longer than After with no incoming action.
type Timeout struct {
	State        core.EventState
	After        int64 // seconds
	TransitionTo core.EventState
}

// Definition is a state-machine definition (spec.md §4.7's `SM`).
type Definition struct {
	Name         string
	InitialState core.EventState
	States       []core.EventState
	Transitions  []Transition
	Timeouts     []Timeout
}

func (d *Definition) timeoutFor(state core.EventState) (Timeout, bool) {
	for _, t := range d.Timeouts {
		if t.State == state {
			return t, true
		}
	}
	return Timeout{}, false
}

func (d *Definition) hasState(state core.EventState) bool {
	for _, s := range d.States {
		if s == state {
			return true
		}
	}
	return false
}
