package model

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a Task.
type State string

const (
	StateUndefined State = "undefined"
	StateQueued    State = "queued"
	StateHold      State = "hold"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateFailed    State = "FAILED"
	StateTimeout   State = "TIMEOUT"
	StateMemory    State = "MEMORY"
	StateCanceled  State = "CANCELED"
)

// AllStates lists every state in lattice order.
var AllStates = []State{
	StateUndefined, StateQueued, StateHold, StateRunning, StateDone,
	StateFailed, StateTimeout, StateMemory, StateCanceled,
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Letter returns the one-letter abbreviation used on the command line.
func (s State) Letter() byte {
	switch s {
	case StateUndefined:
		return 'U'
	case StateMemory:
		return 'M'
	}
	return s[0]
}

// IsBad reports whether s is one of FAILED, TIMEOUT, MEMORY or CANCELED.
func (s State) IsBad() bool {
	return s != StateUndefined && strings.ToUpper(string(s)) == string(s)
}

// IsAlive reports whether the backend still owns the task.
func (s State) IsAlive() bool {
	switch s {
	case StateQueued, StateHold, StateRunning:
		return true
	}
	return false
}

// IsTerminal returns true if the task has stopped (successfully or not).
func (s State) IsTerminal() bool {
	return s == StateDone || s.IsBad()
}

// StateFromLetter converts a state letter into a State.
func StateFromLetter(c byte) (State, error) {
	for _, s := range AllStates {
		if s.Letter() == c {
			return s, nil
		}
	}
	return "", &UserError{Message: fmt.Sprintf("unknown state letter: %q", c)}
}

// ParseState accepts either a full state name or its letter.
func ParseState(v string) (State, error) {
	for _, s := range AllStates {
		if string(s) == v || strings.EqualFold(string(s), v) {
			return s, nil
		}
	}
	if len(v) == 1 {
		return StateFromLetter(v[0])
	}
	return "", &UserError{Message: fmt.Sprintf("unknown state: %q", v)}
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
// Removal from the store is not a transition and is always allowed.
var ValidTaskTransitions = map[State][]State{
	StateUndefined: {StateQueued},
	StateQueued:    {StateHold, StateRunning, StateCanceled, StateDone, StateFailed, StateTimeout},
	StateHold:      {StateQueued, StateCanceled},
	StateRunning:   {StateDone, StateFailed, StateTimeout, StateCanceled},
	StateFailed:    {StateMemory, StateTimeout},
	StateTimeout:   {StateQueued},
	StateMemory:    {StateQueued},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StateSet is a set of states built from a string of state letters.
type StateSet map[State]bool

// DefaultListStates is the state filter used by "mq list".
const DefaultListStates = "qhrdFCTM"

// ParseStateSet expands a string of state letters. The letter 'a' stands
// for all alive states and 'A' for all bad states.
func ParseStateSet(letters string) (StateSet, error) {
	set := StateSet{}
	for i := 0; i < len(letters); i++ {
		c := letters[i]
		switch c {
		case 'a':
			set[StateQueued], set[StateHold], set[StateRunning] = true, true, true
		case 'A':
			set[StateFailed], set[StateTimeout], set[StateMemory], set[StateCanceled] = true, true, true, true
		default:
			s, err := StateFromLetter(c)
			if err != nil {
				return nil, err
			}
			set[s] = true
		}
	}
	return set, nil
}

// Letters returns the set as state letters in lattice order.
func (ss StateSet) Letters() string {
	var b strings.Builder
	for _, s := range AllStates {
		if ss[s] {
			b.WriteByte(s.Letter())
		}
	}
	return b.String()
}
