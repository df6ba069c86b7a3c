package operation

import (
	"slices"

	"github.com/txn2/query-gateway/pkg/apierr"
)

// State is the lifecycle state of an operation.
type State int

// Operation states.
const (
	Initialized State = iota
	Pending
	Running
	Finished
	Canceled
	Error
	Closed
	// Unknown marks a foreign or untracked state. It rejects every transition.
	Unknown
)

// transitions is the only definition of which state changes are legal.
var transitions = map[State][]State{
	Initialized: {Pending, Running, Canceled, Closed},
	Pending:     {Running, Finished, Canceled, Error, Closed},
	Running:     {Finished, Canceled, Error, Closed},
	Finished:    {Closed},
	Canceled:    {Closed},
	Error:       {Closed},
	Closed:      {},
	Unknown:     {},
}

// Validate returns a StateError unless from -> to is a legal transition.
func Validate(from, to State) error {
	if slices.Contains(transitions[from], to) {
		return nil
	}
	return apierr.Statef("illegal operation state transition %s -> %s", from, to)
}

// IsTerminal reports whether only a transition to Closed remains.
func (s State) IsTerminal() bool {
	switch s {
	case Finished, Canceled, Error, Closed:
		return true
	default:
		return false
	}
}

// String returns the upper-case state name reported to clients.
func (s State) String() string {
	switch s {
	case Initialized:
		return "INITIALIZED"
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Finished:
		return "FINISHED"
	case Canceled:
		return "CANCELED"
	case Error:
		return "ERROR"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// AllStates lists every state, in declaration order.
func AllStates() []State {
	return []State{Initialized, Pending, Running, Finished, Canceled, Error, Closed, Unknown}
}
