package chat

import (
	"errors"
	"fmt"
)

// State is where a session is in its request lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Cancelled
	Errored
	Completed
)

var ErrBadTransition = errors.New("illegal session state transition")

var stateNames = [...]string{"idle", "connecting", "streaming", "cancelled", "errored", "completed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

var transitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Streaming, Cancelled, Errored},
	Streaming:  {Completed, Cancelled, Errored},
	Cancelled:  {Connecting},
	Errored:    {Connecting},
	Completed:  {Connecting},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InFlight reports whether a request is outstanding in state s.
func (s State) InFlight() bool { return s == Connecting || s == Streaming }
