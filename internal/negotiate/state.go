// Package negotiate owns the peer transport lifecycle for one session: the
// offer/answer exchange, candidate handling, and the single relay-prioritized
// fallback attempt after a connectivity failure.
package negotiate

import "fmt"

type State string

const (
	StateNew       State = "new"
	StateGathering State = "gathering"
	StateChecking  State = "checking"
	StateConnected State = "connected"
	StateFailed    State = "failed"
	StateClosed    State = "closed"
)

// transitions is the full set of legal moves. failed -> gathering is the
// fallback retry; the negotiator additionally enforces that it happens at
// most once per session.
var transitions = map[State][]State{
	StateNew:       {StateGathering, StateFailed, StateClosed},
	StateGathering: {StateChecking, StateConnected, StateFailed, StateClosed},
	StateChecking:  {StateConnected, StateFailed, StateClosed},
	StateConnected: {StateChecking, StateFailed, StateClosed},
	StateFailed:    {StateGathering, StateClosed},
	StateClosed:    {},
}

func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// illegalTransition reports an attempted move outside the table. These are
// programming errors, never user input.
func illegalTransition(from, to State) error {
	return fmt.Errorf("illegal connection state transition %s -> %s", from, to)
}
