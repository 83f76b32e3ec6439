package mcp

import "fmt"

// State is a connection lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateInitializing
	StateConnected
	StateDegraded
	StateClosed
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateConnecting:    "connecting",
	StateInitializing:  "initializing",
	StateConnected:     "connected",
	StateDegraded:      "degraded",
	StateClosed:        "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Usable reports whether requests may be issued in this state.
func (s State) Usable() bool {
	return s == StateConnected || s == StateDegraded
}

// transitions lists the legal moves. Any state may move to Closed;
// Closed moves nowhere.
var transitions = map[State][]State{
	StateUninitialized: {StateConnecting, StateClosed},
	StateConnecting:    {StateInitializing, StateClosed},
	StateInitializing:  {StateConnected, StateClosed},
	StateConnected:     {StateDegraded, StateClosed},
	StateDegraded:      {StateConnected, StateClosed},
}

// canTransition reports whether from → to is legal.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
