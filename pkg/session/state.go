package session

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle position of a device session.
type State int32

const (
	StateUnpaired State = iota
	StateUnauthenticated
	StateAuthenticated
	StateReady
	StateDisconnected
	StateFailed
)

var stateNames = map[State]string{
	StateUnpaired:        "unpaired",
	StateUnauthenticated: "unauthenticated",
	StateAuthenticated:   "authenticated",
	StateReady:           "ready",
	StateDisconnected:    "disconnected",
	StateFailed:          "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Label is the device status text reported to the external registry.
func (s State) Label() string {
	switch s {
	case StateUnpaired:
		return "Unpaired"
	case StateUnauthenticated:
		return "Unauthenticated"
	case StateAuthenticated:
		return "Authenticated"
	case StateReady:
		return "Ready"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed Authentication"
	}
	return s.String()
}

// Terminal reports whether the session can no longer be used.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseState(name string) (State, error) {
	for st, n := range stateNames {
		if n == name {
			return st, nil
		}
	}
	return StateUnpaired, fmt.Errorf("unknown session state %q", name)
}

// CanTransition reports whether from -> to is allowed. The happy path only
// moves forward; Disconnected and Failed are reachable from any live state
// and accept nothing afterwards.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateDisconnected, StateFailed:
		return true
	case StateUnauthenticated:
		// A refreshed QR code keeps the session Unauthenticated.
		return from == StateUnpaired || from == StateUnauthenticated
	case StateAuthenticated:
		return from == StateUnpaired || from == StateUnauthenticated
	case StateReady:
		return from == StateAuthenticated
	}
	return false
}
