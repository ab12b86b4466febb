package server

// State is a step in a session lifecycle.
type State int32

// Session states, in lifecycle order. A session never moves backwards.
const (
	StateConnecting State = iota
	StateNaming
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNaming:
		return "naming"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
