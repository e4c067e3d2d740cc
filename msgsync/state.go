package msgsync

// ConnectionState represents the current state of the push channel.
type ConnectionState int

const (
	// StateDisconnected means there is no channel.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a start attempt is in flight.
	StateConnecting

	// StateConnected means the channel is open and handlers are bound.
	StateConnected

	// StateReconnecting means the transport was lost and the channel is retrying.
	StateReconnecting
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Error    error // Optional error that caused the state change
}

// canTransition lists the edges of the connection state machine.
// Stop is allowed from every state.
func canTransition(from, to ConnectionState) bool {
	if to == StateDisconnected {
		return from != StateDisconnected
	}
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected
	case StateConnected:
		return to == StateReconnecting
	case StateReconnecting:
		return to == StateConnected
	}
	return false
}
