package client

// State is the connection state of a Client.
type State int

const (
	// Disconnected means no connection exists and none will be attempted.
	Disconnected State = iota
	// Connecting means the first dial of a connect cycle is in flight.
	Connecting
	// Connected means the socket is open and pending messages have been handed to the writer.
	Connected
	// Reconnecting means the connection was lost and a retry is scheduled or in flight.
	Reconnecting
	// Failed means retries were exhausted or the server rejected the credentials.
	// Only an explicit Connect leaves this state.
	Failed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateEvent describes a single state transition.
type StateEvent struct {
	Err  error // cause of the transition, if any
	From State
	To   State
}
