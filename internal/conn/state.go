package conn

// State is the connection state owned exclusively by the Orchestrator.
// Transitions are the only way dependent layers learn connectivity.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDegraded
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind discriminates orchestrator notifications.
type EventKind int

const (
	// KindStateChanged fires on every State transition.
	KindStateChanged EventKind = iota

	// KindStateSynced fires after a (re)connect once every subscription has
	// been re-issued; dependent layers should re-fetch anything missed.
	KindStateSynced

	// KindReconnectFailed fires exactly once when the attempt cap is
	// reached; the caller should fall back to HTTP polling.
	KindReconnectFailed
)

// Event is an orchestrator notification.
type Event struct {
	Kind     EventKind
	Previous State
	State    State
	Err      error
}
