package channel

import "go-chat-sync/internal/wire"

// State of a channel session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType tags the entries of a session's event stream.
type EventType int

const (
	// EventConnected fires when the channel reaches Open, both on the
	// first connect and after an auth-expiry reconnect.
	EventConnected EventType = iota
	// EventDisconnected fires on an ordinary transport-level close.
	// Retrying is the caller's policy, not this package's.
	EventDisconnected
	// EventAuthExpired fires when the server signals credential expiry
	// and a refresh-and-reconnect cycle begins.
	EventAuthExpired
	// EventSessionExpired fires when that refresh is rejected. The
	// session is dead; the logout hook has already been invoked.
	EventSessionExpired
	// EventMessage carries an incoming chat message.
	EventMessage
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventAuthExpired:
		return "auth_expired"
	case EventSessionExpired:
		return "session_expired"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one entry in a session's stream. Message is set for
// EventMessage; Err carries detail for disconnects and expiry.
type Event struct {
	Type    EventType
	Message *wire.Message
	Err     error
}
