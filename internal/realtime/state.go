package realtime

// ConnectionState is the lifecycle stage of a connection. A manager holds
// exactly one state at a time.
type ConnectionState int32

const (
	StateInitial ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateError
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its lowercase name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether automatic reconnection has stopped.
func (s ConnectionState) Terminal() bool {
	return s == StateFailed
}
