package transport

// ConnectionState is the lifecycle state of a broker connection.
//
//	Disconnected -> Connecting -> Connected -> Closing -> Disconnected
//	                                Connected -> ConnectionLost -> Connecting
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateConnectionLost
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}
