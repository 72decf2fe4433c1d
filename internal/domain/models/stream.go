package models

// StreamState is the connection state of the live feed.
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateConnected
	StateReconnectWait
	StateStopped
)

func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnectWait:
		return "RECONNECT_WAIT"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
