package server

// ConnectionState is the lifecycle of one connection:
// Connecting -> Connected <-> {Idle, Active} -> Disconnecting -> Disconnected.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateIdle
	StateActive
	StateDisconnecting
	StateDisconnected
)

var stateNames = [...]string{"connecting", "connected", "idle", "active", "disconnecting", "disconnected"}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Open reports whether the connection can still carry traffic.
func (s ConnectionState) Open() bool {
	return s == StateConnected || s == StateIdle || s == StateActive
}
