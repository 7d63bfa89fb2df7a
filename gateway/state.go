// Package gateway implements the per-connection lifecycle state machine on
// both sides of the wire: the accepting server and the identifying client.
package gateway

// State represents the lifecycle state of a gateway connection
type State int

// Connection lifecycle states
const (
	// StateConnecting indicates the transport handshake is in progress
	StateConnecting State = iota
	// StateIdentified indicates the identify frame has been exchanged
	StateIdentified
	// StateReady indicates the first heartbeat has been acknowledged
	StateReady
	// StateReconnecting indicates the transport closed and a bounded
	// reconnect cycle is running
	StateReconnecting
	// StateClosed is terminal: explicit close, max reconnects exceeded, or
	// unrecoverable protocol error
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
