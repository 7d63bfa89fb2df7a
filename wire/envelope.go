// Package wire implements the gateway wire protocol: a compact envelope
// serialized as JSON and compressed with a deflate-family transform. Every
// frame on a gateway connection is exactly one envelope.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ishakdeveloper/new-stack-sub000/errors"
)

// OpCode selects the semantic meaning of a frame
type OpCode int

// Gateway opcodes
const (
	// OpDispatch carries a named domain event to the client
	OpDispatch OpCode = iota
	// OpHeartbeat is sent periodically by the identifying side
	OpHeartbeat
	// OpIdentify carries the authenticated user's opaque profile
	OpIdentify
	// OpHello is sent by the server on accept with the heartbeat interval
	OpHello
	// OpHeartbeatAck acknowledges a heartbeat, echoing its timestamp
	OpHeartbeatAck
	// OpInvalidSession signals a protocol violation before identification
	OpInvalidSession
	// OpVoiceSignal relays an opaque voice negotiation blob between two users
	OpVoiceSignal
	// OpVoiceStateUpdate carries voice presence (mute/deafen/speaking)
	OpVoiceStateUpdate
	// OpSubscribe joins a channel or guild event stream
	OpSubscribe
	// OpUnsubscribe leaves a channel or guild event stream
	OpUnsubscribe

	opMax = OpUnsubscribe
)

// String returns the string representation of OpCode
func (op OpCode) String() string {
	switch op {
	case OpDispatch:
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	case OpInvalidSession:
		return "invalid_session"
	case OpVoiceSignal:
		return "voice_signal"
	case OpVoiceStateUpdate:
		return "voice_state_update"
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// Valid reports whether op is a known opcode
func (op OpCode) Valid() bool {
	return op >= OpDispatch && op <= opMax
}

// Envelope is the outer frame wrapping every message on the wire.
// T and S are present only on dispatch frames.
type Envelope struct {
	Op OpCode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Dispatch builds a dispatch envelope for the named event
func Dispatch(event string, seq int64, payload json.RawMessage) Envelope {
	return Envelope{
		Op: OpDispatch,
		D:  payload,
		S:  &seq,
		T:  event,
	}
}

// Validate checks the structural invariants of an envelope: a known opcode,
// and T/S only on dispatch frames.
func (e Envelope) Validate() error {
	if !e.Op.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %d", errors.ErrInvalidOpcode, e.Op),
			"Envelope", "Validate", "check opcode")
	}

	if e.Op != OpDispatch && (e.T != "" || e.S != nil) {
		return errors.WrapInvalid(
			fmt.Errorf("event name or sequence on non-dispatch frame (op=%s)", e.Op),
			"Envelope", "Validate", "check dispatch fields")
	}

	return nil
}
