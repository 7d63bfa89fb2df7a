package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ishakdeveloper/new-stack-sub000/errors"
)

// Payload is implemented by all typed frame payloads. Payload shapes are
// validated at the boundary, at decode time, rather than trusted downstream.
type Payload interface {
	Validate() error
}

// DecodePayload unmarshals and validates a typed payload from an envelope's
// D field.
func DecodePayload[T Payload](d json.RawMessage) (T, error) {
	var p T
	if len(d) == 0 {
		return p, errors.WrapInvalid(
			fmt.Errorf("%w: missing payload", errors.ErrInvalidPayload),
			"wire", "DecodePayload", "check payload")
	}
	if err := json.Unmarshal(d, &p); err != nil {
		return p, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err),
			"wire", "DecodePayload", "unmarshal payload")
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// IdentifyPayload carries the authenticated user's opaque profile.
// The gateway never interprets Profile; identity is resolved upstream.
type IdentifyPayload struct {
	UserID  string          `json:"user_id"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

// Validate implements Payload
func (p IdentifyPayload) Validate() error {
	if p.UserID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: identify requires user_id", errors.ErrInvalidPayload),
			"IdentifyPayload", "Validate", "check user_id")
	}
	return nil
}

// HeartbeatPayload carries the sender's clock; the ack echoes it back so the
// sender can compute RTT locally.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Validate implements Payload
func (p HeartbeatPayload) Validate() error {
	if p.Timestamp <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: heartbeat requires a positive timestamp", errors.ErrInvalidPayload),
			"HeartbeatPayload", "Validate", "check timestamp")
	}
	return nil
}

// HelloPayload announces the heartbeat contract on accept
type HelloPayload struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

// Validate implements Payload
func (p HelloPayload) Validate() error {
	if p.HeartbeatIntervalMS <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: hello requires a positive heartbeat interval", errors.ErrInvalidPayload),
			"HelloPayload", "Validate", "check interval")
	}
	return nil
}

// VoiceSignalPayload relays session negotiation between exactly two users.
// Signal is an opaque blob owned by the endpoints; the gateway never inspects it.
type VoiceSignalPayload struct {
	FromUserID string          `json:"from_user_id"`
	ToUserID   string          `json:"to_user_id"`
	ChannelID  string          `json:"channel_id"`
	Signal     json.RawMessage `json:"signal"`
}

// Validate implements Payload
func (p VoiceSignalPayload) Validate() error {
	if p.ToUserID == "" || p.ChannelID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: voice signal requires to_user_id and channel_id", errors.ErrInvalidPayload),
			"VoiceSignalPayload", "Validate", "check addressing")
	}
	if len(p.Signal) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: voice signal requires a signal blob", errors.ErrInvalidPayload),
			"VoiceSignalPayload", "Validate", "check signal")
	}
	return nil
}

// VoiceStatePayload carries voice presence for a channel. Speaking is
// computed client-side from audio analysis and relayed as-is.
type VoiceStatePayload struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Mute      bool   `json:"mute"`
	Deaf      bool   `json:"deaf"`
	Speaking  bool   `json:"speaking"`
}

// Validate implements Payload
func (p VoiceStatePayload) Validate() error {
	if p.ChannelID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: voice state requires channel_id", errors.ErrInvalidPayload),
			"VoiceStatePayload", "Validate", "check channel_id")
	}
	return nil
}

// Subscription targets
const (
	SubscribeChannel = "channel"
	SubscribeGuild   = "guild"
)

// SubscribePayload joins or leaves a channel or guild event stream
type SubscribePayload struct {
	Kind string `json:"kind"` // "channel" or "guild"
	ID   string `json:"id"`
}

// Validate implements Payload
func (p SubscribePayload) Validate() error {
	if p.Kind != SubscribeChannel && p.Kind != SubscribeGuild {
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown subscription kind %q", errors.ErrInvalidPayload, p.Kind),
			"SubscribePayload", "Validate", "check kind")
	}
	if p.ID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: subscription requires id", errors.ErrInvalidPayload),
			"SubscribePayload", "Validate", "check id")
	}
	return nil
}
