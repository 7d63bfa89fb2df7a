// Package broker bridges the gateway process to the cross-service message
// broker. It declares one topic-style exchange stream plus one queue per
// backend service, publishes with a routing key derived from the opcode
// namespace, and consumes with prefetch 1 for fair dispatch.
package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ishakdeveloper/new-stack-sub000/errors"
)

// ProtocolVersion is the broker wire format version
const ProtocolVersion = "1"

// Exchange and queue topology
const (
	// StreamName is the topic exchange all services publish to
	StreamName = "events"
	// subjectPrefix scopes all routing keys under the exchange
	subjectPrefix = "events."

	// RouteAuth is the routing key for messages consumed by the auth service
	RouteAuth = "auth"
	// RouteWS is the routing key for messages consumed by gateway processes
	RouteWS = "ws"

	// AuthQueue is the auth service's bound queue
	AuthQueue = "auth_service_queue"
	// WSQueue is the gateway's bound queue
	WSQueue = "ws_service_queue"
)

// Opcodes in the "domain:action" namespace. The namespace prefix selects the
// routing key; the full opcode selects the subscribed handlers.
const (
	OpAuthRequestUser = "auth:request_user"
	OpAuthSuccess     = "auth:success"

	OpMessageCreate = "message:create"
	OpMessageUpdate = "message:update"
	OpMessageDelete = "message:delete"
	OpTypingStart   = "message:typing_start"

	OpGuildMemberAdd    = "guild:member_add"
	OpGuildMemberRemove = "guild:member_remove"
	OpGuildRoleUpdate   = "guild:role_update"

	OpFriendRequest = "friend:request"
	OpFriendAccept  = "friend:accept"
	OpFriendRemove  = "friend:remove"

	OpVoiceSignal      = "voice:signal"
	OpVoiceStateUpdate = "voice:state_update"
)

// Message is the broker wire format: {op, p, v, ref?}
type Message struct {
	Op  string          `json:"op"`
	P   json.RawMessage `json:"p"`
	V   string          `json:"v"`
	Ref string          `json:"ref,omitempty"`
}

// Validate checks the broker message invariants
func (m Message) Validate() error {
	if m.Op == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: missing opcode", errors.ErrInvalidPayload),
			"Message", "Validate", "check opcode")
	}
	if m.V != ProtocolVersion {
		return errors.WrapInvalid(
			fmt.Errorf("%w: unsupported protocol version %q", errors.ErrInvalidPayload, m.V),
			"Message", "Validate", "check version")
	}
	return nil
}

// RoutingKey derives the routing key from an opcode's namespace prefix.
// Messages in the "auth:" namespace route to the auth queue, with the
// exception of "auth:success" which is consumed by gateway processes (it
// pushes resolved identity toward connected clients). Everything else routes
// to the gateway queue.
func RoutingKey(opcode string) string {
	if opcode == OpAuthSuccess {
		return RouteWS
	}
	if ns, _, ok := strings.Cut(opcode, ":"); ok && ns == "auth" {
		return RouteAuth
	}
	return RouteWS
}

// SubjectFor maps a routing key to its broker subject
func SubjectFor(routingKey string) string {
	return subjectPrefix + routingKey
}

// QueueFor maps a routing key to its bound queue name
func QueueFor(routingKey string) string {
	if routingKey == RouteAuth {
		return AuthQueue
	}
	return WSQueue
}
