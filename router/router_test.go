package router

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishakdeveloper/new-stack-sub000/broker"
	"github.com/ishakdeveloper/new-stack-sub000/wire"
)

// fakeConn records dispatched envelopes
type fakeConn struct {
	id     string
	userID string

	mu      sync.Mutex
	sent    []wire.Envelope
	sendErr error
}

func (f *fakeConn) ID() string     { return f.id }
func (f *fakeConn) UserID() string { return f.userID }

func (f *fakeConn) Send(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) frames() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Envelope(nil), f.sent...)
}

func wsMessage(op string, payload string) broker.Message {
	return broker.Message{Op: op, P: json.RawMessage(payload), V: broker.ProtocolVersion}
}

func TestRoute_ChannelFanOutExactlyK(t *testing.T) {
	idx := NewSessionIndex()
	r := New(idx, nil, nil, nil)

	joined1 := &fakeConn{id: "c1", userID: "u1"}
	joined2 := &fakeConn{id: "c2", userID: "u2"}
	outsider := &fakeConn{id: "c3", userID: "u3"}

	for _, c := range []*fakeConn{joined1, joined2, outsider} {
		idx.Add(c)
	}
	idx.JoinChannel(joined1, "chan-1")
	idx.JoinChannel(joined2, "chan-1")
	idx.JoinChannel(outsider, "chan-2")

	r.Route(wsMessage(broker.OpMessageCreate, `{"channel_id":"chan-1","content":"hi"}`))

	require.Len(t, joined1.frames(), 1)
	require.Len(t, joined2.frames(), 1)
	assert.Empty(t, outsider.frames(), "connections not joined to the channel receive nothing")

	frame := joined1.frames()[0]
	assert.Equal(t, wire.OpDispatch, frame.Op)
	assert.Equal(t, broker.OpMessageCreate, frame.T)
	require.NotNil(t, frame.S)
	assert.JSONEq(t, `{"channel_id":"chan-1","content":"hi"}`, string(frame.D))
}

func TestRoute_DirectUserAudience(t *testing.T) {
	idx := NewSessionIndex()
	r := New(idx, nil, nil, nil)

	target := &fakeConn{id: "c1", userID: "u1"}
	other := &fakeConn{id: "c2", userID: "u2"}
	idx.Add(target)
	idx.Add(other)

	r.Route(wsMessage(broker.OpFriendRequest, `{"to_user_id":"u1","from_user_id":"u2"}`))

	assert.Len(t, target.frames(), 1)
	assert.Empty(t, other.frames())
}

func TestRoute_GuildAudience(t *testing.T) {
	idx := NewSessionIndex()
	r := New(idx, nil, nil, nil)

	member := &fakeConn{id: "c1", userID: "u1"}
	nonMember := &fakeConn{id: "c2", userID: "u2"}
	idx.Add(member)
	idx.Add(nonMember)
	idx.JoinGuild(member, "g1")

	r.Route(wsMessage(broker.OpGuildMemberAdd, `{"guild_id":"g1","user_id":"u9"}`))

	assert.Len(t, member.frames(), 1)
	assert.Empty(t, nonMember.frames())
}

func TestRoute_UserPrecedenceOverChannel(t *testing.T) {
	idx := NewSessionIndex()
	r := New(idx, nil, nil, nil)

	direct := &fakeConn{id: "c1", userID: "u1"}
	channelPeer := &fakeConn{id: "c2", userID: "u2"}
	idx.Add(direct)
	idx.Add(channelPeer)
	idx.JoinChannel(channelPeer, "chan-1")

	// Payload carries both; audience is the direct user
	r.Route(wsMessage(broker.OpAuthSuccess, `{"to_user_id":"u1","channel_id":"chan-1"}`))

	assert.Len(t, direct.frames(), 1)
	assert.Empty(t, channelPeer.frames())
}

func TestRoute_DisconnectedTargetSkipped(t *testing.T) {
	idx := NewSessionIndex()
	r := New(idx, nil, nil, nil)

	// No connection for u1: routing is a silent no-op
	require.NotPanics(t, func() {
		r.Route(wsMessage(broker.OpFriendRequest, `{"to_user_id":"u1"}`))
	})
}

func TestRoute_SendErrorDoesNotStopFanOut(t *testing.T) {
	idx := NewSessionIndex()
	r := New(idx, nil, nil, nil)

	dying := &fakeConn{id: "c1", userID: "u1", sendErr: errors.New("broken pipe")}
	healthy := &fakeConn{id: "c2", userID: "u2"}
	idx.Add(dying)
	idx.Add(healthy)
	idx.JoinChannel(dying, "chan-1")
	idx.JoinChannel(healthy, "chan-1")

	r.Route(wsMessage(broker.OpMessageCreate, `{"channel_id":"chan-1"}`))

	assert.Len(t, healthy.frames(), 1)
}

func TestRoute_NoAudienceField(t *testing.T) {
	idx := NewSessionIndex()
	r := New(idx, nil, nil, nil)

	require.NotPanics(t, func() {
		r.Route(wsMessage(broker.OpMessageCreate, `{"content":"orphan"}`))
	})
}

func TestRoute_SequenceIncreases(t *testing.T) {
	idx := NewSessionIndex()
	r := New(idx, nil, nil, nil)

	c := &fakeConn{id: "c1", userID: "u1"}
	idx.Add(c)
	idx.JoinChannel(c, "chan-1")

	r.Route(wsMessage(broker.OpMessageCreate, `{"channel_id":"chan-1"}`))
	r.Route(wsMessage(broker.OpMessageCreate, `{"channel_id":"chan-1"}`))

	frames := c.frames()
	require.Len(t, frames, 2)
	assert.Less(t, *frames[0].S, *frames[1].S)
}
