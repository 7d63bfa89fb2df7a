package voice

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishakdeveloper/new-stack-sub000/router"
	"github.com/ishakdeveloper/new-stack-sub000/wire"
)

type fakeConn struct {
	id     string
	userID string

	mu   sync.Mutex
	sent []wire.Envelope
}

func (f *fakeConn) ID() string     { return f.id }
func (f *fakeConn) UserID() string { return f.userID }

func (f *fakeConn) Send(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) frames() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Envelope(nil), f.sent...)
}

func TestSignal_ForwardsVerbatim(t *testing.T) {
	idx := router.NewSessionIndex()
	relay := NewRelay(idx, nil, nil)

	target := &fakeConn{id: "c1", userID: "bob"}
	idx.Add(target)

	blob := json.RawMessage(`{"type":"offer","sdp":"v=0 ..."}`)
	require.NoError(t, relay.Signal("alice", "bob", "chan-1", blob))

	frames := target.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, wire.OpVoiceSignal, frames[0].Op)

	p, err := wire.DecodePayload[wire.VoiceSignalPayload](frames[0].D)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.FromUserID)
	assert.Equal(t, "bob", p.ToUserID)
	assert.Equal(t, "chan-1", p.ChannelID)
	assert.JSONEq(t, string(blob), string(p.Signal), "signal blob must pass through untouched")
}

func TestSignal_AbsentTargetSilentDrop(t *testing.T) {
	idx := router.NewSessionIndex()
	relay := NewRelay(idx, nil, nil)

	bystander := &fakeConn{id: "c1", userID: "carol"}
	idx.Add(bystander)

	err := relay.Signal("alice", "bob", "chan-1", json.RawMessage(`{"type":"offer"}`))
	assert.NoError(t, err, "missing target is not an error")
	assert.Empty(t, bystander.frames(), "no frame is sent anywhere")
}

func TestSignal_MultiDeviceTarget(t *testing.T) {
	idx := router.NewSessionIndex()
	relay := NewRelay(idx, nil, nil)

	phone := &fakeConn{id: "c1", userID: "bob"}
	desktop := &fakeConn{id: "c2", userID: "bob"}
	idx.Add(phone)
	idx.Add(desktop)

	require.NoError(t, relay.Signal("alice", "bob", "chan-1", json.RawMessage(`{"type":"candidate"}`)))

	assert.Len(t, phone.frames(), 1)
	assert.Len(t, desktop.frames(), 1)
}
