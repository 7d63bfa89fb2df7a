package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDelivery records ack/term calls for consume-path tests
type fakeDelivery struct {
	data   []byte
	acked  atomic.Bool
	termed atomic.Bool
}

func (f *fakeDelivery) Data() []byte { return f.data }
func (f *fakeDelivery) Ack() error   { f.acked.Store(true); return nil }
func (f *fakeDelivery) Term() error  { f.termed.Store(true); return nil }

func deliveryFor(t *testing.T, msg Message) *fakeDelivery {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return &fakeDelivery{data: data}
}

func testBridge(t *testing.T) *Bridge {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HandlerTimeout = 100 * time.Millisecond
	return NewBridge(cfg, nil, nil)
}

func TestHandleDelivery_ExactOpcodeMatch(t *testing.T) {
	b := testBridge(t)

	var matched, other atomic.Int32
	b.Subscribe(OpMessageCreate, func(_ context.Context, msg Message) error {
		matched.Add(1)
		assert.Equal(t, OpMessageCreate, msg.Op)
		return nil
	})
	b.Subscribe(OpMessageDelete, func(context.Context, Message) error {
		other.Add(1)
		return nil
	})

	d := deliveryFor(t, Message{Op: OpMessageCreate, P: json.RawMessage(`{"channel_id":"c1"}`), V: ProtocolVersion})
	b.handleDelivery(context.Background(), WSQueue, d)

	assert.Equal(t, int32(1), matched.Load())
	assert.Equal(t, int32(0), other.Load(), "handler must only fire on exact opcode match")
	assert.True(t, d.acked.Load())
	assert.False(t, d.termed.Load())
}

func TestHandleDelivery_HandlerErrorRejectsWithoutRequeue(t *testing.T) {
	b := testBridge(t)

	b.Subscribe(OpFriendRequest, func(context.Context, Message) error {
		return errors.New("downstream unavailable")
	})

	d := deliveryFor(t, Message{Op: OpFriendRequest, P: json.RawMessage(`{}`), V: ProtocolVersion})
	b.handleDelivery(context.Background(), WSQueue, d)

	assert.True(t, d.termed.Load(), "failed message must be rejected, not requeued")
	assert.False(t, d.acked.Load())
}

func TestHandleDelivery_HandlerPanicDoesNotCrashLoop(t *testing.T) {
	b := testBridge(t)

	b.Subscribe(OpMessageCreate, func(context.Context, Message) error {
		panic("handler exploded")
	})

	d := deliveryFor(t, Message{Op: OpMessageCreate, P: json.RawMessage(`{}`), V: ProtocolVersion})
	require.NotPanics(t, func() {
		b.handleDelivery(context.Background(), WSQueue, d)
	})
	assert.True(t, d.termed.Load())
}

func TestHandleDelivery_HandlerTimeout(t *testing.T) {
	b := testBridge(t)

	b.Subscribe(OpMessageCreate, func(ctx context.Context, _ Message) error {
		<-ctx.Done() // never returns voluntarily
		return ctx.Err()
	})

	d := deliveryFor(t, Message{Op: OpMessageCreate, P: json.RawMessage(`{}`), V: ProtocolVersion})
	start := time.Now()
	b.handleDelivery(context.Background(), WSQueue, d)

	assert.True(t, d.termed.Load(), "timed-out handler's message must be rejected, not acked")
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandleDelivery_UnmatchedOpcodeAcked(t *testing.T) {
	b := testBridge(t)

	d := deliveryFor(t, Message{Op: "guild:unknown_event", P: json.RawMessage(`{}`), V: ProtocolVersion})
	b.handleDelivery(context.Background(), WSQueue, d)

	assert.True(t, d.acked.Load(), "messages without subscribers are acked to stop redelivery")
}

func TestHandleDelivery_PoisonMessageRejected(t *testing.T) {
	b := testBridge(t)

	garbage := &fakeDelivery{data: []byte("not json at all")}
	b.handleDelivery(context.Background(), WSQueue, garbage)
	assert.True(t, garbage.termed.Load())

	badVersion := deliveryFor(t, Message{Op: OpMessageCreate, V: "99"})
	b.handleDelivery(context.Background(), WSQueue, badVersion)
	assert.True(t, badVersion.termed.Load())
}

func TestHandleDelivery_MultipleHandlersAllRun(t *testing.T) {
	b := testBridge(t)

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		b.Subscribe(OpGuildMemberAdd, func(context.Context, Message) error {
			calls.Add(1)
			return nil
		})
	}

	d := deliveryFor(t, Message{Op: OpGuildMemberAdd, P: json.RawMessage(`{}`), V: ProtocolVersion})
	b.handleDelivery(context.Background(), WSQueue, d)

	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, d.acked.Load())
}

func TestPublish_RequiresConnection(t *testing.T) {
	b := testBridge(t)

	err := b.Publish(context.Background(), OpMessageCreate, json.RawMessage(`{}`), "")
	assert.Error(t, err)
}
