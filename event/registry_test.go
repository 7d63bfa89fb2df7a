package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_EmitInRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)

	var order []int
	r.On("msg", func(any) { order = append(order, 1) })
	r.On("msg", func(any) { order = append(order, 2) })
	r.On("msg", func(any) { order = append(order, 3) })

	r.Emit("msg", nil)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRegistry_PanicIsolation(t *testing.T) {
	r := NewRegistry(nil)

	var ran []string
	r.On("msg", func(any) { ran = append(ran, "first") })
	r.On("msg", func(any) { panic("listener blew up") })
	r.On("msg", func(any) { ran = append(ran, "third") })

	require.NotPanics(t, func() { r.Emit("msg", nil) })
	assert.Equal(t, []string{"first", "third"}, ran,
		"a panicking listener must not prevent later listeners from running")
}

func TestRegistry_UnsubscribeIdempotent(t *testing.T) {
	r := NewRegistry(nil)

	calls := 0
	unsub := r.On("msg", func(any) { calls++ })

	r.Emit("msg", nil)
	unsub()
	unsub() // second call is a no-op
	r.Emit("msg", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.ListenerCount("msg"))
}

func TestRegistry_UnsubscribeFromWithinListener(t *testing.T) {
	r := NewRegistry(nil)

	var unsub func()
	calls := 0
	unsub = r.On("msg", func(any) {
		calls++
		unsub()
	})
	later := 0
	r.On("msg", func(any) { later++ })

	r.Emit("msg", nil)
	r.Emit("msg", nil)

	assert.Equal(t, 1, calls, "self-unsubscribing listener runs once")
	assert.Equal(t, 2, later, "remaining listener unaffected")
}

func TestRegistry_PayloadDelivered(t *testing.T) {
	r := NewRegistry(nil)

	var got any
	r.On("friend_request", func(p any) { got = p })
	r.Emit("friend_request", "payload-1")

	assert.Equal(t, "payload-1", got)
}

func TestRegistry_EventIsolation(t *testing.T) {
	r := NewRegistry(nil)

	a, b := 0, 0
	r.On("a", func(any) { a++ })
	r.On("b", func(any) { b++ })

	r.Emit("a", nil)
	assert.Equal(t, 1, a)
	assert.Equal(t, 0, b)
}

func TestRegistry_ConcurrentEmitAndSubscribe(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := r.On("msg", func(any) {})
			unsub()
		}()
		go func() {
			defer wg.Done()
			r.Emit("msg", nil)
		}()
	}
	wg.Wait()
}
