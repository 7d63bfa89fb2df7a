package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_Format(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Bridge", "Publish", "publish message")
	require.Error(t, err)
	assert.Equal(t, "Bridge.Publish: publish message failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
	assert.NoError(t, WrapInvalid(nil, "a", "b", "c"))
	assert.NoError(t, WrapFatal(nil, "a", "b", "c"))
}

func TestClassify_WrappedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"transient wrap", WrapTransient(stderrors.New("x"), "c", "m", "a"), ErrorTransient},
		{"invalid wrap", WrapInvalid(stderrors.New("x"), "c", "m", "a"), ErrorInvalid},
		{"fatal wrap", WrapFatal(stderrors.New("x"), "c", "m", "a"), ErrorFatal},
		{"decode sentinel", fmt.Errorf("reading frame: %w", ErrDecodeFailed), ErrorInvalid},
		{"max reconnects", fmt.Errorf("giving up: %w", ErrMaxReconnects), ErrorFatal},
		{"heartbeat", ErrHeartbeatTimeout, ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsTransient_MessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: i/o timeout")))
	assert.True(t, IsTransient(stderrors.New("service unavailable")))
	assert.False(t, IsTransient(stderrors.New("schema mismatch")))
	assert.False(t, IsTransient(nil))
}

func TestClassifiedError_Unwrap(t *testing.T) {
	base := stderrors.New("inner")
	err := WrapTransient(base, "Conn", "Read", "read frame")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Conn", ce.Component)
	assert.True(t, stderrors.Is(err, base))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}
