package gateway

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishakdeveloper/new-stack-sub000/metric"
)

// recordingHandler captures log records for assertions
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) warnings() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []slog.Record
	for _, r := range h.records {
		if r.Level == slog.LevelWarn {
			out = append(out, r)
		}
	}
	return out
}

func TestNewMetricsNilRegistry(t *testing.T) {
	assert.Nil(t, newMetrics(nil, slog.Default()))
}

func TestNewMetricsDuplicateRegistrationIsLogged(t *testing.T) {
	registry := metric.NewRegistry()
	handler := &recordingHandler{}
	logger := slog.New(handler)

	first := newMetrics(registry, logger)
	require.NotNil(t, first)
	assert.Empty(t, handler.warnings())

	// A second registration of the same component collides on every metric;
	// the collisions must be logged, not swallowed.
	second := newMetrics(registry, logger)
	require.NotNil(t, second)
	assert.NotEmpty(t, handler.warnings())
}
