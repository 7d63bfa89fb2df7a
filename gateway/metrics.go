package gateway

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ishakdeveloper/new-stack-sub000/metric"
)

// Metrics holds Prometheus metrics for the gateway server
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	decodeDrops       prometheus.Counter
	invalidSessions   prometheus.Counter
	liveness          prometheus.Counter
}

func newMetrics(registry *metric.Registry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Number of open gateway connections",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Total accepted gateway connections",
		}),

		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "server",
			Name:      "frames_received_total",
			Help:      "Frames received from clients, by opcode",
		}, []string{"op"}),

		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "server",
			Name:      "frames_sent_total",
			Help:      "Frames written to clients, by opcode",
		}, []string{"op"}),

		decodeDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "server",
			Name:      "decode_drops_total",
			Help:      "Frames dropped because they could not be decoded",
		}),

		invalidSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "server",
			Name:      "invalid_sessions_total",
			Help:      "Connections closed for protocol violations before identify",
		}),

		liveness: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "server",
			Name:      "liveness_closes_total",
			Help:      "Connections closed after missing the heartbeat window",
		}),
	}

	register := func(name string, err error) {
		if err != nil {
			logger.Warn("metric registration failed", "metric", name, "error", err)
		}
	}
	register("connections_active", registry.RegisterGauge("gateway", "connections_active", m.connectionsActive))
	register("connections_total", registry.RegisterCounter("gateway", "connections_total", m.connectionsTotal))
	register("frames_received", registry.RegisterCounterVec("gateway", "frames_received", m.framesReceived))
	register("frames_sent", registry.RegisterCounterVec("gateway", "frames_sent", m.framesSent))
	register("decode_drops", registry.RegisterCounter("gateway", "decode_drops", m.decodeDrops))
	register("invalid_sessions", registry.RegisterCounter("gateway", "invalid_sessions", m.invalidSessions))
	register("liveness_closes", registry.RegisterCounter("gateway", "liveness_closes", m.liveness))

	return m
}
