package router

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	"github.com/ishakdeveloper/new-stack-sub000/broker"
	"github.com/ishakdeveloper/new-stack-sub000/event"
	"github.com/ishakdeveloper/new-stack-sub000/metric"
	"github.com/ishakdeveloper/new-stack-sub000/wire"
)

// Metrics holds Prometheus metrics for the fan-out router
type Metrics struct {
	dispatches *prometheus.CounterVec
	noAudience prometheus.Counter
	sendErrors prometheus.Counter
}

func newMetrics(registry *metric.Registry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "router",
			Name:      "dispatches_total",
			Help:      "Dispatch frames written, by audience kind",
		}, []string{"audience"}),

		noAudience: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "router",
			Name:      "no_audience_total",
			Help:      "Broker events with no resolvable audience",
		}),

		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "router",
			Name:      "send_errors_total",
			Help:      "Dispatch writes that failed on a live connection",
		}),
	}

	register := func(name string, err error) {
		if err != nil {
			logger.Warn("metric registration failed", "metric", name, "error", err)
		}
	}
	register("dispatches", registry.RegisterCounterVec("router", "dispatches", m.dispatches))
	register("no_audience", registry.RegisterCounter("router", "no_audience", m.noAudience))
	register("send_errors", registry.RegisterCounter("router", "send_errors", m.sendErrors))

	return m
}

// Router determines which live connections care about a broker event and
// pushes a dispatch frame to each. Delivery is best effort: a target user
// without an open connection is skipped, never queued.
type Router struct {
	index    *SessionIndex
	registry *event.Registry
	logger   *slog.Logger
	metrics  *Metrics
	seq      atomic.Int64
}

// New creates a fan-out router over the given session index. The event
// registry receives every routed event for in-process listeners; it and the
// metrics registry may be nil.
func New(index *SessionIndex, registry *event.Registry, metrics *metric.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "router")
	return &Router{
		index:    index,
		registry: registry,
		logger:   logger,
		metrics:  newMetrics(metrics, logger),
	}
}

// Bind subscribes the router to every gateway-bound opcode on the bridge
func (r *Router) Bind(bridge *broker.Bridge) {
	for _, opcode := range []string{
		broker.OpAuthSuccess,
		broker.OpMessageCreate,
		broker.OpMessageUpdate,
		broker.OpMessageDelete,
		broker.OpTypingStart,
		broker.OpGuildMemberAdd,
		broker.OpGuildMemberRemove,
		broker.OpGuildRoleUpdate,
		broker.OpFriendRequest,
		broker.OpFriendAccept,
		broker.OpFriendRemove,
		broker.OpVoiceStateUpdate,
	} {
		bridge.Subscribe(opcode, func(_ context.Context, msg broker.Message) error {
			r.Route(msg)
			return nil
		})
	}
}

// Route fans one broker event out to its audience. The audience is selected
// by the first of to_user_id, guild_id, channel_id present in the payload.
func (r *Router) Route(msg broker.Message) {
	if r.registry != nil {
		r.registry.Emit(msg.Op, msg)
	}

	audience, targets := r.audience(msg)
	if audience == "" {
		r.logger.Debug("broker event without audience", "op", msg.Op, "ref", msg.Ref)
		if r.metrics != nil {
			r.metrics.noAudience.Inc()
		}
		return
	}

	for _, c := range targets {
		env := wire.Dispatch(msg.Op, r.seq.Add(1), msg.P)
		if err := c.Send(env); err != nil {
			// Connection is on its way out; its close path scrubs the index
			r.logger.Debug("dispatch write failed",
				"op", msg.Op, "conn", c.ID(), "user", c.UserID(), "error", err)
			if r.metrics != nil {
				r.metrics.sendErrors.Inc()
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.dispatches.WithLabelValues(audience).Inc()
		}
	}
}

func (r *Router) audience(msg broker.Message) (string, []Conn) {
	if id := gjson.GetBytes(msg.P, "to_user_id"); id.Exists() {
		return "user", r.index.ByUser(id.String())
	}
	if id := gjson.GetBytes(msg.P, "guild_id"); id.Exists() {
		return "guild", r.index.ByGuild(id.String())
	}
	if id := gjson.GetBytes(msg.P, "channel_id"); id.Exists() {
		return "channel", r.index.ByChannel(id.String())
	}
	return "", nil
}
