// Package voice relays session-negotiation payloads between exactly two
// participants. The relay never inspects or mutates the signal blob; it only
// knows who to forward to next. Voice presence (join/leave, mute/deafen/
// speaking) is a channel-scoped event fanned out by the router like any other.
package voice

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ishakdeveloper/new-stack-sub000/broker"
	"github.com/ishakdeveloper/new-stack-sub000/metric"
	"github.com/ishakdeveloper/new-stack-sub000/router"
	"github.com/ishakdeveloper/new-stack-sub000/wire"
)

// Metrics holds Prometheus metrics for the signaling relay
type Metrics struct {
	relayed prometheus.Counter
	dropped prometheus.Counter
}

func newMetrics(registry *metric.Registry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "voice",
			Name:      "signals_relayed_total",
			Help:      "Voice signals forwarded to a live connection",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "voice",
			Name:      "signals_dropped_total",
			Help:      "Voice signals dropped because the target was not connected",
		}),
	}

	register := func(name string, err error) {
		if err != nil {
			logger.Warn("metric registration failed", "metric", name, "error", err)
		}
	}
	register("signals_relayed", registry.RegisterCounter("voice", "signals_relayed", m.relayed))
	register("signals_dropped", registry.RegisterCounter("voice", "signals_dropped", m.dropped))

	return m
}

// Relay forwards opaque voice signals between two users
type Relay struct {
	index   *router.SessionIndex
	logger  *slog.Logger
	metrics *Metrics
}

// NewRelay creates a signaling relay over the live session index
func NewRelay(index *router.SessionIndex, metrics *metric.Registry, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "voice")
	return &Relay{
		index:   index,
		logger:  logger,
		metrics: newMetrics(metrics, logger),
	}
}

// Signal forwards an opaque negotiation blob from one user to another within
// a channel. If the target has no live connection the signal is silently
// dropped and nil is returned; signaling timeouts are the caller's concern.
func (r *Relay) Signal(fromUser, toUser, channelID string, signal json.RawMessage) error {
	targets := r.index.ByUser(toUser)
	if len(targets) == 0 {
		r.logger.Debug("voice signal target not connected",
			"from", fromUser, "to", toUser, "channel", channelID)
		if r.metrics != nil {
			r.metrics.dropped.Inc()
		}
		return nil
	}

	payload, err := json.Marshal(wire.VoiceSignalPayload{
		FromUserID: fromUser,
		ToUserID:   toUser,
		ChannelID:  channelID,
		Signal:     signal,
	})
	if err != nil {
		return err
	}

	env := wire.Envelope{Op: wire.OpVoiceSignal, D: payload}
	for _, c := range targets {
		if err := c.Send(env); err != nil {
			r.logger.Debug("voice signal write failed",
				"to", toUser, "conn", c.ID(), "error", err)
			continue
		}
		if r.metrics != nil {
			r.metrics.relayed.Inc()
		}
	}

	return nil
}

// Bind subscribes the relay to voice:signal deliveries from the broker, so
// signals produced on other gateway processes reach users connected here.
func (r *Relay) Bind(bridge *broker.Bridge) {
	bridge.Subscribe(broker.OpVoiceSignal, func(_ context.Context, msg broker.Message) error {
		p, err := wire.DecodePayload[wire.VoiceSignalPayload](msg.P)
		if err != nil {
			return err
		}
		return r.Signal(p.FromUserID, p.ToUserID, p.ChannelID, p.Signal)
	})
}
