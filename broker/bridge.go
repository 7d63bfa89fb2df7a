package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ishakdeveloper/new-stack-sub000/errors"
	"github.com/ishakdeveloper/new-stack-sub000/metric"
	"github.com/ishakdeveloper/new-stack-sub000/pkg/retry"
)

// Handler processes one consumed broker message. A non-nil error rejects the
// message without requeue.
type Handler func(ctx context.Context, msg Message) error

// Config holds broker bridge settings
type Config struct {
	URL            string        `json:"url" yaml:"url"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	HandlerTimeout time.Duration `json:"handler_timeout" yaml:"handler_timeout"`
	// ConsumeQueues lists the bound queues this process consumes from.
	// Gateway processes consume only the ws queue; both queues are always
	// declared so publishers have a stable topology.
	ConsumeQueues []string `json:"consume_queues" yaml:"consume_queues"`
}

// DefaultConfig returns bridge defaults for a gateway process
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		ConnectTimeout: 5 * time.Second,
		HandlerTimeout: 30 * time.Second,
		ConsumeQueues:  []string{WSQueue},
	}
}

// delivery is the part of a broker delivery the bridge needs. Satisfied by
// jetstream.Msg; narrowed for tests.
type delivery interface {
	Data() []byte
	Ack() error
	Term() error
}

// Metrics holds Prometheus metrics for the broker bridge
type Metrics struct {
	published       *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	handlerFailures prometheus.Counter
	reconnects      prometheus.Counter
}

func newMetrics(registry *metric.Registry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "broker",
			Name:      "messages_published_total",
			Help:      "Total messages published to the broker",
		}, []string{"route"}),

		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "broker",
			Name:      "messages_consumed_total",
			Help:      "Total messages consumed from bound queues",
		}, []string{"queue", "status"}),

		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "broker",
			Name:      "handler_failures_total",
			Help:      "Total handler errors, timeouts and panics",
		}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Total broker reconnect cycles",
		}),
	}

	register := func(name string, err error) {
		if err != nil {
			logger.Warn("metric registration failed", "metric", name, "error", err)
		}
	}
	register("messages_published", registry.RegisterCounterVec("broker", "messages_published", m.published))
	register("messages_consumed", registry.RegisterCounterVec("broker", "messages_consumed", m.consumed))
	register("handler_failures", registry.RegisterCounter("broker", "handler_failures", m.handlerFailures))
	register("reconnects", registry.RegisterCounter("broker", "reconnects", m.reconnects))

	return m
}

// Bridge connects the gateway process to the broker. Connection loss is fatal
// to a consume cycle; Run retries the whole connect+consume cycle with
// backoff.
type Bridge struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.RWMutex
	conn      *nats.Conn
	js        jetstream.JetStream
	consumers []jetstream.ConsumeContext
	connLost  chan error

	handlersMu sync.RWMutex
	handlers   map[string][]Handler
}

// NewBridge creates a broker bridge. The metrics registry may be nil.
func NewBridge(cfg Config, registry *metric.Registry, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if len(cfg.ConsumeQueues) == 0 {
		cfg.ConsumeQueues = []string{WSQueue}
	}
	logger = logger.With("component", "broker")

	return &Bridge{
		cfg:      cfg,
		logger:   logger,
		metrics:  newMetrics(registry, logger),
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler invoked when a consumed message's opcode
// matches exactly. Multiple handlers per opcode are allowed.
func (b *Bridge) Subscribe(opcode string, handler Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[opcode] = append(b.handlers[opcode], handler)
}

// Publish sends a message to the exchange. The routing key is derived from
// the opcode namespace, so every message lands in exactly one bound queue.
func (b *Bridge) Publish(ctx context.Context, opcode string, payload json.RawMessage, ref string) error {
	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()

	if js == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Bridge", "Publish", "check connection")
	}

	msg := Message{Op: opcode, P: payload, V: ProtocolVersion, Ref: ref}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "Bridge", "Publish", "marshal message")
	}

	route := RoutingKey(opcode)
	if _, err := js.Publish(ctx, SubjectFor(route), data); err != nil {
		return errors.WrapTransient(err, "Bridge", "Publish", "publish to broker")
	}

	if b.metrics != nil {
		b.metrics.published.WithLabelValues(route).Inc()
	}
	return nil
}

// Run connects, declares the topology and consumes until the context is
// cancelled. Broker connection loss tears the cycle down and is retried with
// backoff at this level, per the process-level reconnect policy.
func (b *Bridge) Run(ctx context.Context) error {
	cfg := retry.Persistent()
	cycle := 0

	return retry.Do(ctx, cfg, func() error {
		if cycle > 0 {
			if b.metrics != nil {
				b.metrics.reconnects.Inc()
			}
			b.logger.Info("reconnecting to broker", "cycle", cycle)
		}
		cycle++

		err := b.runOnce(ctx)
		if ctx.Err() != nil {
			return retry.NonRetryable(ctx.Err())
		}
		return err
	})
}

func (b *Bridge) runOnce(ctx context.Context) error {
	if err := b.connect(); err != nil {
		return err
	}
	defer b.teardown()

	if err := b.declareTopology(ctx); err != nil {
		return err
	}

	for _, queue := range b.cfg.ConsumeQueues {
		if err := b.consumeQueue(ctx, queue); err != nil {
			return err
		}
	}

	b.logger.Info("broker bridge running",
		"url", b.cfg.URL, "queues", b.cfg.ConsumeQueues)

	b.mu.RLock()
	lost := b.connLost
	b.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil
	case err := <-lost:
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"Bridge", "runOnce", "maintain broker connection")
	}
}

func (b *Bridge) connect() error {
	connLost := make(chan error, 1)

	conn, err := nats.Connect(b.cfg.URL,
		nats.Timeout(b.cfg.ConnectTimeout),
		nats.MaxReconnects(0), // reconnection is owned by Run's retry cycle
		nats.ClosedHandler(func(nc *nats.Conn) {
			select {
			case connLost <- nc.LastError():
			default:
			}
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "connect", "dial broker")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "Bridge", "connect", "initialize jetstream")
	}

	b.mu.Lock()
	b.conn = conn
	b.js = js
	b.connLost = connLost
	b.mu.Unlock()

	return nil
}

// declareTopology creates the exchange stream and both service queues.
// Interest retention with memory storage matches the non-durable, auto-delete
// semantics of the exchange: undelivered messages do not outlive consumers.
func (b *Bridge) declareTopology(ctx context.Context) error {
	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: jetstream.InterestPolicy,
		Storage:   jetstream.MemoryStorage,
	})
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "declareTopology", "create exchange stream")
	}

	for _, route := range []string{RouteAuth, RouteWS} {
		_, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
			Durable:       QueueFor(route),
			FilterSubject: SubjectFor(route),
			AckPolicy:     jetstream.AckExplicitPolicy,
			// Prefetch 1: no consumer holds more than one unacked message,
			// so a slow handler cannot starve the queue.
			MaxAckPending: 1,
		})
		if err != nil {
			return errors.WrapTransient(err, "Bridge", "declareTopology",
				fmt.Sprintf("declare queue %s", QueueFor(route)))
		}
	}

	return nil
}

func (b *Bridge) consumeQueue(ctx context.Context, queue string) error {
	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()

	consumer, err := js.Consumer(ctx, StreamName, queue)
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "consumeQueue",
			fmt.Sprintf("look up queue %s", queue))
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		b.handleDelivery(ctx, queue, msg)
	})
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "consumeQueue",
			fmt.Sprintf("consume queue %s", queue))
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, cc)
	b.mu.Unlock()

	return nil
}

// handleDelivery processes one consumed message: ack on success, reject
// without requeue on failure so a poison message cannot loop forever.
func (b *Bridge) handleDelivery(ctx context.Context, queue string, d delivery) {
	var msg Message
	if err := json.Unmarshal(d.Data(), &msg); err != nil {
		b.logger.Warn("dropping undecodable broker message", "queue", queue, "error", err)
		b.reject(queue, d)
		return
	}
	if err := msg.Validate(); err != nil {
		b.logger.Warn("dropping invalid broker message", "queue", queue, "op", msg.Op, "error", err)
		b.reject(queue, d)
		return
	}

	b.handlersMu.RLock()
	handlers := b.handlers[msg.Op]
	b.handlersMu.RUnlock()

	if len(handlers) == 0 {
		// No subscriber for this opcode; acknowledge so it is not redelivered
		b.ack(queue, d)
		return
	}

	for _, h := range handlers {
		if err := b.runHandler(ctx, h, msg); err != nil {
			b.logger.Error("broker handler failed",
				"queue", queue, "op", msg.Op, "ref", msg.Ref, "error", err)
			if b.metrics != nil {
				b.metrics.handlerFailures.Inc()
			}
			b.reject(queue, d)
			return
		}
	}

	b.ack(queue, d)
}

// runHandler invokes one handler with the configured timeout, converting
// panics to errors so the consume loop never crashes.
func (b *Bridge) runHandler(ctx context.Context, h Handler, msg Message) error {
	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// The recover must live on the handler's goroutine; a panic only
		// unwinds the stack it was raised on.
		defer func() {
			if rec := recover(); rec != nil {
				done <- errors.WrapTransient(
					fmt.Errorf("handler panic: %v", rec),
					"Bridge", "runHandler", "invoke handler")
			}
		}()
		done <- h(hctx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return errors.WrapTransient(
			fmt.Errorf("%w after %v", errors.ErrHandlerTimeout, b.cfg.HandlerTimeout),
			"Bridge", "runHandler", "wait for handler")
	}
}

func (b *Bridge) ack(queue string, d delivery) {
	if err := d.Ack(); err != nil {
		b.logger.Warn("failed to ack broker message", "queue", queue, "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.consumed.WithLabelValues(queue, "ack").Inc()
	}
}

func (b *Bridge) reject(queue string, d delivery) {
	if err := d.Term(); err != nil {
		b.logger.Warn("failed to reject broker message", "queue", queue, "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.consumed.WithLabelValues(queue, "term").Inc()
	}
}

func (b *Bridge) teardown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, cc := range b.consumers {
		cc.Stop()
	}
	b.consumers = nil

	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.js = nil
}

// Connected reports whether the bridge currently holds a live connection
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil && b.conn.IsConnected()
}
