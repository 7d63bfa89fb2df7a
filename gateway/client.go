package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ishakdeveloper/new-stack-sub000/errors"
	"github.com/ishakdeveloper/new-stack-sub000/event"
	"github.com/ishakdeveloper/new-stack-sub000/pkg/retry"
	"github.com/ishakdeveloper/new-stack-sub000/wire"
)

// transport is the socket surface the client needs. *websocket.Conn
// satisfies it; tests substitute an in-memory implementation.
type transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a transport to the gateway
type DialFunc func(ctx context.Context, url string) (transport, error)

func defaultDial(ctx context.Context, url string) (transport, error) {
	sock, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return sock, nil
}

// ClientConfig holds gateway client settings
type ClientConfig struct {
	URL     string          `json:"url" yaml:"url"`
	UserID  string          `json:"user_id" yaml:"user_id"`
	Profile json.RawMessage `json:"profile" yaml:"profile"`

	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	MaxReconnects     int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectDelay    time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
}

// DefaultClientConfig returns gateway client defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		MaxReconnects:     5,
		ReconnectDelay:    time.Second,
	}
}

// Client maintains one gateway connection, heartbeating and reconnecting
// until the context ends or the reconnect budget is spent. Dispatch frames
// are emitted on the event registry keyed by event type.
type Client struct {
	cfg    ClientConfig
	codec  wire.Codec
	events *event.Registry
	logger *slog.Logger
	dial   DialFunc

	mu      sync.Mutex
	state   State
	sock    transport
	lastAck time.Time
	seq     int64
	rtt     time.Duration

	started    atomic.Bool
	reconnects atomic.Int64
	closed     sync.Once
	done       chan struct{}
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithDial overrides the transport dialer
func WithDial(dial DialFunc) ClientOption {
	return func(c *Client) { c.dial = dial }
}

// WithClientLogger sets the client logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger.With("component", "gateway-client") }
}

// NewClient creates a gateway client. Dispatch payloads arrive on events,
// keyed by the frame's event type.
func NewClient(cfg ClientConfig, events *event.Registry, opts ...ClientOption) *Client {
	c := &Client{
		cfg:    cfg,
		codec:  wire.NewCodec(),
		events: events,
		logger: slog.Default().With("component", "gateway-client"),
		dial:   defaultDial,
		state:  StateConnecting,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Seq returns the highest dispatch sequence number seen this session
func (c *Client) Seq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// RTT returns the round trip time measured by the last heartbeat ack
func (c *Client) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}

// Reconnects returns how many reconnect attempts this client has made
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Done is closed when the client reaches its terminal state
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s && c.events != nil {
		c.events.Emit("state_change", s)
	}
}

// Run connects and serves the session until ctx ends, the server invalidates
// the session, or the reconnect budget is spent. It returns the terminal
// error exactly once; a second call fails with ErrAlreadyStarted.
func (c *Client) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Client", "Run", "check state")
	}

	// First attempt plus MaxReconnects retries
	cfg := retry.Config{
		MaxAttempts:  c.cfg.MaxReconnects + 1,
		InitialDelay: c.cfg.ReconnectDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	first := true
	err := retry.Do(ctx, cfg, func() error {
		if !first {
			c.reconnects.Add(1)
			c.setState(StateReconnecting)
		}
		first = false
		return c.runSession(ctx)
	})

	c.setState(StateClosed)
	c.closed.Do(func() { close(c.done) })

	if err == nil || ctx.Err() != nil {
		return nil
	}
	c.logger.Error("gateway session ended", "error", err)
	if retry.IsNonRetryable(err) {
		return err
	}
	return errors.WrapFatal(errors.ErrMaxReconnects, "Client", "Run", "reconnect")
}

// runSession runs one dial-to-disconnect cycle
func (c *Client) runSession(ctx context.Context) error {
	c.setState(StateConnecting)

	sock, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return errors.WrapTransient(err, "Client", "runSession", "dial")
	}
	defer sock.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// readLoop blocks in ReadMessage on this goroutine; closing the
	// transport is the only way cancellation can unblock it.
	go func() {
		<-sessionCtx.Done()
		sock.Close()
	}()

	c.mu.Lock()
	c.sock = sock
	c.lastAck = time.Now()
	c.seq = 0
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sock = nil
		c.mu.Unlock()
	}()

	if err := c.identify(sock); err != nil {
		return err
	}
	c.setState(StateIdentified)

	var wg sync.WaitGroup
	hbErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hbErr <- c.heartbeatLoop(sessionCtx, sock)
	}()

	readErr := c.readLoop(sessionCtx, sock)
	cancel()
	sock.Close()
	wg.Wait()

	select {
	case err := <-hbErr:
		if err != nil {
			return err
		}
	default:
	}
	return readErr
}

func (c *Client) identify(sock transport) error {
	payload, err := json.Marshal(wire.IdentifyPayload{
		UserID:  c.cfg.UserID,
		Profile: c.cfg.Profile,
	})
	if err != nil {
		return errors.WrapInvalid(err, "Client", "identify", "marshal payload")
	}
	return c.write(sock, wire.Envelope{Op: wire.OpIdentify, D: payload})
}

// heartbeatLoop sends heartbeats on the interval and enforces liveness: a
// missing ack past interval+timeout ends the session.
func (c *Client) heartbeatLoop(ctx context.Context, sock transport) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	window := c.cfg.HeartbeatInterval + c.cfg.HeartbeatTimeout

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.Lock()
			silent := time.Since(c.lastAck)
			c.mu.Unlock()
			if silent > window {
				c.logger.Warn("heartbeat ack overdue, dropping session", "silent", silent)
				sock.Close()
				return errors.WrapTransient(errors.ErrHeartbeatTimeout,
					"Client", "heartbeatLoop", "check liveness")
			}

			payload, _ := json.Marshal(wire.HeartbeatPayload{
				Timestamp: time.Now().UnixMilli(),
			})
			if err := c.write(sock, wire.Envelope{Op: wire.OpHeartbeat, D: payload}); err != nil {
				return err
			}
		}
	}
}

// readLoop decodes incoming frames until the transport fails
func (c *Client) readLoop(ctx context.Context, sock transport) error {
	for {
		_, frame, err := sock.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WrapTransient(errors.ErrConnectionLost, "Client", "readLoop", "read frame")
		}

		env, err := c.codec.Decode(frame)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		if err := c.handleFrame(env); err != nil {
			return err
		}
	}
}

func (c *Client) handleFrame(env wire.Envelope) error {
	switch env.Op {
	case wire.OpHello:
		// Interval is dictated by config; the hello is informational
		return nil

	case wire.OpHeartbeatAck:
		now := time.Now()
		c.mu.Lock()
		c.lastAck = now
		if p, err := wire.DecodePayload[wire.HeartbeatPayload](env.D); err == nil && p.Timestamp > 0 {
			c.rtt = now.Sub(time.UnixMilli(p.Timestamp))
		}
		ready := c.state == StateIdentified
		c.mu.Unlock()
		if ready {
			c.setState(StateReady)
		}
		return nil

	case wire.OpDispatch:
		c.mu.Lock()
		if env.S != nil && *env.S > c.seq {
			c.seq = *env.S
		}
		c.mu.Unlock()
		if c.events != nil {
			c.events.Emit(env.T, env.D)
		}
		return nil

	case wire.OpInvalidSession:
		c.logger.Error("session invalidated by gateway")
		return retry.NonRetryable(errors.WrapFatal(errors.ErrNotIdentified,
			"Client", "handleFrame", "session invalidated"))

	default:
		c.logger.Debug("ignoring unexpected frame", "op", env.Op.String())
		return nil
	}
}

// Subscribe asks the gateway to include this connection in a channel or
// guild audience. Valid only while the session is live.
func (c *Client) Subscribe(kind, id string) error {
	return c.subscription(wire.OpSubscribe, kind, id)
}

// Unsubscribe removes this connection from a channel or guild audience
func (c *Client) Unsubscribe(kind, id string) error {
	return c.subscription(wire.OpUnsubscribe, kind, id)
}

func (c *Client) subscription(op wire.OpCode, kind, id string) error {
	sock, err := c.liveSock()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(wire.SubscribePayload{Kind: kind, ID: id})
	if err != nil {
		return errors.WrapInvalid(err, "Client", "subscription", "marshal payload")
	}
	return c.write(sock, wire.Envelope{Op: op, D: payload})
}

// SendVoiceSignal forwards a voice negotiation blob to another user
func (c *Client) SendVoiceSignal(toUserID, channelID string, signal json.RawMessage) error {
	sock, err := c.liveSock()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(wire.VoiceSignalPayload{
		FromUserID: c.cfg.UserID,
		ToUserID:   toUserID,
		ChannelID:  channelID,
		Signal:     signal,
	})
	if err != nil {
		return errors.WrapInvalid(err, "Client", "SendVoiceSignal", "marshal payload")
	}
	return c.write(sock, wire.Envelope{Op: wire.OpVoiceSignal, D: payload})
}

// liveSock returns the current session transport. Callers get a distinct
// error while a reconnect is in flight so they can retry rather than fail.
func (c *Client) liveSock() (transport, error) {
	c.mu.Lock()
	sock, state := c.sock, c.state
	c.mu.Unlock()

	if sock != nil {
		return sock, nil
	}
	if state == StateReconnecting {
		return nil, errors.WrapTransient(errors.ErrReconnectInFlight, "Client", "liveSock", "check session")
	}
	return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "liveSock", "check session")
}

func (c *Client) write(sock transport, env wire.Envelope) error {
	frame, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	if err := sock.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.WrapTransient(err, "Client", "write", "write frame")
	}
	return nil
}
