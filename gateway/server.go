package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ishakdeveloper/new-stack-sub000/broker"
	"github.com/ishakdeveloper/new-stack-sub000/errors"
	"github.com/ishakdeveloper/new-stack-sub000/event"
	"github.com/ishakdeveloper/new-stack-sub000/metric"
	"github.com/ishakdeveloper/new-stack-sub000/router"
	"github.com/ishakdeveloper/new-stack-sub000/wire"
)

// Publisher is the broker write side the server needs
type Publisher interface {
	Publish(ctx context.Context, opcode string, payload json.RawMessage, ref string) error
}

// Signaler forwards voice negotiation blobs between users
type Signaler interface {
	Signal(fromUser, toUser, channelID string, signal json.RawMessage) error
}

// ServerConfig holds gateway server settings
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	Path string `json:"path" yaml:"path"`

	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	IdentifyTimeout   time.Duration `json:"identify_timeout" yaml:"identify_timeout"`

	ReadBufferSize  int `json:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize int `json:"write_buffer_size" yaml:"write_buffer_size"`
	SendQueueSize   int `json:"send_queue_size" yaml:"send_queue_size"`
}

// DefaultServerConfig returns gateway server defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		Path:              "/gateway",
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		IdentifyTimeout:   10 * time.Second,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		SendQueueSize:     64,
	}
}

// Server accepts gateway connections and runs the per-connection state
// machine: hello, identify, heartbeat supervision, frame routing.
type Server struct {
	cfg      ServerConfig
	codec    wire.Codec
	index    *router.SessionIndex
	bridge   Publisher
	relay    Signaler
	events   *event.Registry
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	extra      map[string]http.Handler

	lifecycleMu sync.Mutex
	started     atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	connsMu sync.Mutex
	conns   map[string]*Conn
}

// NewServer creates a gateway server. bridge and relay may be nil in reduced
// deployments; events and metrics may be nil.
func NewServer(cfg ServerConfig, index *router.SessionIndex, bridge Publisher, relay Signaler,
	events *event.Registry, metrics *metric.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	return &Server{
		cfg:     cfg,
		codec:   wire.NewCodec(),
		index:   index,
		bridge:  bridge,
		relay:   relay,
		events:  events,
		logger:  logger,
		metrics: newMetrics(metrics, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		extra: make(map[string]http.Handler),
		conns: make(map[string]*Conn),
	}
}

// Handle mounts an extra HTTP handler (metrics, health) on the server mux.
// Must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.extra[pattern] = h
}

// Start begins accepting connections
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "check state")
	}

	serverCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(serverCtx, w, r)
	})
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		cancel()
		return errors.WrapFatal(err, "Server", "Start", "listen")
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway http server failed", "error", err)
		}
	}()

	s.started.Store(true)
	s.logger.Info("gateway listening", "addr", listener.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Addr returns the bound listen address, valid after Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, closing every live connection
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started.Load() {
		return errors.WrapFatal(errors.ErrNotStarted, "Server", "Stop", "check state")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_ = s.httpServer.Shutdown(ctx)
	s.cancel()

	s.connsMu.Lock()
	open := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.connsMu.Unlock()
	for _, c := range open {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Server", "Stop", "wait for connections")
	}

	s.started.Store(false)
	return nil
}

func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(uuid.NewString(), sock, s.codec, s.cfg.SendQueueSize, s.metrics,
		s.logger, func(c *Conn) {
			// Synchronous unregistration: after this returns no fan-out can
			// reach the socket.
			s.index.Remove(c)
			s.connsMu.Lock()
			delete(s.conns, c.ID())
			s.connsMu.Unlock()
		})

	s.connsMu.Lock()
	s.conns[conn.ID()] = conn
	s.connsMu.Unlock()

	if s.metrics != nil {
		s.metrics.connectionsActive.Inc()
		s.metrics.connectionsTotal.Inc()
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		conn.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.serveConn(ctx, conn)
	}()
}

// serveConn runs the read side of one connection's state machine
func (s *Server) serveConn(ctx context.Context, c *Conn) {
	defer c.close()

	hello, _ := json.Marshal(wire.HelloPayload{
		HeartbeatIntervalMS: s.cfg.HeartbeatInterval.Milliseconds(),
	})
	if err := c.Send(wire.Envelope{Op: wire.OpHello, D: hello}); err != nil {
		return
	}

	// Until identified, the peer gets a short deadline; after that the
	// liveness window is one heartbeat interval plus the grace timeout.
	c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdentifyTimeout))
	livenessWindow := s.cfg.HeartbeatInterval + s.cfg.HeartbeatTimeout

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, frame, err := c.sock.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Debug("closing connection after missed heartbeat window",
					"conn", c.ID(), "user", c.UserID())
				if s.metrics != nil {
					s.metrics.liveness.Inc()
				}
			}
			return
		}

		env, err := s.codec.Decode(frame)
		if err != nil {
			// One malformed frame must not take down a healthy connection
			s.logger.Warn("dropping undecodable frame", "conn", c.ID(), "error", err)
			if s.metrics != nil {
				s.metrics.decodeDrops.Inc()
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.framesReceived.WithLabelValues(env.Op.String()).Inc()
		}

		if !s.handleFrame(ctx, c, env) {
			return
		}

		if c.State() == StateConnecting {
			c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdentifyTimeout))
		} else {
			c.sock.SetReadDeadline(time.Now().Add(livenessWindow))
		}
	}
}

// handleFrame processes one decoded frame; false closes the connection
func (s *Server) handleFrame(ctx context.Context, c *Conn, env wire.Envelope) bool {
	switch env.Op {
	case wire.OpHeartbeat:
		return s.handleHeartbeat(c, env)

	case wire.OpIdentify:
		return s.handleIdentify(ctx, c, env)

	case wire.OpSubscribe, wire.OpUnsubscribe:
		if !s.requireIdentified(c) {
			return false
		}
		s.handleSubscription(c, env)
		return true

	case wire.OpVoiceSignal:
		if !s.requireIdentified(c) {
			return false
		}
		s.handleVoiceSignal(c, env)
		return true

	case wire.OpVoiceStateUpdate:
		if !s.requireIdentified(c) {
			return false
		}
		s.handleVoiceState(ctx, c, env)
		return true

	default:
		s.logger.Debug("dropping unexpected client frame", "conn", c.ID(), "op", env.Op.String())
		return true
	}
}

func (s *Server) handleHeartbeat(c *Conn, env wire.Envelope) bool {
	p, err := wire.DecodePayload[wire.HeartbeatPayload](env.D)
	if err != nil {
		s.logger.Debug("dropping invalid heartbeat", "conn", c.ID(), "error", err)
		return true
	}

	// First acknowledged heartbeat moves an identified connection to ready
	if c.State() == StateIdentified {
		c.setState(StateReady)
	}

	ack, _ := json.Marshal(wire.HeartbeatPayload{Timestamp: p.Timestamp})
	if err := c.Send(wire.Envelope{Op: wire.OpHeartbeatAck, D: ack}); err != nil {
		return false
	}
	return true
}

func (s *Server) handleIdentify(ctx context.Context, c *Conn, env wire.Envelope) bool {
	if c.State() != StateConnecting {
		s.logger.Debug("duplicate identify ignored", "conn", c.ID())
		return true
	}

	p, err := wire.DecodePayload[wire.IdentifyPayload](env.D)
	if err != nil {
		s.sendInvalidSession(c, "malformed identify")
		return false
	}

	c.identify(p.UserID)
	s.index.Add(c)

	if s.events != nil {
		s.events.Emit("connection_identified", c)
	}

	// Resolve the full profile through the auth service; the auth:success
	// reply comes back through the broker like any other delivery.
	if s.bridge != nil {
		req, _ := json.Marshal(map[string]string{"user_id": p.UserID, "to_user_id": p.UserID})
		if err := s.bridge.Publish(ctx, broker.OpAuthRequestUser, req, uuid.NewString()); err != nil {
			s.logger.Warn("auth request publish failed", "user", p.UserID, "error", err)
		}
	}

	s.logger.Info("connection identified", "conn", c.ID(), "user", p.UserID)
	return true
}

// requireIdentified enforces the protocol boundary: data-class frames before
// identify invalidate the session.
func (s *Server) requireIdentified(c *Conn) bool {
	if c.UserID() != "" {
		return true
	}
	s.sendInvalidSession(c, "frame before identify")
	return false
}

func (s *Server) sendInvalidSession(c *Conn, reason string) {
	if s.metrics != nil {
		s.metrics.invalidSessions.Inc()
	}
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	_ = c.SendSync(wire.Envelope{Op: wire.OpInvalidSession, D: payload})
	s.logger.Debug("invalid session", "conn", c.ID(), "reason", reason)
}

func (s *Server) handleSubscription(c *Conn, env wire.Envelope) {
	p, err := wire.DecodePayload[wire.SubscribePayload](env.D)
	if err != nil {
		s.logger.Debug("dropping invalid subscription", "conn", c.ID(), "error", err)
		return
	}

	join := env.Op == wire.OpSubscribe
	switch p.Kind {
	case wire.SubscribeChannel:
		if join {
			s.index.JoinChannel(c, p.ID)
		} else {
			s.index.LeaveChannel(c, p.ID)
		}
	case wire.SubscribeGuild:
		if join {
			s.index.JoinGuild(c, p.ID)
		} else {
			s.index.LeaveGuild(c, p.ID)
		}
	}
}

func (s *Server) handleVoiceSignal(c *Conn, env wire.Envelope) {
	p, err := wire.DecodePayload[wire.VoiceSignalPayload](env.D)
	if err != nil {
		s.logger.Debug("dropping invalid voice signal", "conn", c.ID(), "error", err)
		return
	}

	if s.relay == nil {
		return
	}
	// The sender's identity comes from the connection, never the payload
	if err := s.relay.Signal(c.UserID(), p.ToUserID, p.ChannelID, p.Signal); err != nil {
		s.logger.Warn("voice signal relay failed", "conn", c.ID(), "error", err)
	}
}

func (s *Server) handleVoiceState(ctx context.Context, c *Conn, env wire.Envelope) {
	p, err := wire.DecodePayload[wire.VoiceStatePayload](env.D)
	if err != nil {
		s.logger.Debug("dropping invalid voice state", "conn", c.ID(), "error", err)
		return
	}
	p.UserID = c.UserID()

	if s.bridge == nil {
		return
	}
	payload, _ := json.Marshal(p)
	if err := s.bridge.Publish(ctx, broker.OpVoiceStateUpdate, payload, ""); err != nil {
		s.logger.Warn("voice state publish failed", "conn", c.ID(), "error", err)
	}
}
