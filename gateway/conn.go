package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ishakdeveloper/new-stack-sub000/errors"
	"github.com/ishakdeveloper/new-stack-sub000/wire"
)

// Conn is one accepted gateway connection. It exclusively owns its socket:
// all writes go through the outbound queue drained by a single writer
// goroutine, and the read loop is the only reader.
type Conn struct {
	id     string
	sock   *websocket.Conn
	codec  wire.Codec
	logger *slog.Logger

	mu     sync.Mutex
	userID string
	state  State

	// writeMu serializes socket writes between the writer goroutine and
	// SendSync.
	writeMu sync.Mutex

	outbound chan []byte
	done     chan struct{}
	doneOnce sync.Once

	// onClose runs exactly once, before done is closed, so index
	// unregistration completes synchronously with the close.
	onClose func(*Conn)

	metrics *Metrics
}

func newConn(id string, sock *websocket.Conn, codec wire.Codec, queueSize int,
	metrics *Metrics, logger *slog.Logger, onClose func(*Conn)) *Conn {
	return &Conn{
		id:       id,
		sock:     sock,
		codec:    codec,
		logger:   logger.With("conn", id),
		state:    StateConnecting,
		outbound: make(chan []byte, queueSize),
		done:     make(chan struct{}),
		onClose:  onClose,
		metrics:  metrics,
	}
}

// ID returns the connection id
func (c *Conn) ID() string { return c.id }

// UserID returns the identified user id, or "" before identification
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// State returns the current lifecycle state
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) identify(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.state = StateIdentified
	c.mu.Unlock()
}

// Send encodes an envelope and queues it for the writer goroutine. It never
// blocks on a slow consumer: a full queue is an error and the caller skips
// the connection.
func (c *Conn) Send(env wire.Envelope) error {
	frame, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errors.WrapTransient(errors.ErrConnectionClosed, "Conn", "Send", "check connection")
	default:
	}

	select {
	case c.outbound <- frame:
		if c.metrics != nil {
			c.metrics.framesSent.WithLabelValues(env.Op.String()).Inc()
		}
		return nil
	case <-c.done:
		return errors.WrapTransient(errors.ErrConnectionClosed, "Conn", "Send", "check connection")
	default:
		return errors.WrapTransient(
			fmt.Errorf("send queue full"),
			"Conn", "Send", "queue frame")
	}
}

// SendSync encodes an envelope and writes it to the socket before
// returning. Used for frames that must reach the peer ahead of a close.
func (c *Conn) SendSync(env wire.Envelope) error {
	frame, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errors.WrapTransient(errors.ErrConnectionClosed, "Conn", "SendSync", "check connection")
	default:
	}

	if err := c.writeFrame(frame); err != nil {
		return errors.WrapTransient(err, "Conn", "SendSync", "write frame")
	}
	if c.metrics != nil {
		c.metrics.framesSent.WithLabelValues(env.Op.String()).Inc()
	}
	return nil
}

func (c *Conn) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.sock.WriteMessage(websocket.BinaryMessage, frame)
}

// writeLoop drains the outbound queue onto the socket. It exits when the
// connection closes; a write error triggers the close path.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbound:
			if err := c.writeFrame(frame); err != nil {
				c.logger.Debug("write failed, closing connection", "error", err)
				c.close()
				return
			}
		}
	}
}

// close tears the connection down exactly once: unregister from every index
// (synchronously, via onClose), stop the writer, close the socket.
func (c *Conn) close() {
	c.doneOnce.Do(func() {
		c.setState(StateClosed)
		if c.onClose != nil {
			c.onClose(c)
		}
		close(c.done)
		c.sock.Close()
		if c.metrics != nil {
			c.metrics.connectionsActive.Dec()
		}
	})
}
