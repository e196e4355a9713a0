// Package server manages individual chat connections, handling read/write
// pumps and lifecycle control for each WebSocket.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is a connection's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// closeGracePeriod bounds how long a closing connection waits for the
// peer's close frame.
const closeGracePeriod = time.Second

var (
	// ErrConnectionClosed is returned by Deliver once the connection is closing.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned by Deliver when the outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Connection is one live chat socket joined to a single room. It is a
// room.Member: broadcasts reach it through Deliver.
type Connection struct {
	id   string
	room string
	addr string
	conn *websocket.Conn
	cfg  Config
	log  *slog.Logger

	send     chan []byte
	done     chan struct{}
	readDone chan struct{}

	state       atomic.Int32
	closeOnce   sync.Once
	closeCode   int
	closeReason string
	releaseOnce sync.Once

	limiter *tokenBucket
}

// NewConnection wraps conn for roomID. The connection starts in
// StateConnecting; the gateway opens it. conn may be nil in tests that
// only exercise the queue.
func NewConnection(conn *websocket.Conn, roomID, addr string, cfg Config, log *slog.Logger) *Connection {
	cfg = cfg.Sanitize()
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	id := uuid.NewString()

	return &Connection{
		id:       id,
		room:     roomID,
		addr:     addr,
		conn:     conn,
		cfg:      cfg,
		log:      log.With("conn", id, "room", roomID, "remote", addr),
		send:     make(chan []byte, cfg.SendBufferSize),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		limiter:  newTokenBucket(cfg.RateLimit),
	}
}

// ID returns the connection's session token.
func (c *Connection) ID() string { return c.id }

// Room returns the room the connection was opened for.
func (c *Connection) Room() string { return c.room }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// Done is closed once the connection starts closing.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Deliver queues payload for the writer. It is safe to call from any
// goroutine. When the queue is full it waits up to WriteTimeout for space;
// a connection that stays full that long is closed as a slow consumer.
func (c *Connection) Deliver(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
	}

	timer := time.NewTimer(c.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-timer.C:
		c.log.Warn("ws.slow_consumer", "queued", len(c.send), "waited", c.cfg.WriteTimeout)
		c.Close(websocket.CloseTryAgainLater, "slow consumer")
		return ErrSendBufferFull
	}
}

// Close starts closing the connection with the given close code. The writer
// sends the close frame and shuts the socket, which in turn ends the
// reader. Only the first call has an effect. CloseAbnormalClosure means the
// peer is gone and no close frame is sent.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeReason = code, reason
		c.setState(StateClosing)
		close(c.done)
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Connection) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
		c.log.Warn("ws.read_deadline", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	})
}

// readFrame reads the next data frame, buffering at most MaxMessageSize+1
// bytes of it.
func (c *Connection) readFrame() (int, []byte, error) {
	messageType, r, err := c.conn.NextReader()
	if err != nil {
		return 0, nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, c.cfg.MaxMessageSize+1))
	if err != nil {
		return 0, nil, err
	}
	return messageType, data, nil
}

// readPump hands every valid inbound message to handle, in arrival order,
// until the connection ends. It returns the error that ended it.
func (c *Connection) readPump(handle func(payload []byte)) error {
	defer close(c.readDone)
	c.setupReadConnection()

	for {
		messageType, data, err := c.readFrame()
		if err != nil {
			c.closeForReadError(err)
			return err
		}

		payload, err := decodeFrame(messageType, data, c.cfg.MaxMessageSize)
		switch {
		case errors.Is(err, errEmptyFrame):
			c.log.Debug("ws.empty_frame")
			continue
		case err != nil:
			c.log.Warn("ws.protocol_violation", "err", err, "bytes", len(data))
			c.Close(websocket.ClosePolicyViolation, err.Error())
			c.drain()
			return err
		}

		handle(payload)
	}
}

// drain discards inbound data until the peer answers our close frame or
// closeGracePeriod passes, so the peer reads the close status instead of a
// reset caused by unread data.
func (c *Connection) drain() {
	if err := c.conn.SetReadDeadline(time.Now().Add(closeGracePeriod)); err != nil {
		return
	}
	for {
		_, r, err := c.conn.NextReader()
		if err != nil {
			return
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return
		}
	}
}

// closeForReadError logs why the reader stopped and closes accordingly.
func (c *Connection) closeForReadError(err error) {
	var closeErr *websocket.CloseError
	var netErr net.Error

	switch {
	case errors.As(err, &closeErr):
		c.log.Info("ws.closed_by_peer", "code", closeErr.Code, "text", closeErr.Text)
		c.Close(websocket.CloseNormalClosure, "")
	case errors.As(err, &netErr) && netErr.Timeout():
		c.log.Info("ws.idle_timeout", "after", c.cfg.IdleTimeout)
		c.Close(websocket.CloseGoingAway, "idle timeout")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		c.log.Info("ws.connection_lost", "err", err)
		c.Close(websocket.CloseAbnormalClosure, "")
	default:
		c.log.Warn("ws.read_error", "err", err)
		c.Close(websocket.CloseAbnormalClosure, "")
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.closeSocket()
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.writeText(payload); err != nil {
				c.abortWrite("ws.write_error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.abortWrite("ws.ping_error", err)
				return
			}
		case <-c.done:
			if c.writeCloseFrame() {
				c.awaitReader()
			}
			return
		}
	}
}

// writeText writes one chat message as its own text frame.
func (c *Connection) writeText(payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) abortWrite(event string, err error) {
	if !isExpectedCloseError(err) {
		c.log.Warn(event, "err", err)
	}
	c.Close(websocket.CloseAbnormalClosure, "")
}

// writeCloseFrame sends the close status and reports whether one was sent.
func (c *Connection) writeCloseFrame() bool {
	if c.closeCode == websocket.CloseAbnormalClosure {
		return false
	}
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("ws.close_frame", "err", err)
		}
		return false
	}
	return true
}

// awaitReader gives the peer closeGracePeriod to answer the close frame
// before the socket is torn down.
func (c *Connection) awaitReader() {
	timer := time.NewTimer(closeGracePeriod)
	defer timer.Stop()

	select {
	case <-c.readDone:
	case <-timer.C:
	}
}

// closeSocket safely closes the WebSocket connection with proper error handling
func (c *Connection) closeSocket() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("ws.close", "err", err)
	}
}
