package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-rooms/internal/metrics"
	"github.com/Tyrowin/gochat-rooms/internal/room"
)

// Rejection reasons recorded before a connection opens.
const (
	rejectMethod   = "method"
	rejectRoomID   = "bad_room_id"
	rejectShutdown = "shutdown"
	rejectUpgrade  = "upgrade"
)

// Gateway accepts chat connections on /chat/<room_id>, joins them to their
// room and broadcasts every inbound message to that room.
type Gateway struct {
	cfg      Config
	rooms    room.Directory
	engine   *room.Broadcaster
	metrics  *metrics.Metrics
	log      *slog.Logger
	origins  *originPolicy
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*Connection]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewGateway wires a gateway to the shared room directory. A nil metrics
// or logger is replaced by a private instance.
func NewGateway(cfg Config, rooms room.Directory, m *metrics.Metrics, log *slog.Logger) *Gateway {
	cfg = cfg.Sanitize()
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	g := &Gateway{
		cfg:     cfg,
		rooms:   rooms,
		engine:  room.NewBroadcaster(rooms, log),
		metrics: m,
		log:     log,
		origins: newOriginPolicy(cfg.AllowedOrigins, log),
		conns:   make(map[*Connection]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.origins.checkOrigin,
	}
	return g
}

// ServeHTTP upgrades GET /chat/<room_id> to a chat connection. The room id
// is validated before the upgrade so a bad id never opens a connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.metrics.RejectedUpgrades.WithLabelValues(rejectMethod).Inc()
		http.Error(w, "Method not allowed. Chat endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	roomID, err := ParseRoomID(r.URL.EscapedPath())
	if err != nil {
		g.metrics.RejectedUpgrades.WithLabelValues(rejectRoomID).Inc()
		g.log.Info("ws.reject", "path", r.URL.Path, "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if g.isClosing() {
		g.metrics.RejectedUpgrades.WithLabelValues(rejectShutdown).Inc()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		g.metrics.RejectedUpgrades.WithLabelValues(rejectUpgrade).Inc()
		g.log.Info("ws.upgrade_failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := NewConnection(conn, roomID, r.RemoteAddr, g.cfg, g.log)
	if !g.admit(c) {
		g.metrics.RejectedUpgrades.WithLabelValues(rejectShutdown).Inc()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}
	g.open(c)
}

// admit records c as live unless the gateway is shutting down. The wait
// group is bumped under the same lock so Shutdown never waits on a
// partially started connection.
func (g *Gateway) admit(c *Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closing {
		return false
	}
	g.conns[c] = struct{}{}
	g.wg.Add(2)
	return true
}

func (g *Gateway) open(c *Connection) {
	c.setState(StateOpen)
	g.rooms.Join(c.Room(), c)
	g.metrics.Connections.Inc()
	c.log.Info("ws.open")

	go func() {
		defer g.wg.Done()
		defer g.recoverPump(c, "writer")
		c.writePump()
	}()

	go func() {
		defer g.wg.Done()
		defer g.release(c)
		defer g.recoverPump(c, "reader")

		err := c.readPump(func(payload []byte) { g.handleMessage(c, payload) })
		var perr *ProtocolError
		if errors.As(err, &perr) {
			g.metrics.ProtocolViolations.WithLabelValues(perr.Reason).Inc()
		}
	}()
}

// handleMessage broadcasts one inbound message to the sender's room.
func (g *Gateway) handleMessage(c *Connection, payload []byte) {
	if !c.limiter.allow() {
		g.metrics.MessagesRateLimited.Inc()
		c.log.Warn("ws.rate_limited",
			"burst", g.cfg.RateLimit.Burst,
			"interval", g.cfg.RateLimit.RefillInterval)
		return
	}

	res := g.engine.Broadcast(room.Message{
		Room:    c.Room(),
		Sender:  c.ID(),
		Payload: payload,
	})
	g.metrics.ObserveBroadcast(res.Delivered, res.Dropped)
}

// release is the single exit path of every connection: it leaves the room
// exactly once, whichever side ended the connection.
func (g *Gateway) release(c *Connection) {
	c.releaseOnce.Do(func() {
		c.Close(websocket.CloseNormalClosure, "")
		g.rooms.Leave(c.Room(), c)

		g.mu.Lock()
		delete(g.conns, c)
		g.mu.Unlock()

		c.setState(StateClosed)
		g.metrics.Connections.Dec()
		c.log.Info("ws.closed", "code", c.closeCode)
	})
}

// recoverPump keeps a panic in one connection from taking down the process.
func (g *Gateway) recoverPump(c *Connection, pump string) {
	if r := recover(); r != nil {
		c.log.Error("ws.panic", "pump", pump, "panic", fmt.Sprint(r))
		c.Close(websocket.CloseInternalServerErr, "internal error")
	}
}

func (g *Gateway) isClosing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

// Connections returns the number of live connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown stops accepting connections, closes every live one with a
// going-away status and waits for their goroutines to finish or for ctx
// to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := make([]*Connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	g.log.Info("gateway.shutdown.start", "connections", len(conns))
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("gateway.shutdown.complete")
		return nil
	case <-ctx.Done():
		g.log.Warn("gateway.shutdown.timeout", "err", ctx.Err())
		return ctx.Err()
	}
}
