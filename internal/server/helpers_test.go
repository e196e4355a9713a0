package server_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-rooms/internal/metrics"
	"github.com/Tyrowin/gochat-rooms/internal/room"
	"github.com/Tyrowin/gochat-rooms/internal/server"
)

const (
	testOrigin  = "http://localhost:8080"
	waitTimeout = 2 * time.Second
)

// testServer is a running gateway backed by its own registry and metrics.
type testServer struct {
	*httptest.Server
	registry *room.Registry
	gateway  *server.Gateway
	metrics  *metrics.Metrics
}

// newTestServer starts a gateway with test-friendly defaults. customize may
// adjust the configuration before the gateway is built.
func newTestServer(t *testing.T, customize func(cfg *server.Config)) *testServer {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.RateLimit = server.RateLimitConfig{Burst: 1000, RefillInterval: time.Second}
	if customize != nil {
		customize(cfg)
	}

	registry := room.NewRegistry()
	m := metrics.New()
	m.TrackRooms(registry.Len)
	gateway := server.NewGateway(*cfg, registry, m, nil)
	ts := httptest.NewServer(server.SetupRoutes(gateway, registry, m))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gateway.Shutdown(ctx)
		ts.Close()
	})

	return &testServer{Server: ts, registry: registry, gateway: gateway, metrics: m}
}

func (s *testServer) chatURL(path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + server.ChatPathPrefix + path
}

// dial opens a raw WebSocket to /chat/<path> with the allowed origin.
func (s *testServer) dial(path string, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(s.chatURL(path), headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// join connects to roomID and waits until the registry reports the new
// member, so broadcasts sent afterwards are guaranteed to reach it.
func (s *testServer) join(t *testing.T, roomID string) *websocket.Conn {
	t.Helper()

	before := s.registry.Count(roomID)
	conn, _, err := s.dial(roomID, testOrigin)
	if err != nil {
		t.Fatalf("Failed to connect to room %q: %v", roomID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	eventually(t, func() bool { return s.registry.Count(roomID) > before },
		"connection never joined room %q", roomID)
	return conn
}

// eventually polls cond until it holds or waitTimeout passes.
func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("Failed to send %q: %v", text, err)
	}
}

// expectMessage requires the next message on conn to be want.
func expectMessage(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(waitTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Expected message %q, got error: %v", want, err)
	}
	if messageType != websocket.TextMessage {
		t.Errorf("Expected a text frame, got type %d", messageType)
	}
	if string(data) != want {
		t.Fatalf("Expected message %q, got %q", want, data)
	}
}

// expectNoMessage requires conn to stay silent for timeout. A timed-out
// gorilla connection cannot be read again, so this must be the last read.
func expectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, got %q", data)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Expected read timeout, got: %v", err)
	}
}

// expectClose requires the server to close conn with code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(waitTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			t.Logf("Ignoring message %q while waiting for close", data)
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("Expected close code %d, got: %v", code, err)
		}
		return
	}
}

// collect reads until n messages arrived or waitTimeout passes.
func collect(t *testing.T, conn *websocket.Conn, n int) []string {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(waitTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var got []string
	for len(got) < n {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Received %d of %d messages before error: %v (got %v)", len(got), n, err, got)
		}
		got = append(got, string(data))
	}
	return got
}
