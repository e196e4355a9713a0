package main

import (
	"context"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-rooms/internal/server"
)

// runCommand parses args and returns the options the action received.
func runCommand(t *testing.T, args ...string) options {
	t.Helper()

	var got options
	cmd := newCommand(func(_ context.Context, opts options) error {
		got = opts
		return nil
	})
	if err := cmd.Run(context.Background(), append([]string{"gochat"}, args...)); err != nil {
		t.Fatalf("Run(%v) failed: %v", args, err)
	}
	return got
}

func TestCommandDefaults(t *testing.T) {
	got := runCommand(t)
	want := server.NewConfig()

	if got.Config.Addr != want.Addr {
		t.Errorf("Expected addr %q, got %q", want.Addr, got.Config.Addr)
	}
	if !slices.Equal(got.Config.AllowedOrigins, want.AllowedOrigins) {
		t.Errorf("Expected origins %v, got %v", want.AllowedOrigins, got.Config.AllowedOrigins)
	}
	if got.Config.MaxMessageSize != want.MaxMessageSize || got.Config.SendBufferSize != want.SendBufferSize {
		t.Errorf("Unexpected sizes: %+v", got.Config)
	}
	if got.Config.RateLimit != want.RateLimit {
		t.Errorf("Expected rate limit %+v, got %+v", want.RateLimit, got.Config.RateLimit)
	}
	if got.LogFormat != "text" || got.LogLevel != "info" {
		t.Errorf("Unexpected log settings: %q %q", got.LogFormat, got.LogLevel)
	}
}

func TestCommandFlags(t *testing.T) {
	got := runCommand(t,
		"--addr", ":9090",
		"--allowed-origins", "https://a.example",
		"--allowed-origins", "https://b.example",
		"--max-message-size", "512",
		"--send-buffer", "16",
		"--idle-timeout", "30s",
		"--write-timeout", "2s",
		"--shutdown-timeout", "5s",
		"--rate-limit-burst", "10",
		"--rate-limit-interval", "2s",
		"--log-format", "json",
		"--log-level", "debug",
	)

	want := server.Config{
		Addr:            ":9090",
		AllowedOrigins:  []string{"https://a.example", "https://b.example"},
		MaxMessageSize:  512,
		SendBufferSize:  16,
		IdleTimeout:     30 * time.Second,
		WriteTimeout:    2 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		RateLimit:       server.RateLimitConfig{Burst: 10, RefillInterval: 2 * time.Second},
	}
	if !reflect.DeepEqual(got.Config, want) {
		t.Errorf("Expected config %+v, got %+v", want, got.Config)
	}
	if got.LogFormat != "json" || got.LogLevel != "debug" {
		t.Errorf("Unexpected log settings: %q %q", got.LogFormat, got.LogLevel)
	}
}

func TestCommandEnvironment(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":7070")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "1024")
	t.Setenv("IDLE_TIMEOUT", "45s")
	t.Setenv("RATE_LIMIT_BURST", "3")
	t.Setenv("LOG_LEVEL", "warn")

	got := runCommand(t)

	if got.Config.Addr != ":7070" {
		t.Errorf("Expected addr from env, got %q", got.Config.Addr)
	}
	if want := []string{"https://a.example", "https://b.example"}; !slices.Equal(got.Config.AllowedOrigins, want) {
		t.Errorf("Expected origins %v, got %v", want, got.Config.AllowedOrigins)
	}
	if got.Config.MaxMessageSize != 1024 {
		t.Errorf("Expected max message size 1024, got %d", got.Config.MaxMessageSize)
	}
	if got.Config.IdleTimeout != 45*time.Second {
		t.Errorf("Expected idle timeout 45s, got %v", got.Config.IdleTimeout)
	}
	if got.Config.RateLimit.Burst != 3 {
		t.Errorf("Expected burst 3, got %d", got.Config.RateLimit.Burst)
	}
	if got.LogLevel != "warn" {
		t.Errorf("Expected log level warn, got %q", got.LogLevel)
	}
}

func TestCommandFlagOverridesEnvironment(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":7070")

	got := runCommand(t, "--addr", ":6060")
	if got.Config.Addr != ":6060" {
		t.Errorf("Expected flag to win over env, got %q", got.Config.Addr)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := options{
		Config:    server.Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		LogFormat: "text",
		LogLevel:  "error",
	}

	errc := make(chan error, 1)
	go func() { errc <- serve(ctx, opts) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestServeRejectsBadLogLevel(t *testing.T) {
	err := serve(context.Background(), options{LogFormat: "text", LogLevel: "chatty"})
	if err == nil {
		t.Error("Expected error for unknown log level")
	}
}
