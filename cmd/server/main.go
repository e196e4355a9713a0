// Command server runs the GoChat room broadcast service.
//
// Every flag can also be set through the environment variable named in its
// help text; a .env file in the working directory is loaded first when present.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-rooms/internal/metrics"
	"github.com/Tyrowin/gochat-rooms/internal/room"
	"github.com/Tyrowin/gochat-rooms/internal/server"
)

const version = "1.0.0"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Warning: error loading .env file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand(serve).Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// options is everything the serve action needs from the command line.
type options struct {
	Config    server.Config
	LogFormat string
	LogLevel  string
}

func newCommand(action func(ctx context.Context, opts options) error) *cli.Command {
	defaults := server.NewConfig()

	return &cli.Command{
		Name:    "gochat",
		Usage:   "room-scoped WebSocket chat broadcast server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen address",
				Value:   defaults.Addr,
				Sources: cli.EnvVars("SERVER_ADDR"),
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origins",
				Usage:   "origins allowed to open chat connections, * for any",
				Value:   defaults.AllowedOrigins,
				Sources: cli.EnvVars("ALLOWED_ORIGINS"),
			},
			&cli.Int64Flag{
				Name:    "max-message-size",
				Usage:   "largest accepted chat message in bytes",
				Value:   defaults.MaxMessageSize,
				Sources: cli.EnvVars("MAX_MESSAGE_SIZE"),
			},
			&cli.IntFlag{
				Name:    "send-buffer",
				Usage:   "outbound messages queued per connection before drops",
				Value:   defaults.SendBufferSize,
				Sources: cli.EnvVars("SEND_BUFFER_SIZE"),
			},
			&cli.DurationFlag{
				Name:    "idle-timeout",
				Usage:   "drop connections silent for this long",
				Value:   defaults.IdleTimeout,
				Sources: cli.EnvVars("IDLE_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "write-timeout",
				Usage:   "deadline for a single socket write",
				Value:   defaults.WriteTimeout,
				Sources: cli.EnvVars("WRITE_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "shutdown-timeout",
				Usage:   "grace period for closing connections on shutdown",
				Value:   defaults.ShutdownTimeout,
				Sources: cli.EnvVars("SHUTDOWN_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "rate-limit-burst",
				Usage:   "messages a connection may send per refill interval",
				Value:   defaults.RateLimit.Burst,
				Sources: cli.EnvVars("RATE_LIMIT_BURST"),
			},
			&cli.DurationFlag{
				Name:    "rate-limit-interval",
				Usage:   "refill interval of the per-connection rate limit",
				Value:   defaults.RateLimit.RefillInterval,
				Sources: cli.EnvVars("RATE_LIMIT_REFILL_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "text or json",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return action(ctx, options{
				Config: server.Config{
					Addr:            cmd.String("addr"),
					AllowedOrigins:  cmd.StringSlice("allowed-origins"),
					MaxMessageSize:  cmd.Int64("max-message-size"),
					SendBufferSize:  cmd.Int("send-buffer"),
					IdleTimeout:     cmd.Duration("idle-timeout"),
					WriteTimeout:    cmd.Duration("write-timeout"),
					ShutdownTimeout: cmd.Duration("shutdown-timeout"),
					RateLimit: server.RateLimitConfig{
						Burst:          cmd.Int("rate-limit-burst"),
						RefillInterval: cmd.Duration("rate-limit-interval"),
					},
				},
				LogFormat: cmd.String("log-format"),
				LogLevel:  cmd.String("log-level"),
			})
		},
	}
}

// serve runs the HTTP server until ctx is cancelled, then shuts down the
// listener and the chat connections.
func serve(ctx context.Context, opts options) error {
	logger, err := server.NewLogger(os.Stdout, opts.LogFormat, opts.LogLevel)
	if err != nil {
		return err
	}
	cfg := opts.Config.Sanitize()
	logger.Info("server.start", "version", version, "addr", cfg.Addr, "origins", cfg.AllowedOrigins)

	registry := room.NewRegistry()
	m := metrics.New()
	m.TrackRooms(registry.Len)

	gateway := server.NewGateway(cfg, registry, m, logger)
	httpServer := server.CreateServer(cfg.Addr, server.SetupRoutes(gateway, registry, m))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(httpServer, logger)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownStart := time.Now()

		var errs []error
		if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
			errs = append(errs, err)
		}

		remaining := max(cfg.ShutdownTimeout-time.Since(shutdownStart), time.Second)
		gatewayCtx, cancel := context.WithTimeout(context.Background(), remaining)
		defer cancel()
		if err := gateway.Shutdown(gatewayCtx); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
