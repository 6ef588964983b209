package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/saghul/CallRoulette/internal/config"
	"github.com/saghul/CallRoulette/internal/httpserver"
	"github.com/saghul/CallRoulette/internal/matchmaker"
	"github.com/saghul/CallRoulette/internal/metrics"
	"github.com/saghul/CallRoulette/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting callroulette",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"web_root", cfg.WebRoot,
		"read_timeout", cfg.ReadTimeout,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})

	m := metrics.New()
	mm := newMatchmaker(cfg, logger, m)
	newSignalingServer(cfg, logger, m, mm).RegisterRoutes(srv.Mux())
	// Stop pairing as soon as Shutdown begins. The hook runs on its own
	// goroutine, so shutdown still waits on mm.Close itself.
	srv.RegisterOnShutdown(mm.Close)

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		mm.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	shutdown(shutdownCtx, logger, srv, mm)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// shutdown stops the HTTP server and then closes the matchmaker, returning
// once every session has ended. http.Server does not track hijacked
// WebSocket conns, so sessions are only drained by mm.Close.
func shutdown(ctx context.Context, logger *slog.Logger, srv *httpserver.Server, mm *matchmaker.Matchmaker) {
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	mm.Close()
}

func newMatchmaker(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *matchmaker.Matchmaker {
	return matchmaker.New(matchmaker.Config{
		Session: signaling.NewSessionFunc(signaling.SessionConfig{
			ReadTimeout: cfg.ReadTimeout,
			Logger:      logger,
			Metrics:     m,
		}),
		Logger:  logger,
		Metrics: m,
	})
}

func newSignalingServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, joiner signaling.Joiner) *signaling.WebSocketServer {
	return signaling.NewWebSocketServer(signaling.WebSocketConfig{
		Joiner:              joiner,
		Logger:              logger,
		Metrics:             m,
		MaxMessageBytes:     cfg.MaxSignalingMessageBytes,
		IdleTimeout:         cfg.SignalingWSIdleTimeout,
		PingInterval:        cfg.SignalingWSPingInterval,
		MessagesPerSecond:   cfg.MaxSignalingMessagesPerSecond,
		JoinsPerMinutePerIP: cfg.MaxJoinsPerMinutePerIP,
		AllowedOrigins:      cfg.AllowedOrigins,
	})
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
