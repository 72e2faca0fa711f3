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

	"github.com/joho/godotenv"

	"github.com/slateroom/multicam-relay/internal/config"
	"github.com/slateroom/multicam-relay/internal/httpserver"
	"github.com/slateroom/multicam-relay/internal/metrics"
	"github.com/slateroom/multicam-relay/internal/registry"
	"github.com/slateroom/multicam-relay/internal/signaling"
	"github.com/slateroom/multicam-relay/internal/state"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// Optional .env for local development; a missing file is not an error.
	_ = godotenv.Load()

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

	logger.Info("starting multicam-relay",
		"listen_addr", cfg.ListenAddr,
		"public_host", cfg.PublicHost,
		"slot_count", cfg.SlotCount,
		"mode", cfg.Mode,
	)

	store, err := state.NewRedisStore(state.RedisOptions{
		URL:                  cfg.RedisURL,
		RetryInitialInterval: cfg.StoreRetryInitialInterval,
		RetryMaxElapsed:      cfg.StoreRetryMaxElapsed,
	})
	if err != nil {
		logger.Error("failed to configure shared state store", "err", err)
		os.Exit(2)
	}
	defer store.Close()

	// Accepting connections against an unverified session would corrupt
	// subsequent state, so bootstrap failure is fatal.
	sess, err := bootstrapSession(context.Background(), logger, store, cfg.StoreBootstrapAttempts)
	if err != nil {
		logger.Error("session bootstrap failed", "attempts", cfg.StoreBootstrapAttempts, "err", err)
		os.Exit(1)
	}
	logger.Info("session ready", "film_id", sess.FilmID, "production_id", sess.ProductionID)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	reg := registry.New()
	router := signaling.NewRouter(logger, store, reg, m, cfg.SlotCount)
	sig := signaling.NewServer(logger, signaling.ServerConfig{
		Router:          router,
		IdleTimeout:     cfg.SignalingWSIdleTimeout,
		PingInterval:    cfg.SignalingWSPingInterval,
		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
	})

	srv := httpserver.New(cfg, logger, store, m, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})
	srv.Mux().Handle("GET /signaling", sig)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// bootstrapSession ensures the session identifiers exist before the relay
// accepts any connection. Each attempt already applies the store's internal
// backoff; the attempt loop bounds total startup time so the process fails
// fast instead of blocking indefinitely on an unreachable store.
func bootstrapSession(ctx context.Context, logger *slog.Logger, store state.Store, attempts int) (state.Session, error) {
	var lastErr error
	for i := 1; i <= attempts; i++ {
		sess, err := store.EnsureSession(ctx)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		logger.Warn("session bootstrap attempt failed", "attempt", i, "err", err)
	}
	return state.Session{}, lastErr
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
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
