// Command lmvd is the LMV HTTP server binary. It reads its configuration
// from the environment, opens the vault engine against the configured data
// directory, and serves the request surface until SIGTERM/SIGINT, at which
// point it drains in-flight requests before exiting.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/lmv-io/lmv/internal/config"
	"github.com/lmv-io/lmv/internal/server/rest"
	"github.com/lmv-io/lmv/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet; configuration failure is always fatal and always
		// operator error, so a plain stderr line is clearer than JSON.
		os.Stderr.WriteString("lmvd: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("lmvd starting",
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("write_gate_enabled", cfg.WriteToken != ""),
	)

	engine, err := vault.Open(cfg.DataDir, cfg.Passphrase)
	if err != nil {
		logger.Error("failed to open vault", slog.Any("error", err))
		os.Exit(1)
	}

	if state, err := engine.CurrentState(); err == nil {
		logger.Info("vault opened",
			slog.Int64("memory_version", state.Memory.Version),
			slog.Int64("ledger_cursor", state.LedgerCursor),
			slog.String("blocks_size", humanize.Bytes(uint64(len(state.Memory.Blocks)))),
		)
	}

	srv := rest.NewServer(engine, cfg.WriteToken)
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      rest.NewRouter(srv),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("lmvd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("lmvd exited cleanly")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
