// Package app wires configuration, logging, tracing and the HTTP surface
// into a runnable server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"platecal/internal/backend"
	"platecal/internal/config"
	"platecal/internal/jobs"
	"platecal/internal/rollup"
	transport "platecal/internal/transport/http"
	"platecal/internal/ws"
)

// progressEventsPerSec throttles per-job websocket progress updates.
const progressEventsPerSec = 5

// Application holds the assembled server and its dependencies.
type Application struct {
	Config *config.Config
	Logger *slog.Logger
	Server *http.Server

	hub           *ws.Hub
	traceProvider *sdktrace.TracerProvider
}

// NewApplication loads configuration and assembles every component.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	tp, err := newTraceProvider()
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	otel.SetTracerProvider(tp)

	repo := backend.NewFileRepository(cfg.Paths.TestLibraryDir)
	proc := backend.NewHTTPProcessor(cfg.Backend, logger)
	rollupSvc := rollup.NewService(logger, cfg, repo, proc)

	hub := ws.NewHub(logger)
	manager := jobs.NewManager(logger, hub)
	progress := jobs.NewProgressBroadcaster(hub, progressEventsPerSec)

	router := transport.NewRouter(transport.Deps{
		Logger:   logger,
		Config:   cfg,
		Repo:     repo,
		Proc:     proc,
		Rollup:   rollupSvc,
		Jobs:     manager,
		Progress: progress,
		Hub:      hub,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Application{
		Config:        cfg,
		Logger:        logger,
		Server:        server,
		hub:           hub,
		traceProvider: tp,
	}, nil
}

// Run starts the server and blocks until an interrupt or a server error.
func (a *Application) Run() error {
	a.hub.Start()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		a.Logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}
	a.hub.Stop()
	if err := a.traceProvider.Shutdown(ctx); err != nil {
		a.Logger.Error("trace provider shutdown failed", slog.String("error", err.Error()))
	}
	a.Logger.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}

func newTraceProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	), nil
}
