package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/backend/memory"
	"github.com/reservehq/holdflow/backend/redis"
	"github.com/reservehq/holdflow/backend/sqlite"
	"github.com/reservehq/holdflow/service"
)

type serveOptions struct {
	addr         string
	store        string
	sqlitePath   string
	redisAddr    string
	holdDuration time.Duration
	trace        bool
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reservation-hold HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.store, "store", "memory", "store to use: memory, sqlite or redis")
	cmd.Flags().StringVar(&opts.sqlitePath, "sqlite-path", "holdflow.sqlite", "path to the sqlite database")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", "localhost:6379", "redis address")
	cmd.Flags().DurationVar(&opts.holdDuration, "hold-duration", 15*time.Minute, "how long a hold stays reservable")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "emit traces to stdout")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	backendOpts := []backend.BackendOption{
		backend.WithLogger(logger),
	}

	if opts.trace {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("creating trace exporter: %w", err)
		}

		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()

		backendOpts = append(backendOpts, backend.WithTracerProvider(tp))
	}

	var b backend.Backend
	switch opts.store {
	case "memory":
		b = memory.NewMemoryBackend(backendOpts...)
	case "sqlite":
		var err error
		b, err = sqlite.NewSqliteBackend(opts.sqlitePath, backendOpts...)
		if err != nil {
			return fmt.Errorf("opening sqlite store: %w", err)
		}
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: opts.redisAddr})
		b = redis.NewRedisBackend(client, backendOpts...)
	default:
		return fmt.Errorf("unknown store %q", opts.store)
	}
	defer b.Close()

	svc, err := service.New(b, service.WithHoldDuration(opts.holdDuration))
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.RecoverSuspended(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    opts.addr,
		Handler: newHandler(svc, logger),
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", opts.addr, "store", opts.store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
