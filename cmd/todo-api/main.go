package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tasky-app/tasky/internal/app/todo"
	"github.com/tasky-app/tasky/internal/messaging"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
	"github.com/tasky-app/tasky/internal/platform/auth"
	"github.com/tasky-app/tasky/internal/platform/config"
	"github.com/tasky-app/tasky/internal/platform/dbpool"
	"github.com/tasky-app/tasky/internal/platform/httpapi"
	"github.com/tasky-app/tasky/internal/platform/logging"
	"github.com/tasky-app/tasky/internal/platform/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
	logger := logging.WithService("todo-api")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(runCtx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("todo-api stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	pool, err := dbpool.Connect(ctx, cfg.Database, cfg.Database.SchemaTimeout, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := todo.NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}

	// The broker may be down at startup; the publisher dials on first use and
	// the producer swallows failures.
	publisher := amqputil.NewPublisher(
		amqputil.Dialer(cfg.RabbitMQ.URL(), "todo-api", cfg.RabbitMQ.Heartbeat),
		messaging.Setup(messaging.EnsureTopology),
		cfg.RabbitMQ.PublishTimeout,
	)
	defer publisher.Close()
	producer := messaging.NewProducer(publisher, logging.WithComponent("producer"))

	service := todo.NewService(repo, producer)
	tokens := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpapi.RequestLog(logging.WithComponent("http")))
	r.Use(httpapi.CORS(cfg.HTTP.AllowedOrigin))
	httpapi.Health(r, func(ctx context.Context) error { return pool.Ping(ctx) })
	r.Handle("/metrics", metrics.Handler())
	todo.NewHandler(service, tokens).Routes(r)

	server := httpapi.NewServer(cfg.HTTP.TodoAddr, r)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.TodoAddr).Msg("todo api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}
