package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tasky-app/tasky/internal/app/notification"
	"github.com/tasky-app/tasky/internal/app/reminder"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/hub"
	"github.com/tasky-app/tasky/internal/messaging"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
	"github.com/tasky-app/tasky/internal/platform/auth"
	"github.com/tasky-app/tasky/internal/platform/config"
	"github.com/tasky-app/tasky/internal/platform/dbpool"
	"github.com/tasky-app/tasky/internal/platform/httpapi"
	"github.com/tasky-app/tasky/internal/platform/logging"
	"github.com/tasky-app/tasky/internal/platform/metrics"
	"github.com/tasky-app/tasky/internal/platform/natsutil"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
	logger := logging.WithService("notification-service")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(runCtx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("notification-service stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	pool, err := dbpool.Connect(ctx, cfg.Database, cfg.Database.SchemaTimeout, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := notification.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure notification schema: %w", err)
	}

	hubOpts := []hub.Option{
		hub.WithAllowedOrigins(cfg.HTTP.AllowedOrigin),
		hub.WithPingInterval(cfg.Hub.PingInterval),
		hub.WithSendBuffer(cfg.Hub.SendBuffer),
	}
	if cfg.Auth.HubRequireToken {
		hubOpts = append(hubOpts, hub.WithVerifier(auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)))
	}
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = natsutil.ConnectWithRetry(ctx, cfg.NATS.URL, "notification-service", cfg.NATS.ConnectTimeout, logging.WithComponent("nats"))
		if err != nil {
			return err
		}
		defer natsutil.Close(natsConn)
		hubOpts = append(hubOpts, hub.WithBackplane(hub.NewNATSBackplane(natsConn, logging.WithComponent("backplane"))))
	}
	realtime := hub.New(logging.WithComponent("hub"), hubOpts...)

	notifications := notification.NewService(store, realtime, logging.WithComponent("materializer"))
	dispatcher := notification.NewDispatcher(notifications, logging.WithComponent("dispatcher"))

	dial := amqputil.Dialer(cfg.RabbitMQ.URL(), "notification-service", cfg.RabbitMQ.Heartbeat)
	eventConsumer, err := amqputil.NewConsumer(consumerConfig(cfg, messaging.NotificationsQueue),
		dial, messaging.Setup(messaging.EnsureTopology), dispatcher.Handle, logging.WithComponent("event-consumer"))
	if err != nil {
		return err
	}

	publisher := amqputil.NewPublisher(dial, messaging.Setup(messaging.EnsureReminderQueue), cfg.RabbitMQ.PublishTimeout)
	defer publisher.Close()
	reminders := reminder.NewService(publisher, logging.WithComponent("reminders"))

	index, err := dueIndex(ctx, cfg, publisher, logger)
	if err != nil {
		return err
	}
	sender, err := emailSender(ctx, cfg)
	if err != nil {
		return err
	}
	reminderHandler := reminder.NewHandler(index, sender, logging.WithComponent("reminder-consumer"))
	reminderConsumer, err := amqputil.NewConsumer(consumerConfig(cfg, contracts.ReminderQueue),
		dial, messaging.Setup(messaging.EnsureReminderQueue), reminderHandler.Handle, logging.WithComponent("reminder-consumer"))
	if err != nil {
		return err
	}
	worker := reminder.NewWorker(index, sender, cfg.Reminder.PollInterval, cfg.Reminder.RetryBackoff, cfg.Reminder.BatchSize, logging.WithComponent("reminder-worker"))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpapi.RequestLog(logging.WithComponent("http")))
	r.Use(httpapi.CORS(cfg.HTTP.AllowedOrigin))
	httpapi.Health(r,
		func(ctx context.Context) error { return pool.Ping(ctx) },
		consumerProbe(eventConsumer),
	)
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/notificationHub", realtime)
	notification.NewHandler(notifications).Routes(r)
	(&reminder.HTTPHandler{Service: reminders}).Routes(r)

	server := httpapi.NewServer(cfg.HTTP.NotificationAddr, r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return realtime.Run(gctx) })
	g.Go(func() error { return eventConsumer.Run(gctx) })
	g.Go(func() error { return reminderConsumer.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.NotificationAddr).Msg("notification service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown failed")
		}
		return nil
	})
	return g.Wait()
}

func consumerConfig(cfg config.Config, queue string) amqputil.ConsumerConfig {
	return amqputil.ConsumerConfig{
		Queue:           queue,
		Prefetch:        cfg.Consumer.Prefetch,
		Workers:         cfg.Consumer.Workers,
		MaxRedeliveries: cfg.Consumer.MaxRedeliveries,
		ConnectAttempts: cfg.Consumer.ConnectAttempts,
		ConnectDelay:    cfg.Consumer.ConnectDelay,
		HandlerTimeout:  cfg.Consumer.HandlerTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		RetryDelay:      cfg.Consumer.RetryDelay,
		MaxRetryDelay:   cfg.Consumer.MaxRetryDelay,
	}
}

func consumerProbe(c *amqputil.Consumer) httpapi.Probe {
	return func(context.Context) error {
		if state := c.State(); state != amqputil.StateConsuming {
			return fmt.Errorf("event consumer is %s", state)
		}
		return nil
	}
}

func dueIndex(ctx context.Context, cfg config.Config, publisher reminder.Publisher, logger zerolog.Logger) (reminder.DueIndex, error) {
	if cfg.Redis.URL == "" {
		logger.Warn().Msg("REDIS_URL is empty, early reminders are parked on the broker retry queue")
		return reminder.NewDelayQueueIndex(publisher), nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping (set REDIS_URL= to run without redis): %w", err)
	}
	return reminder.NewRedisIndex(client, reminder.DefaultDueKey), nil
}

func emailSender(ctx context.Context, cfg config.Config) (reminder.Sender, error) {
	if cfg.Email.Provider != "ses" {
		return reminder.LogSender{Logger: logging.WithComponent("email")}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Email.SESRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return reminder.NewSESSender(awsCfg, cfg.Email.From, cfg.Email.SESConfigSetName, logging.WithComponent("email")), nil
}
