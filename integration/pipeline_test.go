//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tasky-app/tasky/internal/app/notification"
	"github.com/tasky-app/tasky/internal/app/reminder"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/hub"
	"github.com/tasky-app/tasky/internal/messaging"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
	"github.com/tasky-app/tasky/internal/pushclient"
)

func runContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("%s container unavailable: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func runRabbitMQ(t *testing.T) string {
	addr := runContainer(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}, "5672")
	return "amqp://guest:guest@" + addr + "/"
}

func runPostgres(t *testing.T) *pgxpool.Pool {
	addr := runContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "app",
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "tasky",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}, "5432")
	pool, err := pgxpool.New(context.Background(), "postgres://app:password@"+addr+"/tasky?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func runRedis(t *testing.T) *redis.Client {
	addr := runContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	}, "6379")
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// TestTodoEventReachesConnectedClient runs producer, broker, consumer,
// Postgres materializer and hub in process and checks the end-user view.
func TestTodoEventReachesConnectedClient(t *testing.T) {
	amqpURL := runRabbitMQ(t)
	pool := runPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store := notification.NewPostgresStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))

	realtime := hub.New(zerolog.Nop())
	srv := httptest.NewServer(realtime)
	t.Cleanup(srv.Close)
	go func() { _ = realtime.Run(ctx) }()

	svc := notification.NewService(store, realtime, zerolog.Nop())
	dial := amqputil.Dialer(amqpURL, "integration", 10*time.Second)
	consumer, err := amqputil.NewConsumer(amqputil.ConsumerConfig{
		Queue:           messaging.NotificationsQueue,
		Workers:         2,
		MaxRedeliveries: 2,
		ConnectAttempts: 5,
		ConnectDelay:    time.Second,
	}, dial, messaging.Setup(messaging.EnsureTopology), notification.NewDispatcher(svc, zerolog.Nop()).Handle, zerolog.Nop())
	require.NoError(t, err)
	go func() { _ = consumer.Run(ctx) }()
	require.Eventually(t, func() bool { return consumer.State() == amqputil.StateConsuming }, 30*time.Second, 100*time.Millisecond)

	client, err := pushclient.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/notificationHub", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Login(ctx, "u1"))

	publisher := amqputil.NewPublisher(dial, messaging.Setup(messaging.EnsureTopology), 5*time.Second)
	t.Cleanup(func() { _ = publisher.Close() })
	producer := messaging.NewProducer(publisher, zerolog.Nop())
	event := contracts.TodoCreated{TodoID: 42, UserID: "u1", Title: "Buy milk", CreatedAt: time.Now().UTC()}
	require.NoError(t, producer.Send(ctx, event))
	// redelivery of the same event must not create a second row
	require.NoError(t, producer.Send(ctx, event))

	require.Eventually(t, func() bool { return len(client.Snapshot().Notifications) == 1 }, 30*time.Second, 100*time.Millisecond)
	got := client.Snapshot().Notifications[0]
	assert.Equal(t, contracts.NotificationTodoCreated, got.Type)
	assert.Contains(t, got.Message, "Buy milk")

	require.Eventually(t, func() bool {
		n, err := store.UnreadCount(ctx, "u1")
		return err == nil && n == 1
	}, 10*time.Second, 100*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.Len(t, client.Snapshot().Notifications, 1)
}

func TestMalformedEventIsDeadLettered(t *testing.T) {
	amqpURL := runRabbitMQ(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dial := amqputil.Dialer(amqpURL, "integration", 10*time.Second)
	consumer, err := amqputil.NewConsumer(amqputil.ConsumerConfig{Queue: messaging.NotificationsQueue, ConnectDelay: time.Second},
		dial, messaging.Setup(messaging.EnsureTopology), notification.NewDispatcher(nil, zerolog.Nop()).Handle, zerolog.Nop())
	require.NoError(t, err)
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = consumer.Run(consumerCtx)
	}()
	require.Eventually(t, func() bool { return consumer.State() == amqputil.StateConsuming }, 30*time.Second, 100*time.Millisecond)

	conn, err := dial()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.PublishWithContext(ctx, messaging.EventsExchange, "todo.created", false, false,
		amqpPublishing(`{"EventType":"TodoCreated","Data":`)))

	require.Eventually(t, func() bool {
		q, err := ch.QueueDeclarePassive(messaging.DeadLetterQueue, true, false, false, false, nil)
		return err == nil && q.Messages == 1
	}, 20*time.Second, 200*time.Millisecond)

	// stop consuming so the replayed message stays on the main queue
	stopConsumer()
	<-stopped

	pub, err := amqputil.NewConfirmChannel(ch)
	require.NoError(t, err)
	n, err := messaging.ReplayDeadLetters(ctx, ch, pub, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	q, err := ch.QueueDeclarePassive(messaging.NotificationsQueue, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange": messaging.DeadLetterExchange,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Messages)
}

func TestRedisIndexLeasesUntilAck(t *testing.T) {
	client := runRedis(t)
	ctx := context.Background()
	index := reminder.NewRedisIndex(client, "tasky:test:due")
	index.Lease = time.Minute
	base := time.Now().UTC().Truncate(time.Millisecond)
	due := base.Add(time.Minute)

	r := contracts.EmailReminder{ID: "r1", UserID: "u1", Email: "u1@example.com", Subject: "s", ScheduledAt: base}
	require.NoError(t, index.Add(ctx, r, due))

	claimed, err := index.Claim(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	first, err := index.Claim(ctx, due, 10)
	require.NoError(t, err)
	second, err := index.Claim(ctx, due, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Empty(t, second)
	assert.Equal(t, "r1", first[0].ID)

	n, err := index.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a leased reminder stays indexed until acked")

	again, err := index.Claim(ctx, due.Add(index.Lease), 10)
	require.NoError(t, err)
	require.Len(t, again, 1, "an expired lease hands the reminder out again")

	require.NoError(t, index.Ack(ctx, "r1"))
	n, err = index.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	exists, err := client.Exists(ctx, "tasky:test:due:payload").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func amqpPublishing(body string) amqp091.Publishing {
	return amqp091.Publishing{ContentType: "application/json", DeliveryMode: amqp091.Persistent, Body: []byte(body)}
}
