package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tasky-app/tasky/internal/contracts"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Error(0)
}

func newTestProducer(pub Publisher, opts ...ProducerOption) *Producer {
	p := NewProducer(pub, zerolog.Nop(), opts...)
	p.Now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	p.NewID = func() string { return "msg-1" }
	return p
}

func TestProducerPublishesEnvelope(t *testing.T) {
	pub := &mockPublisher{}
	var sent amqp091.Publishing
	pub.On("Publish", mock.Anything, EventsExchange, "todo.completed", mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(3).(amqp091.Publishing) }).
		Return(nil).Once()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	newTestProducer(pub).Publish(context.Background(), contracts.TodoCompleted{TodoID: 42, UserID: "u1", Title: "Buy milk", CompletedAt: at})

	pub.AssertExpectations(t)
	assert.Equal(t, amqp091.Persistent, sent.DeliveryMode)
	assert.Equal(t, "application/json", sent.ContentType)
	assert.Equal(t, "msg-1", sent.MessageId)
	assert.Equal(t, "TodoCompleted", sent.Type)

	event, _, err := contracts.DecodeEnvelope(sent.Body)
	require.NoError(t, err)
	completed, ok := event.(contracts.TodoCompleted)
	require.True(t, ok)
	assert.Equal(t, 42, completed.TodoID)
	assert.Equal(t, "u1", completed.UserID)
	assert.True(t, completed.CompletedAt.Equal(at))
}

func TestProducerSwallowsBrokerErrors(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, EventsExchange, "todo.created", mock.Anything).Return(errors.New("connection refused")).Once()

	assert.NotPanics(t, func() {
		newTestProducer(pub).Publish(context.Background(), contracts.TodoCreated{TodoID: 1, UserID: "u1", Title: "t"})
	})
	pub.AssertExpectations(t)
}

func TestProducerBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	st := DefaultBreakerSettings()
	st.Timeout = time.Hour
	p := newTestProducer(pub, WithBreakerSettings(st))
	for i := 0; i < 5; i++ {
		p.Publish(context.Background(), contracts.TodoDeleted{TodoID: i + 1, UserID: "u1", Title: "t"})
	}

	pub.AssertNumberOfCalls(t, "Publish", 3)
	assert.Equal(t, gobreaker.StateOpen, p.breaker.State())
}

func TestProducerSendReturnsBrokerErrors(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, EventsExchange, "todo.deleted", mock.Anything).Return(errors.New("nacked")).Once()
	pub.On("Publish", mock.Anything, EventsExchange, "todo.deleted", mock.Anything).Return(nil).Once()

	p := newTestProducer(pub)
	event := contracts.TodoDeleted{TodoID: 9, UserID: "u1", Title: "t"}
	assert.EqualError(t, p.Send(context.Background(), event), "nacked")
	assert.NoError(t, p.Send(context.Background(), event))
}

// ctxPublisher behaves like the broker publisher: a done context aborts the
// publish before the broker sees it.
type ctxPublisher struct {
	accepted int
	err      error
}

func (c *ctxPublisher) Publish(ctx context.Context, _, _ string, _ amqp091.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.err != nil {
		return c.err
	}
	c.accepted++
	return nil
}

func TestProducerPublishOutlivesCancelledRequest(t *testing.T) {
	pub := &ctxPublisher{}
	p := newTestProducer(pub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		p.Publish(ctx, contracts.TodoCreated{TodoID: i + 1, UserID: "u1", Title: "t"})
	}
	require.NoError(t, p.Send(context.Background(), contracts.TodoCreated{TodoID: 99, UserID: "u2", Title: "t"}))
	assert.Equal(t, 4, pub.accepted)
}

func TestProducerBreakerIgnoresCancellation(t *testing.T) {
	pub := &ctxPublisher{err: context.Canceled}
	st := DefaultBreakerSettings()
	st.Timeout = time.Hour
	p := newTestProducer(pub, WithBreakerSettings(st))

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, p.Send(context.Background(), contracts.TodoCreated{TodoID: i + 1, UserID: "u1", Title: "t"}), context.Canceled)
	}
	pub.err = nil
	require.NoError(t, p.Send(context.Background(), contracts.TodoCreated{TodoID: 6, UserID: "u1", Title: "t"}))
	assert.Equal(t, 1, pub.accepted)
}
