package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/platform/metrics"
)

// Publisher sends one message and reports whether the broker accepted it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error
}

// Producer publishes Todo domain events. Publishing is best effort: failures
// are logged and counted but never returned, so a broker outage cannot fail
// the Todo operation that triggered the event.
type Producer struct {
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker[struct{}]
	logger    zerolog.Logger
	Now       func() time.Time
	NewID     func() string
}

type ProducerOption func(*Producer)

// WithBreakerSettings replaces the default circuit breaker settings.
func WithBreakerSettings(st gobreaker.Settings) ProducerOption {
	return func(p *Producer) {
		p.breaker = gobreaker.NewCircuitBreaker[struct{}](st)
	}
}

func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "event-producer",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: brokerHealthy,
	}
}

// brokerHealthy reports whether err leaves the broker's health unknown to the
// breaker. A caller giving up says nothing about the broker.
func brokerHealthy(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

func NewProducer(publisher Publisher, logger zerolog.Logger, opts ...ProducerOption) *Producer {
	p := &Producer{
		publisher: publisher,
		logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](DefaultBreakerSettings())
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends event and logs the outcome. It never fails the caller.
func (p *Producer) Publish(ctx context.Context, event contracts.Event) {
	kind := event.Kind()
	todoID, userID, _ := event.Todo()
	log := p.logger.With().Str("event_type", kind.String()).Int("todo_id", todoID).Str("user_id", userID).Logger()

	err := p.Send(ctx, event)
	switch {
	case err == nil:
		metrics.EventsPublished.WithLabelValues(kind.String(), metrics.ResultOK).Inc()
		log.Debug().Str("routing_key", kind.RoutingKey()).Msg("event published")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.EventsPublished.WithLabelValues(kind.String(), metrics.ResultOpen).Inc()
		log.Warn().Err(err).Msg("event dropped, broker circuit open")
	default:
		metrics.EventsPublished.WithLabelValues(kind.String(), metrics.ResultError).Inc()
		log.Warn().Err(err).Msg("event publish failed")
	}
}

// Send publishes event through the circuit breaker and returns the broker
// outcome. The publish outlives cancellation of ctx: a transition that
// happened must produce its event even if the request that caused it is gone.
// The publisher's own timeout bounds it.
func (p *Producer) Send(ctx context.Context, event contracts.Event) error {
	msg, err := EventPublishing(event, p.Now(), p.NewID())
	if err != nil {
		return err
	}
	kind := event.Kind()
	pubCtx := context.WithoutCancel(ctx)
	_, err = p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.publisher.Publish(pubCtx, EventsExchange, kind.RoutingKey(), msg)
	})
	return err
}

// EventPublishing wraps event in its envelope as a persistent JSON message.
func EventPublishing(event contracts.Event, now time.Time, messageID string) (amqp091.Publishing, error) {
	body, err := json.Marshal(contracts.NewEnvelope(event, now))
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("encode %s envelope: %w", event.Kind(), err)
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    messageID,
		Timestamp:    now,
		Type:         event.Kind().String(),
		AppId:        "todo-api",
		Body:         body,
	}, nil
}
