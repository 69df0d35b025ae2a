package notification

import (
	"context"
	"errors"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
)

type Materializer interface {
	Materialize(ctx context.Context, event contracts.Event) (contracts.Notification, error)
}

// Dispatcher decodes Todo event deliveries and materializes them.
type Dispatcher struct {
	materializer Materializer
	logger       zerolog.Logger
}

func NewDispatcher(m Materializer, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{materializer: m, logger: logger}
}

// Handle is an amqputil.Handler. Unknown event types are acknowledged and
// dropped, undecodable envelopes are dead-lettered and storage failures are
// retried.
func (d *Dispatcher) Handle(ctx context.Context, delivery amqp091.Delivery) amqputil.Outcome {
	log := d.logger.With().Uint64("delivery_tag", delivery.DeliveryTag).Str("routing_key", delivery.RoutingKey).Logger()

	event, _, err := contracts.DecodeEnvelope(delivery.Body)
	switch {
	case errors.Is(err, contracts.ErrUnknownEventType):
		log.Warn().Err(err).Msg("dropping event of unknown type")
		return amqputil.Drop
	case err != nil:
		log.Error().Err(err).Msg("dead-lettering malformed event")
		return amqputil.DeadLetter
	}

	todoID, userID, _ := event.Todo()
	log = log.With().Str("event_type", event.Kind().String()).Int("todo_id", todoID).Str("user_id", userID).Logger()

	switch event.(type) {
	case contracts.TodoCreated, contracts.TodoCompleted, contracts.TodoDeleted:
		n, err := d.materializer.Materialize(ctx, event)
		if err != nil {
			log.Error().Err(err).Int("retry", amqputil.RetryCount(delivery.Headers)).Msg("materialize notification failed")
			return amqputil.Retry
		}
		log.Info().Int64("notification_id", n.ID).Msg("notification materialized")
		return amqputil.Ack
	default:
		log.Error().Msg("decoded event has no materializer")
		return amqputil.DeadLetter
	}
}
