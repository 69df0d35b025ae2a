package messaging

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
)

// DeadLetterSource is the subset of *amqp091.Channel used to drain the
// dead-letter queue.
type DeadLetterSource interface {
	Get(queue string, autoAck bool) (amqp091.Delivery, bool, error)
}

// ReplayDeadLetters moves up to limit messages from the dead-letter queue back
// to the exchange they were originally published to, with a fresh retry budget.
// A dead letter is acked only after pub returns nil, so pub must wait for the
// broker's confirm.
func ReplayDeadLetters(ctx context.Context, ch DeadLetterSource, pub Publisher, limit int) (int, error) {
	replayed := 0
	for limit <= 0 || replayed < limit {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		d, ok, err := ch.Get(DeadLetterQueue, false)
		if err != nil {
			return replayed, fmt.Errorf("get from %s: %w", DeadLetterQueue, err)
		}
		if !ok {
			return replayed, nil
		}

		exchange, key := originalRoute(d)
		headers := amqp091.Table{}
		for k, v := range d.Headers {
			if k == "x-death" || k == "x-first-death-exchange" || k == "x-first-death-queue" ||
				k == "x-first-death-reason" || k == "x-last-death-exchange" || k == "x-last-death-queue" ||
				k == "x-last-death-reason" || k == amqputil.HeaderRetryCount {
				continue
			}
			headers[k] = v
		}
		msg := amqp091.Publishing{
			Headers:      headers,
			ContentType:  d.ContentType,
			DeliveryMode: amqp091.Persistent,
			MessageId:    d.MessageId,
			Timestamp:    d.Timestamp,
			Type:         d.Type,
			AppId:        d.AppId,
			Body:         d.Body,
		}
		if err := pub.Publish(ctx, exchange, key, msg); err != nil {
			_ = d.Nack(false, true)
			return replayed, fmt.Errorf("republish dead letter %s: %w", d.MessageId, err)
		}
		if err := d.Ack(false); err != nil {
			return replayed, fmt.Errorf("ack dead letter %s: %w", d.MessageId, err)
		}
		replayed++
	}
	return replayed, nil
}

// originalRoute reads the exchange and routing key the message had before it
// was dead-lettered.
func originalRoute(d amqp091.Delivery) (string, string) {
	exchange, key := EventsExchange, d.RoutingKey
	deaths, ok := d.Headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return exchange, key
	}
	death, ok := deaths[0].(amqp091.Table)
	if !ok {
		return exchange, key
	}
	if ex, ok := death["exchange"].(string); ok {
		exchange = ex
	}
	if keys, ok := death["routing-keys"].([]interface{}); ok && len(keys) > 0 {
		if k, ok := keys[0].(string); ok {
			key = k
		}
	}
	return exchange, key
}
