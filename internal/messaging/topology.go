package messaging

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
)

const (
	EventsExchange     = "tasky.events"
	DeadLetterExchange = "tasky.events.dlx"
	NotificationsQueue = "tasky.notifications"
	DeadLetterQueue    = "tasky.notifications.dlq"
	ReminderQueue      = contracts.ReminderQueue
)

// Declarer is the subset of *amqp091.Channel needed to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
}

// EnsureTopology declares the event exchange, the notification queue bound to
// every Todo routing key, and the dead-letter exchange and queue behind it.
// Redeclaring with identical arguments is a no-op on the broker. Delayed
// redeliveries wait in the notification retry queue.
func EnsureTopology(ch Declarer) error {
	if err := ch.ExchangeDeclare(EventsExchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", EventsExchange, err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp091.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", DeadLetterQueue, err)
	}
	if _, err := ch.QueueDeclare(NotificationsQueue, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange": DeadLetterExchange,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", NotificationsQueue, err)
	}
	for _, kind := range contracts.Kinds {
		if err := ch.QueueBind(NotificationsQueue, kind.RoutingKey(), EventsExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s key=%s: %w", NotificationsQueue, kind.RoutingKey(), err)
		}
	}
	return amqputil.DeclareRetryQueue(ch, NotificationsQueue)
}

// EnsureReminderQueue declares the durable reminder queue fed through the
// default exchange, and its retry queue which also holds reminders waiting
// for their send time. Reminders that exhaust their retries share the event
// DLX.
func EnsureReminderQueue(ch Declarer) error {
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp091.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(ReminderQueue, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange": DeadLetterExchange,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", ReminderQueue, err)
	}
	return amqputil.DeclareRetryQueue(ch, ReminderQueue)
}

// EnsureAll declares every exchange and queue tasky uses.
func EnsureAll(ch Declarer) error {
	if err := EnsureTopology(ch); err != nil {
		return err
	}
	return EnsureReminderQueue(ch)
}

// Setup adapts a declare function to the channel callback used by amqputil.
func Setup(declare func(Declarer) error) func(*amqp091.Channel) error {
	return func(ch *amqp091.Channel) error { return declare(ch) }
}
