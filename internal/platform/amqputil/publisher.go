package amqputil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

var ErrPublishNacked = errors.New("broker did not confirm publish")

// Publisher sends persistent messages on a confirm-mode channel. It owns its
// connection and redials lazily after the connection or channel closes.
type Publisher struct {
	dial    DialFunc
	setup   SetupFunc
	timeout time.Duration

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

func NewPublisher(dial DialFunc, setup SetupFunc, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{dial: dial, setup: setup, timeout: timeout}
}

// Publish blocks until the broker confirms msg or the publish timeout expires.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = publishConfirmed(ctx, ch, exchange, routingKey, msg)
	if err != nil && !errors.Is(err, ErrPublishNacked) && !errors.Is(err, context.Canceled) {
		// the channel may be wedged; redial on next publish
		p.resetLocked()
	}
	return err
}

// publishConfirmed publishes on a confirm-mode channel and waits for the
// broker's ack.
func publishConfirmed(ctx context.Context, ch *amqp091.Channel, exchange, routingKey string, msg amqp091.Publishing) error {
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm %s/%s: %w", exchange, routingKey, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s/%s", ErrPublishNacked, exchange, routingKey)
	}
	return nil
}

// ConfirmChannel publishes on a confirm-mode channel and returns only once the
// broker has taken responsibility for the message.
type ConfirmChannel struct {
	ch *amqp091.Channel
}

// NewConfirmChannel puts ch into confirm mode.
func NewConfirmChannel(ch *amqp091.Channel) (ConfirmChannel, error) {
	if err := ch.Confirm(false); err != nil {
		return ConfirmChannel{}, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return ConfirmChannel{ch: ch}, nil
}

func (c ConfirmChannel) Publish(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	return publishConfirmed(ctx, c.ch, exchange, routingKey, msg)
}

func (p *Publisher) channelLocked() (*amqp091.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()

	conn, err := p.dial()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if p.setup != nil {
		if err := p.setup(ch); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, err
		}
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil && !p.ch.IsClosed() {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil && !p.conn.IsClosed() {
		errs = append(errs, p.conn.Close())
	}
	p.ch, p.conn = nil, nil
	return errors.Join(errs...)
}
