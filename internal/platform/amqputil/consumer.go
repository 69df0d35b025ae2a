package amqputil

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/tasky-app/tasky/internal/platform/metrics"
)

// Outcome tells the consumer how to settle a delivery.
type Outcome int

const (
	// Ack settles a successfully handled delivery.
	Ack Outcome = iota
	// Drop acknowledges a delivery that was deliberately ignored.
	Drop
	// Retry redelivers the message after a growing delay until
	// MaxRedeliveries is reached, then dead-letters it.
	Retry
	// DeadLetter rejects the delivery without requeue.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Drop:
		return "drop"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Handler processes one delivery. It must not settle the delivery itself.
type Handler func(ctx context.Context, d amqp091.Delivery) Outcome

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConsuming
	StateBackoff
)

var states = []State{StateDisconnected, StateConnecting, StateConsuming, StateBackoff}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

type ConsumerConfig struct {
	Queue           string
	Tag             string
	Prefetch        int
	Workers         int
	MaxRedeliveries int
	ConnectAttempts int
	ConnectDelay    time.Duration
	HandlerTimeout  time.Duration
	ShutdownTimeout time.Duration
	// RetryDelay is the wait before the first redelivery. It doubles on each
	// further attempt up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Tag == "" {
		c.Tag = "tasky-" + c.Queue
	}
	if c.Prefetch < 1 {
		c.Prefetch = 10
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.ConnectAttempts < 1 {
		c.ConnectAttempts = 5
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = 5 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = max(30*time.Second, c.RetryDelay)
	}
}

// retryDelay returns how long the attempt-th redelivery (1-based) waits.
func (c ConsumerConfig) retryDelay(attempt int) time.Duration {
	d := c.RetryDelay
	for i := 1; i < attempt && d < c.MaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, c.MaxRetryDelay)
}

// RetryQueue names the holding queue whose expired messages flow back into
// queue.
func RetryQueue(queue string) string {
	return queue + ".retry"
}

// QueueDeclarer is the subset of *amqp091.Channel needed to declare a queue.
type QueueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
}

// DeclareRetryQueue declares RetryQueue(queue). Messages published to it
// with an Expiration are dead-lettered back to queue through the default
// exchange once they expire.
func DeclareRetryQueue(ch QueueDeclarer, queue string) error {
	name := RetryQueue(queue)
	if _, err := ch.QueueDeclare(name, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// retryPublisher republishes a retried delivery. It returns nil only once
// the broker has confirmed the copy.
type retryPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error
}

// Consumer reads a queue with manual acknowledgements, hands deliveries to a
// bounded worker pool and reconnects after connection loss.
type Consumer struct {
	cfg     ConsumerConfig
	dial    DialFunc
	setup   SetupFunc
	handler Handler
	logger  zerolog.Logger

	state atomic.Int32
	// session consumes over one established connection until it is lost or
	// ctx is done.
	session func(ctx context.Context, conn *amqp091.Connection) error
}

func NewConsumer(cfg ConsumerConfig, dial DialFunc, setup SetupFunc, handler Handler, logger zerolog.Logger) (*Consumer, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("consumer queue is required")
	}
	if dial == nil || handler == nil {
		return nil, fmt.Errorf("consumer dial and handler are required")
	}
	cfg.applyDefaults()
	c := &Consumer{
		cfg:     cfg,
		dial:    dial,
		setup:   setup,
		handler: handler,
		logger:  logger.With().Str("queue", cfg.Queue).Logger(),
	}
	c.session = c.consume
	c.setState(StateDisconnected)
	return c, nil
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	for _, candidate := range states {
		v := 0.0
		if candidate == s {
			v = 1
		}
		metrics.ConsumerState.WithLabelValues(c.cfg.Queue, candidate.String()).Set(v)
	}
}

// Run consumes until ctx is cancelled. It returns an error only when the
// broker stays unreachable for every connect attempt.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)
	for {
		c.setState(StateConnecting)
		conn, err := ConnectWithRetry(ctx, c.dial, c.cfg.ConnectAttempts, c.cfg.ConnectDelay, c.logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
		}

		err = c.session(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !isRecoverable(err) {
			return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
		}

		c.setState(StateBackoff)
		c.logger.Warn().Err(err).Dur("delay", c.cfg.ConnectDelay).Msg("consumer lost broker connection, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ConnectDelay):
		}
	}
}

var errConnectionLost = errors.New("broker connection lost")

func isRecoverable(err error) bool {
	var amqpErr *amqp091.Error
	return errors.Is(err, errConnectionLost) || errors.As(err, &amqpErr) || errors.Is(err, amqp091.ErrClosed)
}

func (c *Consumer) consume(ctx context.Context, conn *amqp091.Connection) error {
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	if c.setup != nil {
		if err := c.setup(ch); err != nil {
			return err
		}
	}
	if err := DeclareRetryQueue(ch, c.cfg.Queue); err != nil {
		return err
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq retry channel: %w", err)
	}
	defer pubCh.Close()
	retries, err := NewConfirmChannel(pubCh)
	if err != nil {
		return fmt.Errorf("retry channel: %w", err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}

	connClosed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp091.Error, 1))

	tasks := make(chan amqp091.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range tasks {
				c.process(ctx, retries, d)
			}
		}()
	}

	c.setState(StateConsuming)
	c.logger.Info().Str("consumer_tag", c.cfg.Tag).Int("prefetch", c.cfg.Prefetch).Int("workers", c.cfg.Workers).Msg("consuming")

	lost := c.readLoop(ctx, deliveries, tasks, connClosed, chClosed)
	if lost == nil {
		// Stop new deliveries; unacked prefetched ones return to the queue on close.
		_ = ch.Cancel(c.cfg.Tag, false)
	}
	c.drain(tasks, &wg)
	return lost
}

// drain stops feeding workers and waits up to ShutdownTimeout for in-flight
// handlers. It reports whether they all finished.
func (c *Consumer) drain(tasks chan amqp091.Delivery, wg *sync.WaitGroup) bool {
	close(tasks)
	if !waitTimeout(wg, c.cfg.ShutdownTimeout) {
		c.logger.Warn().Dur("timeout", c.cfg.ShutdownTimeout).Msg("in-flight handlers did not finish before shutdown timeout")
		return false
	}
	return true
}

func (c *Consumer) readLoop(ctx context.Context, deliveries <-chan amqp091.Delivery, tasks chan<- amqp091.Delivery, connClosed, chClosed <-chan *amqp091.Error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-connClosed:
			return closeError(amqpErr)
		case amqpErr := <-chClosed:
			return closeError(amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errConnectionLost
			}
			select {
			case tasks <- d:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func closeError(amqpErr *amqp091.Error) error {
	if amqpErr == nil {
		return errConnectionLost
	}
	return fmt.Errorf("%w: %v", errConnectionLost, amqpErr)
}

func (c *Consumer) process(ctx context.Context, pub retryPublisher, d amqp091.Delivery) {
	start := time.Now()
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandlerTimeout)
	defer cancel()
	outcome := c.safeHandle(hctx, d)

	// a handler that ran out its timeout still gets to settle
	sctx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandlerTimeout)
	defer cancelSettle()
	settled := c.settle(sctx, pub, d, outcome)
	metrics.DeliveriesHandled.WithLabelValues(c.cfg.Queue, settled).Inc()
	metrics.DeliveryDuration.WithLabelValues(c.cfg.Queue).Observe(time.Since(start).Seconds())
}

func (c *Consumer) safeHandle(ctx context.Context, d amqp091.Delivery) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Uint64("delivery_tag", d.DeliveryTag).Msg("handler panicked")
			outcome = Retry
		}
	}()
	return c.handler(ctx, d)
}

// settle applies outcome to d and returns the metric label for what happened.
func (c *Consumer) settle(ctx context.Context, pub retryPublisher, d amqp091.Delivery, outcome Outcome) string {
	log := c.logger.With().Uint64("delivery_tag", d.DeliveryTag).Str("routing_key", d.RoutingKey).Logger()
	switch outcome {
	case Ack, Drop:
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Msg("ack failed")
		}
		return outcome.String()
	case DeadLetter:
		if err := d.Nack(false, false); err != nil {
			log.Error().Err(err).Msg("nack failed")
		}
		return metrics.ResultDead
	case Retry:
		return c.retry(ctx, pub, d, log)
	default:
		log.Error().Int("outcome", int(outcome)).Msg("unknown handler outcome, requeueing")
		_ = d.Nack(false, true)
		return metrics.ResultRetry
	}
}

func (c *Consumer) retry(ctx context.Context, pub retryPublisher, d amqp091.Delivery, log zerolog.Logger) string {
	attempt := RetryCount(d.Headers)
	if attempt >= c.cfg.MaxRedeliveries {
		log.Warn().Int("retries", attempt).Msg("redelivery limit reached, dead-lettering")
		if err := d.Nack(false, false); err != nil {
			log.Error().Err(err).Msg("nack failed")
		}
		return metrics.ResultDead
	}

	headers := copyHeaders(d.Headers)
	headers[HeaderRetryCount] = int32(attempt + 1)
	delay := c.cfg.retryDelay(attempt + 1)
	msg := amqp091.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp091.Persistent,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Expiration:      strconv.FormatInt(delay.Milliseconds(), 10),
		Body:            d.Body,
	}

	if err := pub.Publish(ctx, "", RetryQueue(c.cfg.Queue), msg); err != nil {
		log.Warn().Err(err).Msg("republish for retry failed, requeueing original")
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error().Err(nackErr).Msg("nack failed")
		}
		return metrics.ResultRetry
	}
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("ack after republish failed")
	}
	log.Debug().Int("retry", attempt+1).Dur("delay", delay).Msg("delivery scheduled for retry")
	return metrics.ResultRetry
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
