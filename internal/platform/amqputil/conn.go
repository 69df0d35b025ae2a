// Package amqputil wraps amqp091-go with the connection, publishing and
// consuming policies shared by tasky services.
package amqputil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var ErrConnectExhausted = errors.New("amqp connect attempts exhausted")

// DialFunc opens a broker connection.
type DialFunc func() (*amqp091.Connection, error)

// SetupFunc declares the topology a publisher or consumer relies on.
type SetupFunc func(ch *amqp091.Channel) error

// Dialer returns a DialFunc for url that names the connection after the
// calling service so it is identifiable in the management UI.
func Dialer(url, connectionName string, heartbeat time.Duration) DialFunc {
	return func() (*amqp091.Connection, error) {
		props := amqp091.NewConnectionProperties()
		props.SetClientConnectionName(connectionName)
		cfg := amqp091.Config{Properties: props, Heartbeat: heartbeat}
		conn, err := amqp091.DialConfig(url, cfg)
		if err != nil {
			return nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		return conn, nil
	}
}

// ConnectWithRetry dials up to attempts times with a fixed delay in between.
func ConnectWithRetry(ctx context.Context, dial DialFunc, attempts int, delay time.Duration, logger zerolog.Logger) (*amqp091.Connection, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := dial()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", attempts).Msg("rabbitmq connection failed")
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectExhausted, attempts, lastErr)
}
