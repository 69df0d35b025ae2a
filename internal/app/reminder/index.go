package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
)

const (
	DefaultDueKey = "tasky:reminders:due"
	DefaultLease  = 5 * time.Minute
)

// DueIndex holds reminders that arrived before their send time.
type DueIndex interface {
	// Add stores r to become due at dueAt. Adding the same reminder again
	// moves its due time.
	Add(ctx context.Context, r contracts.EmailReminder, dueAt time.Time) error
	// Claim leases up to limit reminders due at now. A leased reminder is
	// handed to no other claimer until its lease runs out; one that is never
	// acknowledged becomes due again afterwards.
	Claim(ctx context.Context, now time.Time, limit int) ([]contracts.EmailReminder, error)
	// Ack removes a claimed reminder for good.
	Ack(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

// claimScript moves every due id to the lease deadline and returns its
// payload. Ids whose payload vanished are dropped.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
local out = {}
for _, id in ipairs(ids) do
  local payload = redis.call('HGET', KEYS[2], id)
  if payload then
    redis.call('ZADD', KEYS[1], ARGV[2], id)
    table.insert(out, payload)
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

// RedisIndex keeps reminder ids in a sorted set scored by due unix millis and
// their JSON in a hash next to it.
type RedisIndex struct {
	client     redis.Cmdable
	key        string
	payloadKey string

	Lease time.Duration
}

func NewRedisIndex(client redis.Cmdable, key string) *RedisIndex {
	if key == "" {
		key = DefaultDueKey
	}
	return &RedisIndex{client: client, key: key, payloadKey: key + ":payload", Lease: DefaultLease}
}

func (x *RedisIndex) Add(ctx context.Context, r contracts.EmailReminder, dueAt time.Time) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reminder %s: %w", r.ID, err)
	}
	_, err = x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, x.payloadKey, r.ID, payload)
		pipe.ZAdd(ctx, x.key, redis.Z{Score: float64(dueAt.UnixMilli()), Member: r.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("index reminder %s: %w", r.ID, err)
	}
	return nil
}

func (x *RedisIndex) Claim(ctx context.Context, now time.Time, limit int) ([]contracts.EmailReminder, error) {
	payloads, err := claimScript.Run(ctx, x.client, []string{x.key, x.payloadKey},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(x.Lease).UnixMilli(), 10),
		limit,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim from %s: %w", x.key, err)
	}

	claimed := make([]contracts.EmailReminder, 0, len(payloads))
	var errs []error
	for _, payload := range payloads {
		var r contracts.EmailReminder
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			errs = append(errs, fmt.Errorf("decode indexed reminder: %w", err))
			continue
		}
		claimed = append(claimed, r)
	}
	return claimed, errors.Join(errs...)
}

func (x *RedisIndex) Ack(ctx context.Context, id string) error {
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, x.key, id)
		pipe.HDel(ctx, x.payloadKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack reminder %s: %w", id, err)
	}
	return nil
}

func (x *RedisIndex) Len(ctx context.Context) (int, error) {
	n, err := x.client.ZCard(ctx, x.key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", x.key, err)
	}
	return int(n), nil
}

// DelayQueueIndex parks early reminders on the broker instead of an external
// store. Add republishes the reminder to the reminder retry queue with a TTL
// of at most MaxHold; on expiry the broker routes it back to the reminder
// queue, where the consumer sees it again. Nothing is ever held in process,
// so Claim always comes back empty and the worker has nothing to do.
//
// Messages in one queue expire in order, so a reminder can be late by up to
// MaxHold.
type DelayQueueIndex struct {
	publisher Publisher
	queue     string

	MaxHold time.Duration
	Now     func() time.Time
}

func NewDelayQueueIndex(publisher Publisher) *DelayQueueIndex {
	return &DelayQueueIndex{
		publisher: publisher,
		queue:     amqputil.RetryQueue(contracts.ReminderQueue),
		MaxHold:   30 * time.Second,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (x *DelayQueueIndex) Add(ctx context.Context, r contracts.EmailReminder, dueAt time.Time) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reminder %s: %w", r.ID, err)
	}
	hold := min(max(dueAt.Sub(x.Now()), time.Millisecond), x.MaxHold)
	msg := amqp091.Publishing{
		Headers:      amqp091.Table{contracts.HeaderScheduledAt: dueAt.UnixMilli()},
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    r.ID,
		Expiration:   strconv.FormatInt(hold.Milliseconds(), 10),
		Body:         body,
	}
	if err := x.publisher.Publish(ctx, "", x.queue, msg); err != nil {
		return fmt.Errorf("park reminder %s: %w", r.ID, err)
	}
	return nil
}

func (x *DelayQueueIndex) Claim(context.Context, time.Time, int) ([]contracts.EmailReminder, error) {
	return nil, nil
}

func (x *DelayQueueIndex) Ack(context.Context, string) error { return nil }

func (x *DelayQueueIndex) Len(context.Context) (int, error) { return 0, nil }
