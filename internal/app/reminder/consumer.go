package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
)

// Handler consumes the reminder queue. Due reminders are sent immediately;
// early ones are parked in the due index for the worker.
type Handler struct {
	index  DueIndex
	sender Sender
	logger zerolog.Logger

	Now func() time.Time
}

func NewHandler(index DueIndex, sender Sender, logger zerolog.Logger) *Handler {
	return &Handler{
		index:  index,
		sender: sender,
		logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Handle(ctx context.Context, d amqp091.Delivery) amqputil.Outcome {
	var r contracts.EmailReminder
	if err := json.Unmarshal(d.Body, &r); err != nil {
		h.logger.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("dead-lettering malformed reminder")
		return amqputil.DeadLetter
	}
	if r.ID == "" {
		r.ID = d.MessageId
	}
	log := h.logger.With().Str("reminder_id", r.ID).Str("user_id", r.UserID).Logger()

	dueAt := ScheduledAt(d, r)
	now := h.Now()
	if now.Before(dueAt) {
		if err := h.index.Add(ctx, r, dueAt); err != nil {
			log.Error().Err(err).Msg("index reminder failed")
			return amqputil.Retry
		}
		log.Debug().Time("due_at", dueAt).Msg("reminder parked until due")
		return amqputil.Ack
	}

	if err := h.sender.Send(ctx, r); err != nil {
		if errors.Is(err, ErrPermanent) {
			log.Error().Err(err).Msg("dead-lettering undeliverable reminder")
			return amqputil.DeadLetter
		}
		log.Warn().Err(err).Int("retry", amqputil.RetryCount(d.Headers)).Msg("send reminder failed")
		return amqputil.Retry
	}
	return amqputil.Ack
}

// ScheduledAt prefers the scheduled_at header and falls back to the body.
func ScheduledAt(d amqp091.Delivery, r contracts.EmailReminder) time.Time {
	if ms, ok := amqputil.HeaderInt(d.Headers, contracts.HeaderScheduledAt); ok {
		return time.UnixMilli(ms).UTC()
	}
	return r.ScheduledAt
}
