package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/tasky-app/tasky/internal/contracts"
)

var ErrInvalidRequest = errors.New("invalid reminder request")

type ScheduleRequest struct {
	UserID      string    `json:"userId" validate:"required"`
	Email       string    `json:"email" validate:"required,email"`
	Subject     string    `json:"subject" validate:"required"`
	Body        string    `json:"body"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error
}

// Service enqueues reminders on the reminder queue.
type Service struct {
	publisher Publisher
	validate  *validator.Validate
	logger    zerolog.Logger

	Now   func() time.Time
	NewID func() string
}

func NewService(publisher Publisher, logger zerolog.Logger) *Service {
	return &Service{
		publisher: publisher,
		validate:  validator.New(),
		logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
}

// Schedule publishes the reminder. Unlike Todo events a broker failure is
// returned, since enqueueing is the whole point of the call.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (contracts.EmailReminder, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.Struct(req); err != nil {
		return contracts.EmailReminder{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := s.Now()
	r := contracts.EmailReminder{
		ID:          s.NewID(),
		UserID:      req.UserID,
		Email:       req.Email,
		Subject:     req.Subject,
		Body:        req.Body,
		ScheduledAt: req.ScheduledAt.UTC(),
		CreatedAt:   now,
	}
	if req.ScheduledAt.IsZero() {
		r.ScheduledAt = now
	}

	body, err := json.Marshal(r)
	if err != nil {
		return contracts.EmailReminder{}, fmt.Errorf("encode reminder: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    r.ID,
		Timestamp:    now,
		Headers:      amqp091.Table{contracts.HeaderScheduledAt: r.ScheduledAt.UnixMilli()},
		Body:         body,
	}
	if err := s.publisher.Publish(ctx, "", contracts.ReminderQueue, msg); err != nil {
		return contracts.EmailReminder{}, fmt.Errorf("enqueue reminder: %w", err)
	}
	s.logger.Info().Str("reminder_id", r.ID).Str("user_id", r.UserID).Time("scheduled_at", r.ScheduledAt).Msg("email reminder scheduled")
	return r, nil
}
