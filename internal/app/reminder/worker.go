package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/platform/metrics"
)

// Worker sends reminders from the due index once their time has come.
type Worker struct {
	index    DueIndex
	sender   Sender
	logger   zerolog.Logger
	interval time.Duration
	backoff  time.Duration
	batch    int

	Now func() time.Time
}

func NewWorker(index DueIndex, sender Sender, interval, backoff time.Duration, batch int, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if backoff <= 0 {
		backoff = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Worker{
		index:    index,
		sender:   sender,
		logger:   logger,
		interval: interval,
		backoff:  backoff,
		batch:    batch,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls the index until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Dur("interval", w.interval).Msg("reminder worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("reminder poll failed")
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("reminder worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick claims every due reminder, in batches, and sends it. A reminder leaves
// the index only after it was sent or rejected for good; failed sends go back
// in one backoff interval later.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	sent := 0
	for {
		now := w.Now()
		claimed, err := w.index.Claim(ctx, now, w.batch)
		for _, r := range claimed {
			if w.deliver(ctx, r, now) {
				sent++
			}
		}
		if err != nil {
			return sent, err
		}
		if len(claimed) < w.batch || ctx.Err() != nil {
			break
		}
	}
	if pending, err := w.index.Len(ctx); err == nil {
		metrics.RemindersPending.Set(float64(pending))
	}
	return sent, nil
}

func (w *Worker) deliver(ctx context.Context, r contracts.EmailReminder, now time.Time) bool {
	log := w.logger.With().Str("reminder_id", r.ID).Str("user_id", r.UserID).Logger()
	err := w.sender.Send(ctx, r)
	switch {
	case err == nil:
		metrics.RemindersSent.WithLabelValues(metrics.ResultOK).Inc()
		w.ack(ctx, r, log)
		return true
	case errors.Is(err, ErrPermanent):
		metrics.RemindersSent.WithLabelValues(metrics.ResultDropped).Inc()
		log.Error().Err(err).Msg("dropping reminder after permanent send failure")
		w.ack(ctx, r, log)
		return false
	}

	metrics.RemindersSent.WithLabelValues(metrics.ResultRetry).Inc()
	retryAt := now.Add(w.backoff)
	if addErr := w.index.Add(context.WithoutCancel(ctx), r, retryAt); addErr != nil {
		// the lease still runs out and makes it due again
		log.Error().Err(addErr).AnErr("send_error", err).Msg("reschedule reminder failed")
		return false
	}
	log.Warn().Err(err).Time("retry_at", retryAt).Msg("reminder send failed, rescheduled")
	return false
}

func (w *Worker) ack(ctx context.Context, r contracts.EmailReminder, log zerolog.Logger) {
	if err := w.index.Ack(context.WithoutCancel(ctx), r.ID); err != nil {
		log.Error().Err(err).Msg("ack reminder failed, it may be sent again after its lease")
	}
}
