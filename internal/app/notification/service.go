package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/platform/metrics"
)

// Pusher delivers realtime updates to a user's live connections.
type Pusher interface {
	PushNotification(ctx context.Context, n contracts.Notification) error
	PushUnreadCount(ctx context.Context, userID string, count int) error
}

type Service struct {
	Store  Store
	Pusher Pusher
	Logger zerolog.Logger
	Now    func() time.Time
}

func NewService(store Store, pusher Pusher, logger zerolog.Logger) *Service {
	return &Service{
		Store:  store,
		Pusher: pusher,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Materialize records the notification for event and, when the row is new,
// pushes it and the refreshed unread count to the user. A redelivered event
// returns the existing row without pushing again.
func (s *Service) Materialize(ctx context.Context, event contracts.Event) (contracts.Notification, error) {
	n := Build(event)
	n.CreatedAt = s.Now()

	stored, created, err := s.Store.Insert(ctx, n)
	if err != nil {
		return contracts.Notification{}, fmt.Errorf("store %s notification: %w", event.Kind(), err)
	}
	metrics.NotificationsCreated.WithLabelValues(stored.Type.String(), strconv.FormatBool(created)).Inc()
	if !created {
		s.Logger.Info().Int64("notification_id", stored.ID).Str("dedup_key", deref(stored.DedupKey)).Msg("duplicate event, notification already recorded")
		return stored, nil
	}

	s.push(ctx, stored)
	return stored, nil
}

func (s *Service) push(ctx context.Context, n contracts.Notification) {
	if s.Pusher == nil {
		return
	}
	if err := s.Pusher.PushNotification(ctx, n); err != nil {
		s.Logger.Warn().Err(err).Str("user_id", n.UserID).Int64("notification_id", n.ID).Msg("push notification failed")
	}
	s.pushCount(ctx, n.UserID)
}

func (s *Service) pushCount(ctx context.Context, userID string) {
	if s.Pusher == nil {
		return
	}
	count, err := s.Store.UnreadCount(ctx, userID)
	if err != nil {
		s.Logger.Warn().Err(err).Str("user_id", userID).Msg("unread count for push failed")
		return
	}
	if err := s.Pusher.PushUnreadCount(ctx, userID, count); err != nil {
		s.Logger.Warn().Err(err).Str("user_id", userID).Msg("push unread count failed")
	}
}

// Build maps an event to its notification. The result has no id or
// creation time yet.
func Build(event contracts.Event) contracts.Notification {
	todoID, userID, title := event.Todo()
	n := contracts.Notification{
		UserID: userID,
		Type:   contracts.NotificationTypeFor(event.Kind()),
	}
	switch event.(type) {
	case contracts.TodoCreated:
		n.Title = "New Todo Added"
		n.Message = fmt.Sprintf("You created a new todo titled '%s'.", title)
	case contracts.TodoCompleted:
		n.Title = "Todo Completed"
		n.Message = fmt.Sprintf("You completed the todo titled '%s'. Congratulations!", title)
	case contracts.TodoDeleted:
		n.Title = "Todo Deleted"
		n.Message = fmt.Sprintf("The todo titled '%s' was deleted.", title)
	}
	n.Data, _ = json.Marshal(struct {
		TodoID int    `json:"TodoId"`
		Title  string `json:"Title"`
	}{todoID, title})
	key := DedupKey(event)
	n.DedupKey = &key
	return n
}

// DedupKey identifies one transition of one todo. Redeliveries of the same
// event share it; a todo completed, reopened and completed again does not.
func DedupKey(event contracts.Event) string {
	todoID, _, _ := event.Todo()
	return fmt.Sprintf("%s:%d:%d", event.Kind(), todoID, event.OccurredAt().UnixMilli())
}

func (s *Service) List(ctx context.Context, userID string, f ListFilter) (contracts.NotificationPage, error) {
	f = f.normalized()
	rows, total, err := s.Store.List(ctx, userID, f)
	if err != nil {
		return contracts.NotificationPage{}, fmt.Errorf("list notifications: %w", err)
	}
	unread, err := s.Store.UnreadCount(ctx, userID)
	if err != nil {
		return contracts.NotificationPage{}, fmt.Errorf("count unread: %w", err)
	}
	if rows == nil {
		rows = []contracts.Notification{}
	}
	return contracts.NotificationPage{
		Notifications: rows,
		TotalCount:    total,
		UnreadCount:   unread,
		Page:          f.Page,
		PageSize:      f.PageSize,
		TotalPages:    (total + f.PageSize - 1) / f.PageSize,
	}, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.Store.UnreadCount(ctx, userID)
}

// MarkRead is idempotent: marking a read notification again keeps its
// original readAt.
func (s *Service) MarkRead(ctx context.Context, id int64) error {
	n, changed, err := s.Store.MarkRead(ctx, id, s.Now())
	if err != nil {
		return err
	}
	if changed {
		s.pushCount(ctx, n.UserID)
	}
	return nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	n, err := s.Store.MarkAllRead(ctx, userID, s.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.pushCount(ctx, userID)
	}
	return n, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	userID, err := s.Store.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.pushCount(ctx, userID)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
