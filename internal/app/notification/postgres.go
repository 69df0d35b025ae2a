package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tasky-app/tasky/internal/contracts"
)

const createNotificationsTableSQL = `
CREATE TABLE IF NOT EXISTS notifications (
  id bigserial PRIMARY KEY,
  user_id text NOT NULL,
  title text NOT NULL,
  message text NOT NULL,
  type integer NOT NULL,
  is_read boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL DEFAULT now(),
  read_at timestamptz,
  data jsonb,
  dedup_key text UNIQUE
)`

const createNotificationsUserIndexSQL = `
CREATE INDEX IF NOT EXISTS notifications_user_created_idx
ON notifications (user_id, created_at DESC, id DESC)`

const createNotificationsUnreadIndexSQL = `
CREATE INDEX IF NOT EXISTS notifications_user_unread_idx
ON notifications (user_id) WHERE NOT is_read`

const notificationColumns = `id, user_id, title, message, type, is_read, created_at, read_at, data, dedup_key`

const insertNotificationSQL = `
INSERT INTO notifications (user_id, title, message, type, is_read, created_at, data, dedup_key)
VALUES ($1, $2, $3, $4, false, $5, $6, $7)
ON CONFLICT (dedup_key) DO NOTHING
RETURNING ` + notificationColumns

const selectByDedupKeySQL = `
SELECT ` + notificationColumns + `
FROM notifications
WHERE dedup_key = $1`

const unreadCountSQL = `
SELECT count(*) FROM notifications WHERE user_id = $1 AND NOT is_read`

// Both branches read the same snapshot, so the second only returns a row
// that the update did not touch.
const markReadSQL = `
WITH updated AS (
  UPDATE notifications
  SET is_read = true, read_at = $2
  WHERE id = $1 AND NOT is_read
  RETURNING ` + notificationColumns + `
)
SELECT ` + notificationColumns + `, true FROM updated
UNION ALL
SELECT ` + notificationColumns + `, false FROM notifications
WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM updated)`

const markAllReadSQL = `
UPDATE notifications
SET is_read = true, read_at = $2
WHERE user_id = $1 AND NOT is_read`

const deleteNotificationSQL = `
DELETE FROM notifications WHERE id = $1 RETURNING user_id`

type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createNotificationsTableSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createNotificationsUserIndexSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createNotificationsUnreadIndexSQL); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, n contracts.Notification) (contracts.Notification, bool, error) {
	var data any
	if len(n.Data) > 0 {
		data = string(n.Data)
	}
	row := s.Pool.QueryRow(ctx, insertNotificationSQL,
		n.UserID, n.Title, n.Message, int(n.Type), n.CreatedAt, data, n.DedupKey)
	stored, err := scanNotification(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || n.DedupKey == nil {
		return contracts.Notification{}, false, err
	}

	existing, err := scanNotification(s.Pool.QueryRow(ctx, selectByDedupKeySQL, *n.DedupKey))
	if err != nil {
		return contracts.Notification{}, false, fmt.Errorf("load existing notification %s: %w", *n.DedupKey, err)
	}
	return existing, false, nil
}

func (s *PostgresStore) List(ctx context.Context, userID string, f ListFilter) ([]contracts.Notification, int, error) {
	f = f.normalized()
	where := []string{"user_id = $1"}
	args := []any{userID}
	if f.IsRead != nil {
		args = append(args, *f.IsRead)
		where = append(where, "is_read = $"+strconv.Itoa(len(args)))
	}
	if f.Type != nil {
		args = append(args, int(*f.Type))
		where = append(where, "type = $"+strconv.Itoa(len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.Pool.QueryRow(ctx, "SELECT count(*) FROM notifications WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.PageSize, f.offset())
	query := fmt.Sprintf(`SELECT %s FROM notifications WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		notificationColumns, clause, len(args)-1, len(args))
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]contracts.Notification, 0, f.PageSize)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, unreadCountSQL, userID).Scan(&n)
	return n, err
}

func (s *PostgresStore) MarkRead(ctx context.Context, id int64, readAt time.Time) (contracts.Notification, bool, error) {
	var changed bool
	n, err := scanNotification(s.Pool.QueryRow(ctx, markReadSQL, id, readAt), &changed)
	if errors.Is(err, pgx.ErrNoRows) {
		return contracts.Notification{}, false, ErrNotFound
	}
	if err != nil {
		return contracts.Notification{}, false, err
	}
	return n, changed, nil
}

func (s *PostgresStore) MarkAllRead(ctx context.Context, userID string, readAt time.Time) (int, error) {
	tag, err := s.Pool.Exec(ctx, markAllReadSQL, userID, readAt)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) (string, error) {
	var userID string
	err := s.Pool.QueryRow(ctx, deleteNotificationSQL, id).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return userID, err
}

func scanNotification(row pgx.Row, extra ...any) (contracts.Notification, error) {
	var (
		n    contracts.Notification
		typ  int
		data []byte
	)
	dest := append([]any{&n.ID, &n.UserID, &n.Title, &n.Message, &typ, &n.IsRead, &n.CreatedAt, &n.ReadAt, &data, &n.DedupKey}, extra...)
	if err := row.Scan(dest...); err != nil {
		return contracts.Notification{}, err
	}
	n.Type = contracts.NotificationType(typ)
	n.Data = data
	return n, nil
}
