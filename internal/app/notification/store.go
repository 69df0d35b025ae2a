package notification

import (
	"context"
	"errors"
	"time"

	"github.com/tasky-app/tasky/internal/contracts"
)

var ErrNotFound = errors.New("notification not found")

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

type ListFilter struct {
	Page     int
	PageSize int
	IsRead   *bool
	Type     *contracts.NotificationType
}

func (f ListFilter) normalized() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

func (f ListFilter) offset() int {
	return (f.Page - 1) * f.PageSize
}

// Store persists notifications. Every mutation is a single atomic statement,
// so concurrent callers need no application-level locking.
type Store interface {
	// Insert stores n unless a row with the same dedup key exists, in which
	// case the existing row is returned with created=false.
	Insert(ctx context.Context, n contracts.Notification) (stored contracts.Notification, created bool, err error)
	// List returns one page of the user's notifications, newest first, and the
	// number of rows matching the filter.
	List(ctx context.Context, userID string, f ListFilter) ([]contracts.Notification, int, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	// MarkRead stamps readAt on an unread row. An already read row is returned
	// unchanged with changed=false.
	MarkRead(ctx context.Context, id int64, readAt time.Time) (n contracts.Notification, changed bool, err error)
	MarkAllRead(ctx context.Context, userID string, readAt time.Time) (int, error)
	// Delete removes the row and returns the owning user id.
	Delete(ctx context.Context, id int64) (string, error)
}
