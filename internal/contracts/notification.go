package contracts

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// NotificationType mirrors the numeric values stored and sent to clients.
type NotificationType int

const (
	NotificationTodoCreated   NotificationType = 1
	NotificationTodoCompleted NotificationType = 2
	NotificationTodoDeleted   NotificationType = 3
	NotificationSystem        NotificationType = 4
)

func (t NotificationType) String() string {
	switch t {
	case NotificationTodoCreated:
		return "TodoCreated"
	case NotificationTodoCompleted:
		return "TodoCompleted"
	case NotificationTodoDeleted:
		return "TodoDeleted"
	case NotificationSystem:
		return "System"
	default:
		return "Unknown"
	}
}

func (t NotificationType) Valid() bool {
	return t >= NotificationTodoCreated && t <= NotificationSystem
}

// ParseNotificationType accepts either the numeric value or the name.
func ParseNotificationType(s string) (NotificationType, error) {
	if n, err := strconv.Atoi(s); err == nil {
		t := NotificationType(n)
		if !t.Valid() {
			return 0, fmt.Errorf("notification type %d out of range", n)
		}
		return t, nil
	}
	for t := NotificationTodoCreated; t <= NotificationSystem; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown notification type %q", s)
}

// NotificationTypeFor returns the notification type recorded for an event kind.
func NotificationTypeFor(kind EventKind) NotificationType {
	switch kind {
	case KindTodoCreated:
		return NotificationTodoCreated
	case KindTodoCompleted:
		return NotificationTodoCompleted
	case KindTodoDeleted:
		return NotificationTodoDeleted
	default:
		return NotificationSystem
	}
}

// Notification is the durable per-user record shown in the client and pushed
// over the hub.
type Notification struct {
	ID        int64            `json:"id"`
	UserID    string           `json:"userId"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	IsRead    bool             `json:"isRead"`
	CreatedAt time.Time        `json:"createdAt"`
	ReadAt    *time.Time       `json:"readAt"`
	Data      json.RawMessage  `json:"data,omitempty"`
	DedupKey  *string          `json:"-"`
}

// NotificationPage is one page of a user's notifications plus their counts.
type NotificationPage struct {
	Notifications []Notification `json:"notifications"`
	TotalCount    int            `json:"totalCount"`
	UnreadCount   int            `json:"unreadCount"`
	Page          int            `json:"page"`
	PageSize      int            `json:"pageSize"`
	TotalPages    int            `json:"totalPages"`
}

// UnreadCount is the body of the unread-count endpoint.
type UnreadCount struct {
	Count int `json:"count"`
}
