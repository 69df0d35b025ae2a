// Package contracts holds the payloads exchanged between tasky services: the
// Todo domain events and their wire envelope, notification records pushed to
// clients, and email reminders.
package contracts

import "time"

// EventKind identifies one Todo lifecycle transition.
type EventKind int

const (
	KindTodoCreated EventKind = iota + 1
	KindTodoCompleted
	KindTodoDeleted
)

// Kinds lists every event kind the producer can emit.
var Kinds = []EventKind{KindTodoCreated, KindTodoCompleted, KindTodoDeleted}

// String returns the EventType tag used on the wire.
func (k EventKind) String() string {
	switch k {
	case KindTodoCreated:
		return "TodoCreated"
	case KindTodoCompleted:
		return "TodoCompleted"
	case KindTodoDeleted:
		return "TodoDeleted"
	default:
		return "Unknown"
	}
}

// RoutingKey returns the topic routing key the event is published under.
func (k EventKind) RoutingKey() string {
	switch k {
	case KindTodoCreated:
		return "todo.created"
	case KindTodoCompleted:
		return "todo.completed"
	case KindTodoDeleted:
		return "todo.deleted"
	default:
		return ""
	}
}

// ParseEventKind maps a wire tag back to its kind.
func ParseEventKind(tag string) (EventKind, bool) {
	for _, k := range Kinds {
		if k.String() == tag {
			return k, true
		}
	}
	return 0, false
}

// Event is a decoded Todo domain event. Only the types in this package
// implement it, so a switch over them is exhaustive.
type Event interface {
	Kind() EventKind
	Todo() (id int, userID, title string)
	OccurredAt() time.Time
	isEvent()
}

type TodoCreated struct {
	TodoID      int
	UserID      string
	Title       string
	Description *string
	CreatedAt   time.Time
}

type TodoCompleted struct {
	TodoID      int
	UserID      string
	Title       string
	CompletedAt time.Time
}

type TodoDeleted struct {
	TodoID    int
	UserID    string
	Title     string
	DeletedAt time.Time
}

func (TodoCreated) Kind() EventKind   { return KindTodoCreated }
func (TodoCompleted) Kind() EventKind { return KindTodoCompleted }
func (TodoDeleted) Kind() EventKind   { return KindTodoDeleted }

func (e TodoCreated) Todo() (int, string, string)   { return e.TodoID, e.UserID, e.Title }
func (e TodoCompleted) Todo() (int, string, string) { return e.TodoID, e.UserID, e.Title }
func (e TodoDeleted) Todo() (int, string, string)   { return e.TodoID, e.UserID, e.Title }

func (e TodoCreated) OccurredAt() time.Time   { return e.CreatedAt }
func (e TodoCompleted) OccurredAt() time.Time { return e.CompletedAt }
func (e TodoDeleted) OccurredAt() time.Time   { return e.DeletedAt }

func (TodoCreated) isEvent()   {}
func (TodoCompleted) isEvent() {}
func (TodoDeleted) isEvent()   {}
