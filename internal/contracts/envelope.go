package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrMalformedEnvelope = errors.New("malformed event envelope")
)

// Envelope is the JSON document published for every domain event.
type Envelope struct {
	EventType string    `json:"EventType"`
	Timestamp time.Time `json:"Timestamp"`
	Data      any       `json:"Data"`
}

type rawEnvelope struct {
	EventType string          `json:"EventType"`
	Timestamp WireTime        `json:"Timestamp"`
	Data      json.RawMessage `json:"Data"`
}

type createdData struct {
	TodoID      int      `json:"TodoId" validate:"required"`
	UserID      string   `json:"UserId" validate:"required"`
	Title       string   `json:"Title"`
	Description *string  `json:"Description"`
	CreatedAt   WireTime `json:"CreatedAt"`
}

type completedData struct {
	TodoID      int      `json:"TodoId" validate:"required"`
	UserID      string   `json:"UserId" validate:"required"`
	Title       string   `json:"Title"`
	CompletedAt WireTime `json:"CompletedAt"`
}

type deletedData struct {
	TodoID    int      `json:"TodoId" validate:"required"`
	UserID    string   `json:"UserId" validate:"required"`
	Title     string   `json:"Title"`
	DeletedAt WireTime `json:"DeletedAt"`
}

var validate = validator.New()

// NewEnvelope wraps event for publishing, stamping it with now.
func NewEnvelope(event Event, now time.Time) Envelope {
	env := Envelope{EventType: event.Kind().String(), Timestamp: now.UTC()}
	switch e := event.(type) {
	case TodoCreated:
		env.Data = createdData{TodoID: e.TodoID, UserID: e.UserID, Title: e.Title, Description: e.Description, CreatedAt: WireTime(e.CreatedAt)}
	case TodoCompleted:
		env.Data = completedData{TodoID: e.TodoID, UserID: e.UserID, Title: e.Title, CompletedAt: WireTime(e.CompletedAt)}
	case TodoDeleted:
		env.Data = deletedData{TodoID: e.TodoID, UserID: e.UserID, Title: e.Title, DeletedAt: WireTime(e.DeletedAt)}
	}
	return env
}

// DecodeEnvelope parses a published envelope into its typed event and the
// envelope timestamp.
func DecodeEnvelope(body []byte) (Event, time.Time, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if strings.TrimSpace(raw.EventType) == "" {
		return nil, time.Time{}, fmt.Errorf("%w: missing EventType", ErrMalformedEnvelope)
	}
	kind, ok := ParseEventKind(raw.EventType)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: %q", ErrUnknownEventType, raw.EventType)
	}
	data := bytes.TrimSpace(raw.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, time.Time{}, fmt.Errorf("%w: %s without Data", ErrMalformedEnvelope, raw.EventType)
	}

	var (
		event  Event
		target any
	)
	switch kind {
	case KindTodoCreated:
		target = &createdData{}
	case KindTodoCompleted:
		target = &completedData{}
	case KindTodoDeleted:
		target = &deletedData{}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %s data: %v", ErrMalformedEnvelope, raw.EventType, err)
	}
	if err := validate.Struct(target); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %s data: %v", ErrMalformedEnvelope, raw.EventType, err)
	}

	switch d := target.(type) {
	case *createdData:
		event = TodoCreated{TodoID: d.TodoID, UserID: d.UserID, Title: d.Title, Description: d.Description, CreatedAt: d.CreatedAt.Time()}
	case *completedData:
		event = TodoCompleted{TodoID: d.TodoID, UserID: d.UserID, Title: d.Title, CompletedAt: d.CompletedAt.Time()}
	case *deletedData:
		event = TodoDeleted{TodoID: d.TodoID, UserID: d.UserID, Title: d.Title, DeletedAt: d.DeletedAt.Time()}
	}
	return event, raw.Timestamp.Time(), nil
}
