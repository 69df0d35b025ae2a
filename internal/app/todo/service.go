package todo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tasky-app/tasky/internal/contracts"
)

var (
	ErrNotFound      = errors.New("todo not found")
	ErrTitleRequired = errors.New("title is required")
	ErrUserRequired  = errors.New("user id is required")
)

type Todo struct {
	ID          int        `json:"id"`
	UserID      string     `json:"userId"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	IsCompleted bool       `json:"isCompleted"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Repository persists todos. Every method is scoped to the owning user; a
// todo owned by someone else reads as ErrNotFound.
type Repository interface {
	Create(ctx context.Context, t Todo) (Todo, error)
	Get(ctx context.Context, userID string, id int) (Todo, error)
	List(ctx context.Context, userID string) ([]Todo, error)
	// SetCompleted flips the completion flag. changed is false when the todo
	// was already in the requested state.
	SetCompleted(ctx context.Context, userID string, id int, completed bool, at time.Time) (t Todo, changed bool, err error)
	Delete(ctx context.Context, userID string, id int) (Todo, error)
}

// EventPublisher hands domain events to the broker. It never fails the caller.
type EventPublisher interface {
	Publish(ctx context.Context, event contracts.Event)
}

type Service struct {
	Repo   Repository
	Events EventPublisher
	Now    func() time.Time
}

func NewService(repo Repository, events EventPublisher) *Service {
	return &Service{
		Repo:   repo,
		Events: events,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
}

func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (Todo, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Todo{}, ErrUserRequired
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return Todo{}, ErrTitleRequired
	}
	t, err := s.Repo.Create(ctx, Todo{
		UserID:      userID,
		Title:       title,
		Description: req.Description,
		CreatedAt:   s.Now(),
	})
	if err != nil {
		return Todo{}, fmt.Errorf("create todo: %w", err)
	}
	s.Events.Publish(ctx, contracts.TodoCreated{
		TodoID:      t.ID,
		UserID:      t.UserID,
		Title:       t.Title,
		Description: t.Description,
		CreatedAt:   t.CreatedAt,
	})
	return t, nil
}

func (s *Service) Get(ctx context.Context, userID string, id int) (Todo, error) {
	return s.Repo.Get(ctx, userID, id)
}

func (s *Service) List(ctx context.Context, userID string) ([]Todo, error) {
	todos, err := s.Repo.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	if todos == nil {
		todos = []Todo{}
	}
	return todos, nil
}

// Complete marks the todo done. Only an actual transition emits TodoCompleted.
func (s *Service) Complete(ctx context.Context, userID string, id int) (Todo, error) {
	t, changed, err := s.Repo.SetCompleted(ctx, userID, id, true, s.Now())
	if err != nil {
		return Todo{}, err
	}
	if changed && t.CompletedAt != nil {
		s.Events.Publish(ctx, contracts.TodoCompleted{
			TodoID:      t.ID,
			UserID:      t.UserID,
			Title:       t.Title,
			CompletedAt: *t.CompletedAt,
		})
	}
	return t, nil
}

// Reopen clears completion. There is no event for it.
func (s *Service) Reopen(ctx context.Context, userID string, id int) (Todo, error) {
	t, _, err := s.Repo.SetCompleted(ctx, userID, id, false, s.Now())
	return t, err
}

func (s *Service) Delete(ctx context.Context, userID string, id int) error {
	t, err := s.Repo.Delete(ctx, userID, id)
	if err != nil {
		return err
	}
	s.Events.Publish(ctx, contracts.TodoDeleted{
		TodoID:    t.ID,
		UserID:    t.UserID,
		Title:     t.Title,
		DeletedAt: s.Now(),
	})
	return nil
}
