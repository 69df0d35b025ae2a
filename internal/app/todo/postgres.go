package todo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS todos (
	id           serial PRIMARY KEY,
	user_id      text NOT NULL,
	title        text NOT NULL,
	description  text,
	is_completed boolean NOT NULL DEFAULT false,
	created_at   timestamptz NOT NULL,
	completed_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_todos_user_created ON todos (user_id, created_at DESC);
`

const todoColumns = `id, user_id, title, description, is_completed, created_at, completed_at`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure todos schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, t Todo) (Todo, error) {
	row := r.Pool.QueryRow(ctx,
		`INSERT INTO todos (user_id, title, description, created_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+todoColumns,
		t.UserID, t.Title, t.Description, t.CreatedAt,
	)
	return scanTodo(row)
}

func (r *PostgresRepository) Get(ctx context.Context, userID string, id int) (Todo, error) {
	row := r.Pool.QueryRow(ctx,
		`SELECT `+todoColumns+` FROM todos WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	return scanTodo(row)
}

func (r *PostgresRepository) List(ctx context.Context, userID string) ([]Todo, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+todoColumns+` FROM todos WHERE user_id = $1 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Todo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetCompleted only updates rows whose flag differs, so a repeated call
// falls through to the plain select and reports changed=false.
func (r *PostgresRepository) SetCompleted(ctx context.Context, userID string, id int, completed bool, at time.Time) (Todo, bool, error) {
	var completedAt *time.Time
	if completed {
		completedAt = &at
	}
	row := r.Pool.QueryRow(ctx,
		`UPDATE todos SET is_completed = $3, completed_at = $4
		 WHERE id = $1 AND user_id = $2 AND is_completed <> $3
		 RETURNING `+todoColumns,
		id, userID, completed, completedAt,
	)
	t, err := scanTodo(row)
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Todo{}, false, err
	}
	t, err = r.Get(ctx, userID, id)
	if err != nil {
		return Todo{}, false, err
	}
	return t, false, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, userID string, id int) (Todo, error) {
	row := r.Pool.QueryRow(ctx,
		`DELETE FROM todos WHERE id = $1 AND user_id = $2 RETURNING `+todoColumns,
		id, userID,
	)
	return scanTodo(row)
}

func scanTodo(row pgx.Row) (Todo, error) {
	var t Todo
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.IsCompleted, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Todo{}, ErrNotFound
		}
		return Todo{}, err
	}
	return t, nil
}
