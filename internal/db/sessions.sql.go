package db

import (
	"context"
	"time"
)

const sessionColumns = `id, title, message_count, prompt_tokens, completion_tokens, cost, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID,
		&s.Title,
		&s.MessageCount,
		&s.PromptTokens,
		&s.CompletionTokens,
		&s.Cost,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	return s, err
}

type CreateSessionParams struct {
	ID    string
	Title string
}

func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) (Session, error) {
	now := time.Now().UnixMilli()
	row := q.db.QueryRowContext(ctx,
		`INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
		RETURNING `+sessionColumns,
		arg.ID, arg.Title, now, now,
	)
	return scanSession(row)
}

func (q *Queries) GetSessionByID(ctx context.Context, id string) (Session, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ? LIMIT 1`, id)
	return scanSession(row)
}

func (q *Queries) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

type UpdateSessionParams struct {
	ID               string
	Title            string
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
}

func (q *Queries) UpdateSession(ctx context.Context, arg UpdateSessionParams) (Session, error) {
	row := q.db.QueryRowContext(ctx,
		`UPDATE sessions SET title = ?, prompt_tokens = ?, completion_tokens = ?, cost = ?, updated_at = ?
		WHERE id = ? RETURNING `+sessionColumns,
		arg.Title, arg.PromptTokens, arg.CompletionTokens, arg.Cost, time.Now().UnixMilli(), arg.ID,
	)
	return scanSession(row)
}

func (q *Queries) DeleteSession(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}
