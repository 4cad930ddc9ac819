package db

import (
	"context"
	"time"
)

const messageColumns = `id, session_id, role, content, model, provider, origin, tool_uses, finish_reason, error, created_at, updated_at`

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.SessionID,
		&m.Role,
		&m.Content,
		&m.Model,
		&m.Provider,
		&m.Origin,
		&m.ToolUses,
		&m.FinishReason,
		&m.Error,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	return m, err
}

type CreateMessageParams struct {
	ID           string
	SessionID    string
	Role         string
	Content      string
	Model        string
	Provider     string
	Origin       string
	ToolUses     string
	FinishReason string
	Error        string
}

func (q *Queries) CreateMessage(ctx context.Context, arg CreateMessageParams) (Message, error) {
	now := time.Now().UnixMilli()
	row := q.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, model, provider, origin, tool_uses, finish_reason, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+messageColumns,
		arg.ID, arg.SessionID, arg.Role, arg.Content, arg.Model, arg.Provider, arg.Origin,
		arg.ToolUses, arg.FinishReason, arg.Error, now, now,
	)
	return scanMessage(row)
}

func (q *Queries) GetMessage(ctx context.Context, id string) (Message, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ? LIMIT 1`, id)
	return scanMessage(row)
}

func (q *Queries) ListMessagesBySession(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

type UpdateMessageParams struct {
	ID           string
	Content      string
	ToolUses     string
	FinishReason string
	Error        string
}

func (q *Queries) UpdateMessage(ctx context.Context, arg UpdateMessageParams) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, tool_uses = ?, finish_reason = ?, error = ?, updated_at = ? WHERE id = ?`,
		arg.Content, arg.ToolUses, arg.FinishReason, arg.Error, time.Now().UnixMilli(), arg.ID,
	)
	return err
}

func (q *Queries) DeleteSessionMessages(ctx context.Context, sessionID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	return err
}
