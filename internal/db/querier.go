package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

type Querier interface {
	CreateSession(ctx context.Context, arg CreateSessionParams) (Session, error)
	GetSessionByID(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	UpdateSession(ctx context.Context, arg UpdateSessionParams) (Session, error)
	DeleteSession(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, arg CreateMessageParams) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	ListMessagesBySession(ctx context.Context, sessionID string) ([]Message, error)
	UpdateMessage(ctx context.Context, arg UpdateMessageParams) error
	DeleteSessionMessages(ctx context.Context, sessionID string) error
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

var _ Querier = (*Queries)(nil)
