package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/parley-ai/parley/internal/db"
	"github.com/parley-ai/parley/internal/pubsub"
)

var ErrNotFound = errors.New("message not found")

type CreateMessageParams struct {
	Role         MessageRole
	Content      string
	Model        string
	Provider     string
	Origin       string
	ToolUses     []ToolUse
	FinishReason FinishReason
	Error        string
}

type Service interface {
	pubsub.Subscriber[Message]
	Create(ctx context.Context, sessionID string, params CreateMessageParams) (Message, error)
	Update(ctx context.Context, message Message) error
	Get(ctx context.Context, id string) (Message, error)
	List(ctx context.Context, sessionID string) ([]Message, error)
	DeleteSessionMessages(ctx context.Context, sessionID string) error
}

type service struct {
	*pubsub.Broker[Message]
	q db.Querier
}

func NewService(q db.Querier) Service {
	return &service{
		Broker: pubsub.NewBroker[Message](),
		q:      q,
	}
}

func (s *service) Create(ctx context.Context, sessionID string, params CreateMessageParams) (Message, error) {
	toolUses, err := marshalToolUses(params.ToolUses)
	if err != nil {
		return Message{}, err
	}
	dbMessage, err := s.q.CreateMessage(ctx, db.CreateMessageParams{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Role:         string(params.Role),
		Content:      params.Content,
		Model:        params.Model,
		Provider:     params.Provider,
		Origin:       params.Origin,
		ToolUses:     toolUses,
		FinishReason: string(params.FinishReason),
		Error:        params.Error,
	})
	if err != nil {
		return Message{}, err
	}
	message, err := s.fromDBItem(dbMessage)
	if err != nil {
		return Message{}, err
	}
	s.Publish(pubsub.CreatedEvent, message)
	return message, nil
}

func (s *service) Update(ctx context.Context, message Message) error {
	toolUses, err := marshalToolUses(message.ToolUses)
	if err != nil {
		return err
	}
	err = s.q.UpdateMessage(ctx, db.UpdateMessageParams{
		ID:           message.ID,
		Content:      message.Content,
		ToolUses:     toolUses,
		FinishReason: string(message.FinishReason),
		Error:        message.Error,
	})
	if err != nil {
		return err
	}
	s.Publish(pubsub.UpdatedEvent, message)
	return nil
}

func (s *service) Get(ctx context.Context, id string) (Message, error) {
	dbMessage, err := s.q.GetMessage(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return s.fromDBItem(dbMessage)
}

func (s *service) List(ctx context.Context, sessionID string) ([]Message, error) {
	dbMessages, err := s.q.ListMessagesBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, len(dbMessages))
	for i, dbMessage := range dbMessages {
		messages[i], err = s.fromDBItem(dbMessage)
		if err != nil {
			return nil, err
		}
	}
	return messages, nil
}

func (s *service) DeleteSessionMessages(ctx context.Context, sessionID string) error {
	messages, err := s.List(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.q.DeleteSessionMessages(ctx, sessionID); err != nil {
		return err
	}
	for _, message := range messages {
		s.Publish(pubsub.DeletedEvent, message)
	}
	return nil
}

func (s *service) fromDBItem(item db.Message) (Message, error) {
	var toolUses []ToolUse
	if item.ToolUses != "" {
		if err := json.Unmarshal([]byte(item.ToolUses), &toolUses); err != nil {
			return Message{}, fmt.Errorf("failed to unmarshal tool uses for message %s: %w", item.ID, err)
		}
	}
	return Message{
		ID:           item.ID,
		SessionID:    item.SessionID,
		Role:         MessageRole(item.Role),
		Content:      item.Content,
		Model:        item.Model,
		Provider:     item.Provider,
		Origin:       item.Origin,
		ToolUses:     toolUses,
		FinishReason: FinishReason(item.FinishReason),
		Error:        item.Error,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}, nil
}

func marshalToolUses(toolUses []ToolUse) (string, error) {
	if len(toolUses) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(toolUses)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool uses: %w", err)
	}
	return string(b), nil
}
