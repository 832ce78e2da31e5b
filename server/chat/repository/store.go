package repository

import (
	"context"
	"errors"
	"time"

	"supportdesk/server/chat/domain"
)

var (
	ErrNotFound      = errors.New("chat session not found")
	ErrNotWaiting    = errors.New("chat session is not waiting for an agent")
	ErrSessionEnded  = errors.New("chat session has ended")
	ErrEmptyMessage  = errors.New("message is empty")
)

// Store persists chat sessions and their messages.
type Store interface {
	CreateSession(ctx context.Context, s domain.ChatSession) (domain.ChatSession, error)
	GetSession(ctx context.Context, id string) (domain.ChatSession, error)
	// ListSessions returns every session, newest first.
	ListSessions(ctx context.Context) ([]domain.ChatSession, error)
	// AssignSession moves a waiting session to active under agent.
	AssignSession(ctx context.Context, id string, agent domain.Agent, at time.Time) (domain.ChatSession, error)
	// EndSession marks a session ended. changed is false when it already was.
	EndSession(ctx context.Context, id, reason string, at time.Time) (s domain.ChatSession, changed bool, err error)
	// AppendMessage stores msg and updates the session's last message and
	// unread count. A message whose clientMessageId was already stored for
	// the session is returned as is.
	AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	ListMessages(ctx context.Context, sessionID string) ([]domain.ChatMessage, error)
	// MarkRead clears the unread counter of a session.
	MarkRead(ctx context.Context, sessionID string) error
}
