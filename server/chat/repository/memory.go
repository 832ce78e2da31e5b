package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"supportdesk/server/chat/domain"
)

// MemoryStore keeps everything in process. It backs the gateway when no
// postgres DSN is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.ChatSession
	messages map[string][]domain.ChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]domain.ChatSession{},
		messages: map[string][]domain.ChatMessage{},
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s domain.ChatSession) (domain.ChatSession, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = domain.SessionStatusWaiting
	}
	s = domain.NormalizeSession(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (domain.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ChatSession{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]domain.ChatSession, error) {
	m.mu.RLock()
	out := make([]domain.ChatSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) AssignSession(ctx context.Context, id string, agent domain.Agent, at time.Time) (domain.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ChatSession{}, ErrNotFound
	}
	if s.Status != domain.SessionStatusWaiting {
		return s, ErrNotWaiting
	}
	s.Status = domain.SessionStatusActive
	s.Agent = &agent
	s.UpdatedAt = at
	m.sessions[id] = s
	return s, nil
}

func (m *MemoryStore) EndSession(ctx context.Context, id, reason string, at time.Time) (domain.ChatSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ChatSession{}, false, ErrNotFound
	}
	if s.Status == domain.SessionStatusEnded {
		return s, false, nil
	}
	s.Status = domain.SessionStatusEnded
	s.EndReason = reason
	s.EndedAt = &at
	s.UpdatedAt = at
	m.sessions[id] = s
	return s, true, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if strings.TrimSpace(msg.Message) == "" {
		return domain.ChatMessage{}, ErrEmptyMessage
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		return domain.ChatMessage{}, ErrNotFound
	}
	if s.Status == domain.SessionStatusEnded && msg.MessageType != domain.MessageTypeSystem {
		return domain.ChatMessage{}, ErrSessionEnded
	}
	if msg.ClientMessageID != "" {
		for _, existing := range m.messages[msg.SessionID] {
			if existing.ClientMessageID == msg.ClientMessageID && existing.SenderID == msg.SenderID {
				return existing, nil
			}
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.MessageType == "" {
		msg.MessageType = domain.MessageTypeText
	}
	msg.Status = ""
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)

	s.LastMessage = msg.AsLastMessage()
	if msg.SenderType == domain.SenderUser {
		s.UnreadCount++
	}
	s.UpdatedAt = msg.Timestamp
	m.sessions[s.ID] = s
	return msg, nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	return append([]domain.ChatMessage(nil), m.messages[sessionID]...), nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.UnreadCount = 0
	m.sessions[sessionID] = s
	return nil
}
