package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"supportdesk/server/chat/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	session_id   TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	user_info    JSONB NOT NULL DEFAULT '{}'::jsonb,
	agent        JSONB,
	last_message JSONB,
	unread_count INT NOT NULL DEFAULT 0,
	end_reason   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS chat_messages (
	message_id        TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL REFERENCES chat_sessions(session_id) ON DELETE CASCADE,
	message           TEXT NOT NULL,
	message_type      TEXT NOT NULL,
	sender_type       TEXT NOT NULL,
	sender_id         TEXT NOT NULL DEFAULT '',
	client_message_id TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_session_idx ON chat_messages(session_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS chat_messages_client_idx
	ON chat_messages(session_id, sender_id, client_message_id) WHERE client_message_id <> '';
`

const sessionColumns = `session_id, status, user_info, agent, last_message, unread_count, end_reason, created_at, updated_at, ended_at`

const messageColumns = `message_id, session_id, message, message_type, sender_type, sender_id, client_message_id, created_at`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (r *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

func scanSession(row pgx.Row) (domain.ChatSession, error) {
	var (
		s                          domain.ChatSession
		status                     string
		userRaw, agentRaw, lastRaw []byte
	)
	err := row.Scan(&s.ID, &status, &userRaw, &agentRaw, &lastRaw, &s.UnreadCount, &s.EndReason, &s.CreatedAt, &s.UpdatedAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChatSession{}, ErrNotFound
		}
		return domain.ChatSession{}, err
	}
	s.Status = domain.SessionStatus(status)
	if len(userRaw) > 0 {
		_ = json.Unmarshal(userRaw, &s.UserInfo)
	}
	if len(agentRaw) > 0 && string(agentRaw) != "null" {
		var agent domain.Agent
		if err := json.Unmarshal(agentRaw, &agent); err == nil {
			s.Agent = &agent
		}
	}
	if len(lastRaw) > 0 && string(lastRaw) != "null" {
		var last domain.LastMessage
		if err := json.Unmarshal(lastRaw, &last); err == nil {
			s.LastMessage = &last
		}
	}
	return s, nil
}

func scanMessage(row pgx.Row) (domain.ChatMessage, error) {
	var (
		m      domain.ChatMessage
		sender string
	)
	if err := row.Scan(&m.ID, &m.SessionID, &m.Message, &m.MessageType, &sender, &m.SenderID, &m.ClientMessageID, &m.Timestamp); err != nil {
		return domain.ChatMessage{}, err
	}
	m.SenderType = domain.SenderType(sender)
	return m, nil
}

// jsonOrNil keeps SQL NULL for absent pointers.
func jsonOrNil(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *PostgresStore) CreateSession(ctx context.Context, s domain.ChatSession) (domain.ChatSession, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = domain.SessionStatusWaiting
	}
	s = domain.NormalizeSession(s)
	user, err := json.Marshal(s.UserInfo)
	if err != nil {
		return domain.ChatSession{}, err
	}
	agent, err := jsonOrNil(s.Agent, s.Agent != nil)
	if err != nil {
		return domain.ChatSession{}, err
	}
	last, err := jsonOrNil(s.LastMessage, s.LastMessage != nil)
	if err != nil {
		return domain.ChatSession{}, err
	}
	return scanSession(r.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions(session_id, status, user_info, agent, last_message, unread_count, end_reason, created_at, updated_at, ended_at)
		VALUES($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10)
		RETURNING `+sessionColumns,
		s.ID, string(s.Status), string(user), agent, last, s.UnreadCount, s.EndReason, s.CreatedAt, s.UpdatedAt, s.EndedAt))
}

func (r *PostgresStore) GetSession(ctx context.Context, id string) (domain.ChatSession, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE session_id=$1`, id))
}

func (r *PostgresStore) ListSessions(ctx context.Context) ([]domain.ChatSession, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM chat_sessions ORDER BY created_at DESC, session_id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ChatSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresStore) AssignSession(ctx context.Context, id string, agent domain.Agent, at time.Time) (domain.ChatSession, error) {
	raw, err := json.Marshal(agent)
	if err != nil {
		return domain.ChatSession{}, err
	}
	s, err := scanSession(r.pool.QueryRow(ctx, `
		UPDATE chat_sessions
		SET status=$2, agent=$3::jsonb, updated_at=$4
		WHERE session_id=$1 AND status=$5
		RETURNING `+sessionColumns,
		id, string(domain.SessionStatusActive), string(raw), at, string(domain.SessionStatusWaiting)))
	if !errors.Is(err, ErrNotFound) {
		return s, err
	}
	current, err := r.GetSession(ctx, id)
	if err != nil {
		return domain.ChatSession{}, err
	}
	return current, ErrNotWaiting
}

func (r *PostgresStore) EndSession(ctx context.Context, id, reason string, at time.Time) (domain.ChatSession, bool, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `
		UPDATE chat_sessions
		SET status=$2, end_reason=$3, ended_at=$4, updated_at=$4
		WHERE session_id=$1 AND status<>$2
		RETURNING `+sessionColumns,
		id, string(domain.SessionStatusEnded), reason, at))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.ChatSession{}, false, err
	}
	current, err := r.GetSession(ctx, id)
	if err != nil {
		return domain.ChatSession{}, false, err
	}
	return current, false, nil
}

func (r *PostgresStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if strings.TrimSpace(msg.Message) == "" {
		return domain.ChatMessage{}, ErrEmptyMessage
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM chat_sessions WHERE session_id=$1 FOR UPDATE`, msg.SessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChatMessage{}, ErrNotFound
		}
		return domain.ChatMessage{}, err
	}
	if domain.SessionStatus(status) == domain.SessionStatusEnded && msg.MessageType != domain.MessageTypeSystem {
		return domain.ChatMessage{}, ErrSessionEnded
	}
	if msg.ClientMessageID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx, `
			SELECT `+messageColumns+` FROM chat_messages
			WHERE session_id=$1 AND sender_id=$2 AND client_message_id=$3
		`, msg.SessionID, msg.SenderID, msg.ClientMessageID))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.ChatMessage{}, err
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.MessageType == "" {
		msg.MessageType = domain.MessageTypeText
	}
	msg.Status = ""
	if _, err := tx.Exec(ctx, `
		INSERT INTO chat_messages(`+messageColumns+`)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.SessionID, msg.Message, msg.MessageType, string(msg.SenderType), msg.SenderID, msg.ClientMessageID, msg.Timestamp); err != nil {
		return domain.ChatMessage{}, err
	}

	last, err := json.Marshal(msg.AsLastMessage())
	if err != nil {
		return domain.ChatMessage{}, err
	}
	unread := 0
	if msg.SenderType == domain.SenderUser {
		unread = 1
	}
	if _, err := tx.Exec(ctx, `
		UPDATE chat_sessions
		SET last_message=$2::jsonb, unread_count=unread_count+$3, updated_at=$4
		WHERE session_id=$1
	`, msg.SessionID, string(last), unread, msg.Timestamp); err != nil {
		return domain.ChatMessage{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ChatMessage{}, err
	}
	return msg, nil
}

func (r *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE session_id=$1)`, sessionID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE session_id=$1
		ORDER BY created_at ASC, message_id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ChatMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresStore) MarkRead(ctx context.Context, sessionID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE chat_sessions SET unread_count=0 WHERE session_id=$1`, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
