package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"supportdesk/server/chat/domain"
	"supportdesk/server/chat/repository"
	commonauth "supportdesk/server/common/auth"
	commonlog "supportdesk/server/common/log"
)

var ErrNotParticipant = errors.New("not a participant of this chat session")

const (
	SourceREST   = "rest"
	SourceWS     = "ws"
	SourceSystem = "system"
)

const archiveTimeout = 30 * time.Second

type ChatService struct {
	store    repository.Store
	hub      *Hub
	events   Publisher
	archiver TranscriptArchiver
	metrics  *Metrics
	clock    clockwork.Clock
}

type Option func(*ChatService)

func WithPublisher(p Publisher) Option {
	return func(s *ChatService) {
		if p != nil {
			s.events = p
		}
	}
}

func WithArchiver(a TranscriptArchiver) Option {
	return func(s *ChatService) { s.archiver = a }
}

func WithMetrics(m *Metrics) Option {
	return func(s *ChatService) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *ChatService) {
		if c != nil {
			s.clock = c
		}
	}
}

func NewChatService(store repository.Store, hub *Hub, opts ...Option) *ChatService {
	s := &ChatService{
		store:   store,
		hub:     hub,
		events:  NopPublisher{},
		metrics: NewMetrics(),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ChatService) now() time.Time {
	return s.clock.Now().UTC()
}

// StartSession opens a waiting chat for visitor and stores the first message
// when there is one. Every connected admin is told about it.
func (s *ChatService) StartSession(ctx context.Context, visitor domain.UserInfo, first string) (domain.ChatSession, error) {
	now := s.now()
	session, err := s.store.CreateSession(ctx, domain.ChatSession{
		Status:    domain.SessionStatusWaiting,
		UserInfo:  visitor,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.ChatSession{}, err
	}
	if strings.TrimSpace(first) != "" {
		msg, err := s.store.AppendMessage(ctx, domain.ChatMessage{
			SessionID:  session.ID,
			Message:    strings.TrimSpace(first),
			SenderType: domain.SenderUser,
			SenderID:   visitor.ID,
			Timestamp:  now,
		})
		if err != nil {
			return domain.ChatSession{}, err
		}
		s.metrics.Messages.WithLabelValues(string(domain.SenderUser), SourceREST).Inc()
		session.LastMessage = msg.AsLastMessage()
		session.UnreadCount = 1
	}
	s.metrics.SessionsStarted.Inc()

	if err := s.hub.Emit(Audience{Admins: true}, domain.EventAdminNewSession, session); err != nil {
		commonlog.Errorf("event=livechat_session action=broadcast status=failed kind=new_session session_id=%s error=%v", session.ID, err)
	}
	s.publish(ctx, KeySessionCreated, session)
	commonlog.Infof("event=livechat_session action=start status=ok session_id=%s guest=%t", session.ID, visitor.IsGuest)
	return session, nil
}

func (s *ChatService) Snapshot(ctx context.Context) (domain.SessionsSnapshot, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return domain.SessionsSnapshot{}, err
	}
	counts := domain.CountSessions(sessions)
	return domain.SessionsSnapshot{
		Sessions:        sessions,
		TotalSessions:   counts.Total,
		ActiveSessions:  counts.Active,
		WaitingSessions: counts.Waiting,
	}, nil
}

func (s *ChatService) Detail(ctx context.Context, sessionID string) (domain.SessionDetail, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.SessionDetail{}, err
	}
	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return domain.SessionDetail{}, err
	}
	return domain.SessionDetail{Session: session, Messages: messages, UserInfo: session.UserInfo}, nil
}

// Authorize returns the session when principal may take part in it: admins
// see every chat, visitors only their own.
func (s *ChatService) Authorize(ctx context.Context, principal commonauth.Principal, sessionID string) (domain.ChatSession, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.ChatSession{}, err
	}
	if principal.IsAdmin() || (principal.UserID != "" && session.UserInfo.ID == principal.UserID) {
		return session, nil
	}
	return domain.ChatSession{}, ErrNotParticipant
}

func (s *ChatService) Assign(ctx context.Context, sessionID string, agent domain.Agent) (domain.ChatSession, error) {
	session, err := s.store.AssignSession(ctx, sessionID, agent, s.now())
	if err != nil {
		commonlog.Warnf("event=livechat_session action=assign status=failed session_id=%s admin_id=%s error=%v", sessionID, agent.ID, err)
		return session, err
	}
	s.metrics.SessionTransitions.WithLabelValues(string(domain.SessionStatusActive)).Inc()
	if err := s.hub.Emit(Audience{SessionID: sessionID, Admins: true}, domain.EventAdminSessionUpdated, session); err != nil {
		commonlog.Errorf("event=livechat_session action=broadcast status=failed kind=session_updated session_id=%s error=%v", sessionID, err)
	}
	s.publish(ctx, KeySessionAssigned, session)
	commonlog.Infof("event=livechat_session action=assign status=ok session_id=%s admin_id=%s", sessionID, agent.ID)
	return session, nil
}

// End closes a chat. Ending an already ended chat succeeds without side effects.
func (s *ChatService) End(ctx context.Context, sessionID string, agent domain.Agent, reason string) (domain.ChatSession, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "resolved"
	}
	now := s.now()
	session, changed, err := s.store.EndSession(ctx, sessionID, reason, now)
	if err != nil {
		return domain.ChatSession{}, err
	}
	if !changed {
		return session, nil
	}
	s.metrics.SessionTransitions.WithLabelValues(string(domain.SessionStatusEnded)).Inc()

	notice, err := s.store.AppendMessage(ctx, domain.ChatMessage{
		SessionID:   sessionID,
		Message:     "Chat ended by " + agentLabel(agent),
		MessageType: domain.MessageTypeSystem,
		SenderType:  domain.SenderAgent,
		SenderID:    agent.ID,
		Timestamp:   now,
	})
	if err == nil {
		s.metrics.Messages.WithLabelValues(string(domain.SenderAgent), SourceSystem).Inc()
		session.LastMessage = notice.AsLastMessage()
		_ = s.hub.Emit(Audience{SessionID: sessionID, Admins: true}, domain.EventMessageNew, notice)
	} else {
		commonlog.Warnf("event=livechat_session action=end_notice status=failed session_id=%s error=%v", sessionID, err)
	}
	if err := s.hub.Emit(Audience{SessionID: sessionID, Admins: true}, domain.EventSessionEnded, domain.SessionEnded{SessionID: sessionID, Reason: reason}); err != nil {
		commonlog.Errorf("event=livechat_session action=broadcast status=failed kind=session_ended session_id=%s error=%v", sessionID, err)
	}
	s.publish(ctx, KeySessionEnded, session)
	s.archive(sessionID)
	commonlog.Infof("event=livechat_session action=end status=ok session_id=%s admin_id=%s reason=%s", sessionID, agent.ID, reason)
	return session, nil
}

func agentLabel(agent domain.Agent) string {
	if agent.Name != "" {
		return agent.Name
	}
	if agent.Email != "" {
		return agent.Email
	}
	return "agent"
}

func (s *ChatService) archive(sessionID string) {
	if s.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		detail, err := s.Detail(ctx, sessionID)
		if err != nil {
			commonlog.Errorf("event=livechat_archive action=load status=failed session_id=%s error=%v", sessionID, err)
			return
		}
		key, err := s.archiver.Archive(ctx, detail)
		if err != nil {
			commonlog.Errorf("event=livechat_archive action=put status=failed session_id=%s error=%v", sessionID, err)
			return
		}
		commonlog.Infof("event=livechat_archive action=put status=ok session_id=%s object_key=%s", sessionID, key)
	}()
}

// PostMessage stores msg and fans it out to the session room and to admins.
func (s *ChatService) PostMessage(ctx context.Context, msg domain.ChatMessage, source string) (domain.ChatMessage, error) {
	msg.Message = strings.TrimSpace(msg.Message)
	if msg.Message == "" {
		return domain.ChatMessage{}, repository.ErrEmptyMessage
	}
	if msg.ID == "" || domain.IsTempID(msg.ID) {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = s.now()
	stored, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		commonlog.Warnf("event=livechat_message action=create status=failed source=%s session_id=%s sender_type=%s error=%v", source, msg.SessionID, msg.SenderType, err)
		return domain.ChatMessage{}, err
	}
	if stored.ID != msg.ID {
		commonlog.Infof("event=livechat_message action=create status=duplicate source=%s session_id=%s message_id=%s", source, stored.SessionID, stored.ID)
	} else {
		s.metrics.Messages.WithLabelValues(string(stored.SenderType), source).Inc()
		s.publish(ctx, KeyMessageCreated, stored)
	}
	if err := s.hub.Emit(Audience{SessionID: stored.SessionID, Admins: true}, domain.EventMessageNew, stored); err != nil {
		commonlog.Errorf("event=livechat_message action=broadcast status=failed session_id=%s error=%v", stored.SessionID, err)
	}
	return stored, nil
}

// MarkRead clears unread messages once an agent opens the chat.
func (s *ChatService) MarkRead(ctx context.Context, sessionID string) error {
	return s.store.MarkRead(ctx, sessionID)
}

// RelayTyping forwards a typing signal to everyone else in the session room.
func (s *ChatService) RelayTyping(sessionID, fromSocket string, sender domain.SenderType, isTyping bool) {
	aud := Audience{SessionID: sessionID, Except: fromSocket}
	_ = s.hub.Emit(aud, domain.EventUserTyping, domain.UserTyping{SessionID: sessionID, UserType: sender, IsTyping: isTyping})
	event := domain.EventTypingStop
	if isTyping {
		event = domain.EventTypingStart
	}
	_ = s.hub.Emit(aud, event, domain.TypingSignal{SessionID: sessionID, UserType: sender})
}

func (s *ChatService) publish(ctx context.Context, key string, payload any) {
	if err := s.events.Publish(ctx, key, payload); err != nil {
		commonlog.Warnf("event=livechat_publish action=publish status=failed routing_key=%s error=%v", key, err)
	}
}

func AgentFromPrincipal(p commonauth.Principal) domain.Agent {
	return domain.Agent{ID: p.UserID, Name: p.Name, Email: p.Email}
}
