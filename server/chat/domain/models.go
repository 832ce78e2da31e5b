package domain

import (
	"strings"
	"time"
)

type SessionStatus string
type SenderType string
type MessageStatus string

const (
	SessionStatusWaiting SessionStatus = "waiting"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusEnded   SessionStatus = "ended"
)

const (
	SenderUser  SenderType = "user"
	SenderAgent SenderType = "agent"
)

// MessageStatus only exists on the client; server records carry no status.
const (
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
)

// UserInfo describes whoever sits on either side of a chat: the visitor or
// applicant in a session snapshot, the admin in handshakes and presence.
type UserInfo struct {
	ID        string `json:"_id,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
	Photo     string `json:"photo,omitempty"`
	Role      string `json:"role,omitempty"`
	IsGuest   bool   `json:"isGuest,omitempty"`
}

func (u UserInfo) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.Email != "" {
		return u.Email
	}
	return "Guest"
}

type Agent struct {
	ID    string `json:"_id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type LastMessage struct {
	Message    string     `json:"message"`
	SenderType SenderType `json:"senderType"`
	Timestamp  time.Time  `json:"timestamp"`
}

type ChatSession struct {
	ID          string        `json:"_id"`
	Status      SessionStatus `json:"status"`
	UserInfo    UserInfo      `json:"userInfo"`
	LastMessage *LastMessage  `json:"lastMessage,omitempty"`
	UnreadCount int           `json:"unreadCount"`
	Agent       *Agent        `json:"agent"`
	EndReason   string        `json:"endReason,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	EndedAt     *time.Time    `json:"endedAt,omitempty"`
}

type ChatMessage struct {
	ID              string        `json:"_id"`
	SessionID       string        `json:"sessionId"`
	Message         string        `json:"message"`
	MessageType     string        `json:"messageType,omitempty"`
	SenderType      SenderType    `json:"senderType"`
	SenderID        string        `json:"senderId,omitempty"`
	ClientMessageID string        `json:"clientMessageId,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	Status          MessageStatus `json:"status,omitempty"`
}

type Counts struct {
	Total   int `json:"totalSessions"`
	Active  int `json:"activeSessions"`
	Waiting int `json:"waitingSessions"`
}

// SessionsSnapshot is the data block of GET /api/v1/admin/chat/sessions.
type SessionsSnapshot struct {
	Sessions        []ChatSession `json:"sessions"`
	TotalSessions   int           `json:"totalSessions"`
	ActiveSessions  int           `json:"activeSessions"`
	WaitingSessions int           `json:"waitingSessions"`
}

func (s SessionsSnapshot) Counts() Counts {
	return Counts{Total: s.TotalSessions, Active: s.ActiveSessions, Waiting: s.WaitingSessions}
}

// SessionDetail is the data block of GET /api/v1/admin/chat/session/:sessionId.
type SessionDetail struct {
	Session  ChatSession   `json:"session"`
	Messages []ChatMessage `json:"messages"`
	UserInfo UserInfo      `json:"userInfo"`
}

type AssignRequest struct {
	AdminID string `json:"adminId"`
}

type EndRequest struct {
	AdminID string `json:"adminId"`
	Reason  string `json:"reason"`
}

type StartChatRequest struct {
	UserInfo UserInfo `json:"userInfo"`
	Message  string   `json:"message"`
}

type PresenceBeacon struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GeneralSession is the body of GET /api/v1/chat/session/:sessionId, which
// is not wrapped in a data block.
type GeneralSession struct {
	Success  bool          `json:"success"`
	Session  ChatSession   `json:"session"`
	Messages []ChatMessage `json:"messages"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResult struct {
	AccessToken string   `json:"accessToken"`
	User        UserInfo `json:"user"`
}
