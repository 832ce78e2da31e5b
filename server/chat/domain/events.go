package domain

import (
	"encoding/json"
	"time"
)

// Realtime event names. Lifecycle names are dispatched locally by the client
// connection manager; every other name travels over the wire.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnect        = "reconnect"
	EventReconnectFailed  = "reconnect_failed"
	EventAuthError        = "auth_error"
	EventAuth             = "auth"

	EventAdminNewSession     = "admin:new_session"
	EventAdminSessionUpdated = "admin:session_updated"
	EventMessageNew          = "message:new"
	EventUserTyping          = "user:typing"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
	EventSessionEnded        = "session:ended"

	EventAdminJoinSession  = "admin:join_session"
	EventAdminLeaveSession = "admin:leave_session"
	EventAdminSendMessage  = "admin:send_message"
	EventMessageSend       = "message:send"
	EventAdminTyping       = "admin:typing"
	EventAdminEndSession   = "admin:end_session"
	EventUserActivity      = "user:activity"
	EventAdminConnected    = "admin:connected"

	EventError = "error"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Envelope{Event: event, Data: raw}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}

type AuthHandshake struct {
	Token    string   `json:"token"`
	UserID   string   `json:"userId"`
	UserInfo UserInfo `json:"userInfo"`
}

type ConnectAck struct {
	SocketID string `json:"socketId"`
}

type AuthError struct {
	Message string `json:"message"`
}

type DisconnectNotice struct {
	Reason string `json:"reason"`
}

type JoinSession struct {
	SessionID string `json:"sessionId"`
	AdminID   string `json:"adminId"`
}

type LeaveSession struct {
	SessionID string `json:"sessionId"`
}

type AdminSendMessage struct {
	SessionID       string `json:"sessionId"`
	Message         string `json:"message"`
	AdminID         string `json:"adminId"`
	MessageType     string `json:"messageType"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type MessageSend struct {
	SessionID       string     `json:"sessionId"`
	Message         string     `json:"message"`
	MessageType     string     `json:"messageType"`
	SenderType      SenderType `json:"senderType"`
	AgentID         string     `json:"agentId,omitempty"`
	ClientMessageID string     `json:"clientMessageId,omitempty"`
}

type AdminTyping struct {
	SessionID string `json:"sessionId"`
	AdminID   string `json:"adminId"`
	IsTyping  bool   `json:"isTyping"`
}

type TypingSignal struct {
	SessionID string     `json:"sessionId"`
	UserType  SenderType `json:"userType"`
}

type UserTyping struct {
	SessionID string     `json:"sessionId"`
	UserType  SenderType `json:"userType"`
	IsTyping  bool       `json:"isTyping"`
}

type EndSession struct {
	SessionID string `json:"sessionId"`
	AdminID   string `json:"adminId"`
	Reason    string `json:"reason,omitempty"`
}

type SessionEnded struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type UserActivity struct {
	UserID    string         `json:"userId"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	UserInfo  UserInfo       `json:"userInfo"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type AdminConnected struct {
	UserID    string    `json:"userId"`
	UserInfo  UserInfo  `json:"userInfo"`
	Timestamp time.Time `json:"timestamp"`
	SocketID  string    `json:"socketId"`
}
