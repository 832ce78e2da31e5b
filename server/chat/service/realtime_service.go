package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"supportdesk/server/chat/domain"
	"supportdesk/server/chat/repository"
	commonauth "supportdesk/server/common/auth"
	commonlog "supportdesk/server/common/log"
	"supportdesk/server/common/middleware"
)

const DefaultHandshakeTimeout = 10 * time.Second

type principalParser interface {
	ParsePrincipal(token string) (commonauth.Principal, error)
}

// RealtimeService terminates /ws sockets: it runs the auth handshake,
// registers the client with the hub and dispatches client events.
type RealtimeService struct {
	chat             *ChatService
	hub              *Hub
	auth             principalParser
	presence         *PresenceRegistry
	metrics          *Metrics
	handshakeTimeout time.Duration
}

func NewRealtimeService(chat *ChatService, hub *Hub, auth principalParser, presence *PresenceRegistry, metrics *Metrics) *RealtimeService {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if presence == nil {
		presence = NewPresenceRegistry(nil, 0, nil)
	}
	return &RealtimeService{
		chat:             chat,
		hub:              hub,
		auth:             auth,
		presence:         presence,
		metrics:          metrics,
		handshakeTimeout: DefaultHandshakeTimeout,
	}
}

func (s *RealtimeService) SetHandshakeTimeout(d time.Duration) {
	if d > 0 {
		s.handshakeTimeout = d
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (s *RealtimeService) HandleWS(c *gin.Context) {
	headerToken, hasHeader := middleware.BearerToken(c.GetHeader("Authorization"))
	if hasHeader {
		if _, err := s.auth.ParsePrincipal(headerToken); err != nil {
			s.metrics.HandshakeFailures.WithLabelValues("invalid_token").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=livechat_socket action=upgrade status=failed error=%v", err)
		return
	}

	client, err := s.handshake(conn, headerToken)
	if err != nil {
		commonlog.Warnf("event=livechat_socket action=handshake status=failed remote=%s error=%v", c.Request.RemoteAddr, err)
		_ = conn.Close()
		return
	}
	s.hub.Register(client)
	defer s.disconnect(client)
	go client.writePump()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sessionID := strings.TrimSpace(c.Query("sessionId")); sessionID != "" && !client.IsAdmin() {
		if _, err := s.chat.Authorize(ctx, client.Principal, sessionID); err == nil {
			s.hub.Join(client, sessionID)
		}
	}

	s.readLoop(ctx, conn, client)
}

// handshake waits for the auth frame and answers connect or auth_error.
func (s *RealtimeService) handshake(conn *websocket.Conn, headerToken string) (*Client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	var env domain.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		s.metrics.HandshakeFailures.WithLabelValues("timeout").Inc()
		return nil, err
	}
	if env.Event != domain.EventAuth {
		s.metrics.HandshakeFailures.WithLabelValues("protocol").Inc()
		writeDirect(conn, domain.EventConnectError, domain.AuthError{Message: "expected auth frame"})
		return nil, errors.New("unexpected first frame " + env.Event)
	}
	var hs domain.AuthHandshake
	if err := env.Decode(&hs); err != nil {
		s.metrics.HandshakeFailures.WithLabelValues("protocol").Inc()
		writeDirect(conn, domain.EventConnectError, domain.AuthError{Message: "malformed auth frame"})
		return nil, err
	}
	token := strings.TrimSpace(hs.Token)
	if token == "" {
		token = headerToken
	}
	principal, err := s.auth.ParsePrincipal(token)
	if err != nil {
		s.metrics.HandshakeFailures.WithLabelValues("invalid_token").Inc()
		writeDirect(conn, domain.EventAuthError, domain.AuthError{Message: "invalid token"})
		return nil, err
	}
	if hs.UserID != "" && hs.UserID != principal.UserID {
		s.metrics.HandshakeFailures.WithLabelValues("user_mismatch").Inc()
		writeDirect(conn, domain.EventAuthError, domain.AuthError{Message: "authentication failed: user mismatch"})
		return nil, errors.New("handshake user does not match token")
	}
	info := hs.UserInfo
	info.ID = principal.UserID
	if info.Role == "" {
		info.Role = principal.Role
	}

	socketID := uuid.NewString()
	if err := writeDirect(conn, domain.EventConnect, domain.ConnectAck{SocketID: socketID}); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	return NewClient(socketID, principal, info, conn), nil
}

func writeDirect(conn *websocket.Conn, event string, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (s *RealtimeService) readLoop(ctx context.Context, conn *websocket.Conn, client *Client) {
	conn.SetReadLimit(maxMessageSize)
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(pongWait)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				commonlog.Debugf("event=livechat_socket action=read status=closed socket_id=%s error=%v", client.ID, err)
			}
			return
		}
		extend()
		s.Dispatch(ctx, client, env)
	}
}

func (s *RealtimeService) disconnect(client *Client) {
	s.hub.Unregister(client)
	if client.IsAdmin() {
		_ = s.presence.Record(context.Background(), AgentPresence{
			UserID: client.Principal.UserID,
			Status: PresenceOffline,
			Reason: "disconnect",
		})
	}
}

// Dispatch handles one client event.
func (s *RealtimeService) Dispatch(ctx context.Context, c *Client, env domain.Envelope) {
	var err error
	switch env.Event {
	case domain.EventAdminJoinSession:
		err = s.onJoin(ctx, c, env)
	case domain.EventAdminLeaveSession:
		var req domain.LeaveSession
		if err = env.Decode(&req); err == nil {
			s.hub.Leave(c, req.SessionID)
		}
	case domain.EventAdminSendMessage:
		err = s.onAdminSend(ctx, c, env)
	case domain.EventMessageSend:
		err = s.onMessageSend(ctx, c, env)
	case domain.EventAdminTyping:
		err = s.onAdminTyping(ctx, c, env)
	case domain.EventTypingStart, domain.EventTypingStop:
		err = s.onTypingSignal(ctx, c, env)
	case domain.EventAdminEndSession:
		err = s.onEnd(ctx, c, env)
	case domain.EventUserActivity:
		err = s.onActivity(ctx, c, env)
	case domain.EventAdminConnected:
		err = s.onAdminConnected(ctx, c, env)
	default:
		commonlog.Debugf("event=livechat_socket action=dispatch status=ignored socket_id=%s kind=%s", c.ID, env.Event)
		return
	}
	if err != nil {
		commonlog.Warnf("event=livechat_socket action=dispatch status=failed socket_id=%s kind=%s error=%v", c.ID, env.Event, err)
		s.sendError(c, env.Event, err)
	}
}

var errAdminOnly = errors.New("admin role required")

type wsError struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func (s *RealtimeService) sendError(c *Client, event string, err error) {
	env, encErr := domain.NewEnvelope(domain.EventError, wsError{Event: event, Message: ErrorText(err)})
	if encErr != nil {
		return
	}
	_ = c.Send(env)
}

// ErrorText maps service errors to client-facing messages.
func ErrorText(err error) string {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return "chat session not found"
	case errors.Is(err, repository.ErrNotWaiting):
		return "chat session is not waiting for an agent"
	case errors.Is(err, repository.ErrSessionEnded):
		return "chat session has ended"
	case errors.Is(err, repository.ErrEmptyMessage):
		return "message is empty"
	case errors.Is(err, ErrNotParticipant):
		return "not a participant of this chat session"
	case errors.Is(err, errAdminOnly):
		return "admin role required"
	}
	return "failed to process event"
}

func (s *RealtimeService) onJoin(ctx context.Context, c *Client, env domain.Envelope) error {
	if !c.IsAdmin() {
		return errAdminOnly
	}
	var req domain.JoinSession
	if err := env.Decode(&req); err != nil {
		return err
	}
	if _, err := s.chat.Authorize(ctx, c.Principal, req.SessionID); err != nil {
		return err
	}
	s.hub.Join(c, req.SessionID)
	return s.chat.MarkRead(ctx, req.SessionID)
}

func (s *RealtimeService) onAdminSend(ctx context.Context, c *Client, env domain.Envelope) error {
	if !c.IsAdmin() {
		return errAdminOnly
	}
	var req domain.AdminSendMessage
	if err := env.Decode(&req); err != nil {
		return err
	}
	_, err := s.chat.PostMessage(ctx, domain.ChatMessage{
		SessionID:       req.SessionID,
		Message:         req.Message,
		MessageType:     req.MessageType,
		SenderType:      domain.SenderAgent,
		SenderID:        c.Principal.UserID,
		ClientMessageID: req.ClientMessageID,
	}, SourceWS)
	return err
}

func (s *RealtimeService) onMessageSend(ctx context.Context, c *Client, env domain.Envelope) error {
	var req domain.MessageSend
	if err := env.Decode(&req); err != nil {
		return err
	}
	if _, err := s.chat.Authorize(ctx, c.Principal, req.SessionID); err != nil {
		return err
	}
	sender := domain.SenderUser
	if c.IsAdmin() {
		sender = domain.SenderAgent
	} else {
		s.hub.Join(c, req.SessionID)
	}
	_, err := s.chat.PostMessage(ctx, domain.ChatMessage{
		SessionID:       req.SessionID,
		Message:         req.Message,
		MessageType:     req.MessageType,
		SenderType:      sender,
		SenderID:        c.Principal.UserID,
		ClientMessageID: req.ClientMessageID,
	}, SourceWS)
	return err
}

func (s *RealtimeService) onAdminTyping(ctx context.Context, c *Client, env domain.Envelope) error {
	if !c.IsAdmin() {
		return errAdminOnly
	}
	var req domain.AdminTyping
	if err := env.Decode(&req); err != nil {
		return err
	}
	s.chat.RelayTyping(req.SessionID, c.ID, domain.SenderAgent, req.IsTyping)
	return nil
}

func (s *RealtimeService) onTypingSignal(ctx context.Context, c *Client, env domain.Envelope) error {
	var req domain.TypingSignal
	if err := env.Decode(&req); err != nil {
		return err
	}
	sender := domain.SenderUser
	if c.IsAdmin() {
		sender = domain.SenderAgent
	} else if !s.hub.InRoom(c, req.SessionID) {
		if _, err := s.chat.Authorize(ctx, c.Principal, req.SessionID); err != nil {
			return err
		}
		s.hub.Join(c, req.SessionID)
	}
	s.chat.RelayTyping(req.SessionID, c.ID, sender, env.Event == domain.EventTypingStart)
	return nil
}

func (s *RealtimeService) onEnd(ctx context.Context, c *Client, env domain.Envelope) error {
	if !c.IsAdmin() {
		return errAdminOnly
	}
	var req domain.EndSession
	if err := env.Decode(&req); err != nil {
		return err
	}
	_, err := s.chat.End(ctx, req.SessionID, AgentFromPrincipal(c.Principal), req.Reason)
	return err
}

func (s *RealtimeService) onActivity(ctx context.Context, c *Client, env domain.Envelope) error {
	if !c.IsAdmin() {
		return nil
	}
	var req domain.UserActivity
	if err := env.Decode(&req); err != nil {
		return err
	}
	return s.presence.Record(ctx, AgentPresence{
		UserID:   c.Principal.UserID,
		Status:   req.Status,
		UserInfo: c.UserInfo,
		SocketID: c.ID,
	})
}

func (s *RealtimeService) onAdminConnected(ctx context.Context, c *Client, env domain.Envelope) error {
	if !c.IsAdmin() {
		return errAdminOnly
	}
	var req domain.AdminConnected
	if err := env.Decode(&req); err != nil {
		return err
	}
	return s.presence.Record(ctx, AgentPresence{
		UserID:   c.Principal.UserID,
		Status:   "active",
		UserInfo: c.UserInfo,
		SocketID: c.ID,
	})
}
