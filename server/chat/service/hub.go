package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"supportdesk/server/chat/domain"
	commonauth "supportdesk/server/common/auth"
	commonlog "supportdesk/server/common/log"
)

const liveChatEventsChannel = "livechat:events"

var (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = int64(64 * 1024)
	sendBufSize    = 256
)

var (
	errClientClosed = errors.New("client is closed")
	errSlowConsumer = errors.New("client send buffer is full")
)

// Client is one authenticated realtime socket.
type Client struct {
	ID        string
	Principal commonauth.Principal
	UserInfo  domain.UserInfo

	conn      *websocket.Conn
	egress    chan domain.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn. A nil conn gives a client whose queued envelopes are
// only readable through Outbox.
func NewClient(id string, principal commonauth.Principal, info domain.UserInfo, conn *websocket.Conn) *Client {
	return &Client{
		ID:        id,
		Principal: principal,
		UserInfo:  info,
		conn:      conn,
		egress:    make(chan domain.Envelope, sendBufSize),
		done:      make(chan struct{}),
	}
}

func (c *Client) IsAdmin() bool {
	return c.Principal.IsAdmin()
}

// Send queues env without blocking.
func (c *Client) Send(env domain.Envelope) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.egress <- env:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSlowConsumer
	}
}

// Outbox exposes queued envelopes.
func (c *Client) Outbox() <-chan domain.Envelope {
	return c.egress
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = c.conn.Close()
		}
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case env := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				commonlog.Debugf("event=livechat_socket action=write status=failed socket_id=%s error=%v", c.ID, err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Audience selects who receives a hub delivery: members of a session room,
// every connected admin, or both. A client in both sets gets one copy.
type Audience struct {
	SessionID string `json:"session_id,omitempty"`
	Admins    bool   `json:"admins,omitempty"`
	Except    string `json:"except,omitempty"`
}

type hubEvent struct {
	Kind     string          `json:"kind"`
	Audience Audience        `json:"audience"`
	Envelope domain.Envelope `json:"envelope"`
}

// Hub tracks connected sockets and session rooms. With redis configured,
// deliveries go through a pub/sub channel so every gateway node fans out to
// its own sockets; otherwise they are dispatched locally.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	rooms     map[string]map[string]*Client
	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc
	metrics   *Metrics
}

func NewHub(metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Hub{
		clients: map[string]*Client{},
		rooms:   map[string]map[string]*Client{},
		metrics: metrics,
	}
}

func (h *Hub) UseRedis(client *redis.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redis = client
}

func (h *Hub) StartRedisSubscriber(ctx context.Context) error {
	h.mu.Lock()
	if h.redis == nil {
		h.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if h.redisSub != nil {
		h.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := h.redis.Subscribe(subCtx, liveChatEventsChannel)
	h.redisSub = sub
	h.subCancel = cancel
	h.mu.Unlock()

	go h.consumeEvents(subCtx, sub)
	return nil
}

func (h *Hub) StopRedisSubscriber() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subCancel != nil {
		h.subCancel()
		h.subCancel = nil
	}
	if h.redisSub != nil {
		_ = h.redisSub.Close()
		h.redisSub = nil
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.metrics.Connections.WithLabelValues(roleLabel(c)).Inc()
	commonlog.Infof("event=livechat_hub action=register status=ok socket_id=%s user_id=%s role=%s", c.ID, c.Principal.UserID, c.Principal.Role)
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, known := h.clients[c.ID]
	delete(h.clients, c.ID)
	for sessionID, members := range h.rooms {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	h.mu.Unlock()
	c.Close()
	if known {
		h.metrics.Connections.WithLabelValues(roleLabel(c)).Dec()
		commonlog.Infof("event=livechat_hub action=unregister status=ok socket_id=%s user_id=%s", c.ID, c.Principal.UserID)
	}
}

func (h *Hub) Join(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[sessionID]
	if !ok {
		members = map[string]*Client{}
		h.rooms[sessionID] = members
	}
	members[c.ID] = c
}

func (h *Hub) Leave(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[sessionID]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

func (h *Hub) InRoom(c *Client, sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[sessionID][c.ID]
	return ok
}

// RoomSize counts the local clients joined to sessionID.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit builds an envelope for event and delivers it to aud.
func (h *Hub) Emit(aud Audience, event string, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	h.Deliver(aud, env)
	return nil
}

func (h *Hub) Deliver(aud Audience, env domain.Envelope) {
	if h.publish(aud, env) {
		return
	}
	fanoutCount := h.deliverLocal(aud, env)
	commonlog.Debugf("event=livechat_hub action=local_dispatch kind=%s session_id=%s fanout_count=%d", env.Event, aud.SessionID, fanoutCount)
}

func (h *Hub) deliverLocal(aud Audience, env domain.Envelope) int {
	h.mu.RLock()
	targets := map[string]*Client{}
	if aud.SessionID != "" {
		for id, c := range h.rooms[aud.SessionID] {
			targets[id] = c
		}
	}
	if aud.Admins {
		for id, c := range h.clients {
			if c.IsAdmin() {
				targets[id] = c
			}
		}
	}
	h.mu.RUnlock()
	delete(targets, aud.Except)

	count := 0
	for _, c := range targets {
		switch err := c.Send(env); {
		case err == nil:
			count++
		case errors.Is(err, errSlowConsumer):
			h.metrics.Dropped.Inc()
			commonlog.Warnf("event=livechat_hub action=deliver status=dropped socket_id=%s kind=%s", c.ID, env.Event)
			c.Close()
		}
	}
	if count > 0 {
		h.metrics.Deliveries.WithLabelValues(env.Event).Add(float64(count))
	}
	return count
}

func (h *Hub) publish(aud Audience, env domain.Envelope) bool {
	h.mu.RLock()
	redisClient := h.redis
	h.mu.RUnlock()
	if redisClient == nil {
		return false
	}
	b, err := json.Marshal(hubEvent{Kind: "deliver", Audience: aud, Envelope: env})
	if err != nil {
		commonlog.Errorf("event=livechat_hub action=publish status=failed kind=%s error=%v", env.Event, err)
		return false
	}
	if err := redisClient.Publish(context.Background(), liveChatEventsChannel, b).Err(); err != nil {
		commonlog.Errorf("event=livechat_hub action=publish status=failed kind=%s error=%v", env.Event, err)
		return false
	}
	return true
}

func (h *Hub) consumeEvents(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var event hubEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			continue
		}
		if event.Kind != "deliver" || event.Envelope.Event == "" {
			continue
		}
		fanoutCount := h.deliverLocal(event.Audience, event.Envelope)
		commonlog.Debugf("event=livechat_hub action=consume status=ok kind=%s session_id=%s fanout_count=%d", event.Envelope.Event, event.Audience.SessionID, fanoutCount)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.StopRedisSubscriber()
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.Unregister(c)
	}
}

func roleLabel(c *Client) string {
	if c.Principal.Role == "" {
		return "unknown"
	}
	return c.Principal.Role
}
