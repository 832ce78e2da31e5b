package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"supportdesk/server/chat/domain"
)

var (
	// ErrAuthentication marks a rejection that retrying with the same token cannot fix.
	ErrAuthentication = errors.New("authentication failed")
	ErrNotConnected   = errors.New("realtime connection is not established")
)

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 25 * time.Second
)

// Conn is one live transport handle.
type Conn interface {
	ReadEnvelope() (domain.Envelope, error)
	WriteEnvelope(env domain.Envelope) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, identity Identity) (Conn, error)
}

// WebsocketDialer opens gorilla websocket connections to the chat gateway.
type WebsocketDialer struct {
	URL          string
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context, identity Identity) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+identity.Token)

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	interval := d.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	c := &wsConn{ws: ws, done: make(chan struct{})}
	go c.pingLoop(interval)
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadEnvelope() (domain.Envelope, error) {
	var env domain.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

func (c *wsConn) WriteEnvelope(env domain.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// IsAuthFailure recognises rejections by error chain or by message text.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) {
		return true
	}
	return isAuthMessage(err.Error())
}

func isAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"unauthorized", "invalid token", "jwt expired", "token expired", "authentication"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
