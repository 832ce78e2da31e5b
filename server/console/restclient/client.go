package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"supportdesk/server/chat/domain"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("live chat is not available")
)

// StatusError is any non-success answer other than 401 and 404.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api status %d", e.Status)
	}
	return fmt.Sprintf("chat api status %d: %s", e.Status, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type Client struct {
	baseURL string
	token   func() string
	client  *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// New builds a client for the chat REST collaborator. token is read on every
// request so a refreshed credential is picked up without rebuilding the client.
func New(baseURL string, token func() string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListSessions(ctx context.Context) (domain.SessionsSnapshot, error) {
	var out domain.SessionsSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/admin/chat/sessions", nil, &out); err != nil {
		return domain.SessionsSnapshot{}, err
	}
	return out, nil
}

func (c *Client) SessionDetail(ctx context.Context, sessionID string) (domain.SessionDetail, error) {
	var out domain.SessionDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/admin/chat/session/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return domain.SessionDetail{}, err
	}
	return out, nil
}

func (c *Client) AssignSession(ctx context.Context, sessionID, adminID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/chat/assign/"+url.PathEscape(sessionID), domain.AssignRequest{AdminID: adminID}, nil)
}

func (c *Client) EndSession(ctx context.Context, sessionID, adminID, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/chat/end/"+url.PathEscape(sessionID), domain.EndRequest{AdminID: adminID, Reason: reason}, nil)
}

// Session fetches the general, non-admin view of a chat session.
func (c *Client) Session(ctx context.Context, sessionID string) (domain.GeneralSession, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/chat/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return domain.GeneralSession{}, err
	}
	defer resp.Body.Close()
	if err := statusErr(resp); err != nil {
		return domain.GeneralSession{}, err
	}
	var out domain.GeneralSession
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.GeneralSession{}, fmt.Errorf("decode session: %w", err)
	}
	if !out.Success {
		return domain.GeneralSession{}, &StatusError{Status: resp.StatusCode, Message: "request was not successful"}
	}
	return out, nil
}

func (c *Client) PresenceBeacon(ctx context.Context, beacon domain.PresenceBeacon) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/presence/beacon", beacon, nil)
}

func (c *Client) Login(ctx context.Context, email, password string) (domain.LoginResult, error) {
	var out domain.LoginResult
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Email: email, Password: password}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	resp, err := c.send(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusErr(resp); err != nil {
		return err
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if !env.Success {
		return &StatusError{Status: resp.StatusCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s %s data: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		if token := strings.TrimSpace(c.token()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func statusErr(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		var env envelope
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env)
		return &StatusError{Status: resp.StatusCode, Message: env.Message}
	}
	return nil
}

// IsStatus reports whether err is a StatusError carrying code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == code
}
