package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportdesk/server/chat/domain"
	"supportdesk/server/console/presence"
	"supportdesk/server/console/realtime"
)

type refusingDialer struct{}

func (refusingDialer) Dial(ctx context.Context, identity realtime.Identity) (realtime.Conn, error) {
	return nil, errors.New("connection refused")
}

type gateway struct {
	mu          sync.Mutex
	sessionsErr int
	beacons     []domain.PresenceBeacon
	assigned    []string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req domain.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		role := "admin"
		if req.Email == "applicant@example.com" {
			role = "applicant"
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": domain.LoginResult{
			AccessToken: "token-1",
			User:        domain.UserInfo{ID: "admin-1", FirstName: "Grace", LastName: "Hopper", Email: req.Email, Role: role},
		}})
	})
	mux.HandleFunc("GET /api/v1/admin/chat/sessions", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		status := g.sessionsErr
		g.mu.Unlock()
		if status != 0 {
			writeJSON(w, status, map[string]any{"success": false, "message": "nope"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": domain.SessionsSnapshot{
			Sessions:        []domain.ChatSession{{ID: "s1", Status: domain.SessionStatusWaiting}},
			TotalSessions:   1,
			WaitingSessions: 1,
		}})
	})
	mux.HandleFunc("POST /api/v1/admin/chat/assign/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.assigned = append(g.assigned, r.PathValue("id"))
		g.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("GET /api/v1/admin/chat/session/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": domain.SessionDetail{
			Session: domain.ChatSession{ID: r.PathValue("id"), Status: domain.SessionStatusActive},
		}})
	})
	mux.HandleFunc("POST /api/v1/admin/presence/beacon", func(w http.ResponseWriter, r *http.Request) {
		var b domain.PresenceBeacon
		_ = json.NewDecoder(r.Body).Decode(&b)
		g.mu.Lock()
		g.beacons = append(g.beacons, b)
		g.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	return mux
}

func newConsole(t *testing.T, g *gateway) (*Console, CredentialStore, *[]string) {
	t.Helper()
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)

	cfg := LoadConfig()
	cfg.APIURL = srv.URL
	store := CredentialStore{Path: filepath.Join(t.TempDir(), "creds.yaml")}
	var mu sync.Mutex
	reasons := &[]string{}
	c := New(cfg, Options{
		Store:  store,
		Dialer: refusingDialer{},
		Clock:  clockwork.NewFakeClock(),
		OnLogout: func(reason string) {
			mu.Lock()
			*reasons = append(*reasons, reason)
			mu.Unlock()
		},
	})
	t.Cleanup(c.Shutdown)
	return c, store, reasons
}

func TestLoginStoresCredentialsAndLoadsInbox(t *testing.T) {
	c, store, _ := newConsole(t, &gateway{})

	require.NoError(t, c.Login(context.Background(), "grace@example.com", "secret"))
	assert.True(t, c.SignedIn())
	assert.Len(t, c.Inbox().Sessions(), 1)
	assert.Equal(t, presence.StatusActive, c.Tracker().Status())

	id, ok := c.Connection().Identity()
	require.True(t, ok)
	assert.Equal(t, "token-1", id.Token)
	assert.Equal(t, "admin-1", id.UserID)

	creds, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "token-1", creds.Token)
	assert.Equal(t, "Grace", creds.User.FirstName)
}

func TestLoginRejectsNonAgents(t *testing.T) {
	c, store, _ := newConsole(t, &gateway{})

	assert.ErrorIs(t, c.Login(context.Background(), "applicant@example.com", "secret"), ErrNotAdmin)
	assert.False(t, c.SignedIn())
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestStartResumesStoredSignIn(t *testing.T) {
	c, store, _ := newConsole(t, &gateway{})
	assert.ErrorIs(t, c.Start(context.Background()), ErrNoCredentials)

	require.NoError(t, store.Save(Credentials{Token: "token-1", User: StoredUser{ID: "admin-1", FirstName: "Grace", Role: "admin"}}))
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.SignedIn())
	agent, ok := c.Agent()
	require.True(t, ok)
	assert.Equal(t, "admin-1", agent.ID)
}

func TestUnauthorizedRefreshLogsOut(t *testing.T) {
	g := &gateway{}
	c, store, reasons := newConsole(t, g)
	require.NoError(t, c.Login(context.Background(), "grace@example.com", "secret"))
	box := c.Inbox()

	g.mu.Lock()
	g.sessionsErr = http.StatusUnauthorized
	g.mu.Unlock()
	require.Error(t, box.Load(context.Background()))

	assert.False(t, c.SignedIn())
	assert.Nil(t, c.Inbox())
	assert.Equal(t, []string{"unauthorized"}, *reasons)
	_, ok := c.Connection().Identity()
	assert.False(t, ok)
	assert.Equal(t, realtime.StatusDisconnected, c.Connection().State().Status)
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestAssignOpensTranscript(t *testing.T) {
	g := &gateway{}
	c, _, _ := newConsole(t, g)
	require.NoError(t, c.Login(context.Background(), "grace@example.com", "secret"))

	require.NoError(t, c.Assign(context.Background(), "s1"))
	assert.Equal(t, []string{"s1"}, g.assigned)
	detail := c.Transcript()
	require.NotNil(t, detail)
	assert.Equal(t, "s1", detail.SessionID())
	s1, ok := c.Inbox().Session("s1")
	require.True(t, ok)
	assert.Equal(t, domain.SessionStatusActive, s1.Status)
}

func TestShutdownSendsBeaconAndKeepsSignIn(t *testing.T) {
	g := &gateway{}
	c, store, _ := newConsole(t, g)
	require.NoError(t, c.Login(context.Background(), "grace@example.com", "secret"))

	c.Shutdown()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.beacons) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "offline", g.beacons[0].Status)
	_, err := store.Load()
	assert.NoError(t, err)
}

func TestSocketURLFor(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", SocketURLFor("http://localhost:8080/"))
	assert.Equal(t, "wss://chat.example.com/ws", SocketURLFor("https://chat.example.com"))
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SUPPORTDESK_API_URL", "https://desk.example.com")
	t.Setenv("SOCKET_RECONNECT_CAP", "10s")
	t.Setenv("PRESENCE_IDLE_AFTER", "60000")

	cfg := LoadConfig()
	assert.Equal(t, "wss://desk.example.com/ws", cfg.SocketURL)
	assert.Equal(t, 10*time.Second, cfg.ReconnectCap)
	assert.Equal(t, time.Minute, cfg.IdleAfter)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
}

func TestCredentialStoreRejectsIncompleteRecord(t *testing.T) {
	store := CredentialStore{Path: filepath.Join(t.TempDir(), "nested", "creds.yaml")}
	require.NoError(t, store.Save(Credentials{Token: "tok"}))
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoCredentials)
	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
}
