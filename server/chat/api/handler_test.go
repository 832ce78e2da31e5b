package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"supportdesk/server/chat/domain"
	"supportdesk/server/chat/repository"
	"supportdesk/server/chat/service"
	commonauth "supportdesk/server/common/auth"
)

type testAPI struct {
	router *gin.Engine
	auth   *commonauth.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	accounts, err := service.ParseAccounts([]string{"grace@example.com:" + string(hash) + ":Grace Hopper"})
	require.NoError(t, err)

	metrics := service.NewMetrics()
	hub := service.NewHub(metrics)
	auth := commonauth.NewService("test-secret", 10)
	presence := service.NewPresenceRegistry(nil, 0, nil)
	chat := service.NewChatService(repository.NewMemoryStore(), hub, service.WithMetrics(metrics))
	h := NewHandler(Deps{
		Chat:     chat,
		Realtime: service.NewRealtimeService(chat, hub, auth, presence, metrics),
		Hub:      hub,
		Auth:     auth,
		Accounts: accounts,
		Presence: presence,
		Metrics:  metrics,
	})
	r := gin.New()
	h.RegisterRoutes(r)
	return &testAPI{router: r, auth: auth}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

type dataEnvelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (a *testAPI) login(t *testing.T) domain.LoginResult {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Email: "grace@example.com", Password: "secret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[dataEnvelope[domain.LoginResult]](t, w).Data
}

func TestLogin(t *testing.T) {
	a := newTestAPI(t)
	res := a.login(t)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, "admin", res.User.Role)
	assert.Equal(t, "Grace", res.User.FirstName)

	principal, err := a.auth.ParsePrincipal(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, principal.UserID)

	w := a.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Email: "grace@example.com", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, decode[dataEnvelope[any]](t, w).Success)
}

func TestGuestChatLifecycle(t *testing.T) {
	a := newTestAPI(t)
	admin := a.login(t)

	w := a.do(t, http.MethodPost, "/api/v1/chat/session", "", domain.StartChatRequest{
		UserInfo: domain.UserInfo{FirstName: "Ada"},
		Message:  "Is the Lagos role still open?",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	started := decode[StartChatResponse](t, w)
	require.NotEmpty(t, started.Token)
	assert.True(t, started.Session.UserInfo.IsGuest)
	assert.Equal(t, domain.SessionStatusWaiting, started.Session.Status)
	id := started.Session.ID

	w = a.do(t, http.MethodGet, "/api/v1/admin/chat/sessions", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[dataEnvelope[domain.SessionsSnapshot]](t, w).Data
	assert.Equal(t, 1, snap.TotalSessions)
	assert.Equal(t, 1, snap.WaitingSessions)
	require.Len(t, snap.Sessions, 1)
	assert.Nil(t, snap.Sessions[0].Agent)

	w = a.do(t, http.MethodPost, "/api/v1/admin/chat/assign/"+id, admin.AccessToken, domain.AssignRequest{AdminID: "someone-else"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/admin/chat/assign/"+id, admin.AccessToken, domain.AssignRequest{AdminID: admin.User.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[dataEnvelope[any]](t, w).Success)

	w = a.do(t, http.MethodPost, "/api/v1/admin/chat/assign/"+id, admin.AccessToken, domain.AssignRequest{AdminID: admin.User.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/admin/chat/session/"+id, admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[dataEnvelope[domain.SessionDetail]](t, w).Data
	assert.Equal(t, domain.SessionStatusActive, detail.Session.Status)
	require.NotNil(t, detail.Session.Agent)
	assert.Equal(t, admin.User.ID, detail.Session.Agent.ID)
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "Ada", detail.UserInfo.FirstName)

	w = a.do(t, http.MethodGet, "/api/v1/chat/session/"+id, started.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	general := decode[domain.GeneralSession](t, w)
	assert.True(t, general.Success)
	assert.Equal(t, id, general.Session.ID)

	w = a.do(t, http.MethodPost, "/api/v1/admin/chat/end/"+id, admin.AccessToken, domain.EndRequest{AdminID: admin.User.ID, Reason: "resolved"})
	require.Equal(t, http.StatusOK, w.Code)
	w = a.do(t, http.MethodPost, "/api/v1/admin/chat/end/"+id, admin.AccessToken, nil)
	assert.Equal(t, http.StatusOK, w.Code, "ending twice succeeds")
}

func TestAccessControl(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/api/v1/chat/session", "", domain.StartChatRequest{Message: "hello"})
	require.Equal(t, http.StatusCreated, w.Code)
	started := decode[StartChatResponse](t, w)

	other := a.do(t, http.MethodPost, "/api/v1/chat/session", "", nil)
	require.Equal(t, http.StatusCreated, other.Code)
	otherToken := decode[StartChatResponse](t, other).Token

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{name: "no token", method: http.MethodGet, path: "/api/v1/admin/chat/sessions", status: http.StatusUnauthorized},
		{name: "guest on admin route", method: http.MethodGet, path: "/api/v1/admin/chat/sessions", token: started.Token, status: http.StatusForbidden},
		{name: "other guest", method: http.MethodGet, path: "/api/v1/chat/session/" + started.Session.ID, token: otherToken, status: http.StatusForbidden},
		{name: "missing session", method: http.MethodGet, path: "/api/v1/chat/session/nope", token: started.Token, status: http.StatusNotFound},
		{name: "bad token on start", method: http.MethodPost, path: "/api/v1/chat/session", token: "garbage", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestSignedInApplicantKeepsIdentity(t *testing.T) {
	a := newTestAPI(t)
	token, err := a.auth.GenerateToken(commonauth.Principal{UserID: "applicant-9", Role: commonauth.RoleApplicant, Email: "ada@example.com"})
	require.NoError(t, err)

	w := a.do(t, http.MethodPost, "/api/v1/chat/session", token, domain.StartChatRequest{UserInfo: domain.UserInfo{ID: "spoofed", FirstName: "Ada"}})
	require.Equal(t, http.StatusCreated, w.Code)
	started := decode[StartChatResponse](t, w)
	assert.Empty(t, started.Token)
	assert.Equal(t, "applicant-9", started.Session.UserInfo.ID)
	assert.Equal(t, "ada@example.com", started.Session.UserInfo.Email)
	assert.False(t, started.Session.UserInfo.IsGuest)
}

func TestPresenceBeaconAndListing(t *testing.T) {
	a := newTestAPI(t)
	admin := a.login(t)

	w := a.do(t, http.MethodPost, "/api/v1/admin/presence/beacon", admin.AccessToken, domain.PresenceBeacon{UserID: admin.User.ID, Status: "idle"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodGet, "/api/v1/admin/presence", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	agents := decode[dataEnvelope[[]service.AgentPresence]](t, w).Data
	require.Len(t, agents, 1)
	assert.Equal(t, "idle", agents[0].Status)

	w = a.do(t, http.MethodPost, "/api/v1/admin/presence/beacon", admin.AccessToken, domain.PresenceBeacon{UserID: admin.User.ID, Status: "offline", Reason: "unload"})
	require.Equal(t, http.StatusOK, w.Code)
	w = a.do(t, http.MethodGet, "/api/v1/admin/presence", admin.AccessToken, nil)
	assert.Empty(t, decode[dataEnvelope[[]service.AgentPresence]](t, w).Data)

	w = a.do(t, http.MethodPost, "/api/v1/admin/presence/beacon", admin.AccessToken, domain.PresenceBeacon{UserID: "someone-else", Status: "idle"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, w).Status)

	a.do(t, http.MethodPost, "/api/v1/chat/session", "", nil)
	w = a.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "livechat_sessions_started_total 1")
}
