package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonauth "supportdesk/server/common/auth"
)

func newRouter(t *testing.T, svc *commonauth.Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	admin := r.Group("/admin", AuthRequired(svc), RequireRoles(commonauth.RoleAdmin))
	admin.GET("/me", func(c *gin.Context) {
		p, _ := PrincipalFrom(c)
		c.String(http.StatusOK, p.UserID)
	})
	return r
}

func TestAuthRequired(t *testing.T) {
	svc := commonauth.NewService("secret", 10)
	adminToken, err := svc.GenerateToken(commonauth.Principal{UserID: "admin-7", Role: commonauth.RoleAdmin})
	require.NoError(t, err)
	applicantToken, err := svc.GenerateToken(commonauth.Principal{UserID: "app-1", Role: commonauth.RoleApplicant})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "wrong role", header: "Bearer " + applicantToken, status: http.StatusForbidden},
		{name: "admin", header: "Bearer " + adminToken, status: http.StatusOK, body: "admin-7"},
	}
	r := newRouter(t, svc)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = BearerToken("Bearer   ")
	assert.False(t, ok)
	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
}
