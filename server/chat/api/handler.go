package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"supportdesk/server/chat/domain"
	"supportdesk/server/chat/repository"
	"supportdesk/server/chat/service"
	commonauth "supportdesk/server/common/auth"
	commonlog "supportdesk/server/common/log"
	"supportdesk/server/common/middleware"
	"supportdesk/server/common/transport/httpresp"
)

type Handler struct {
	chat     *service.ChatService
	ws       *service.RealtimeService
	hub      *service.Hub
	auth     *commonauth.Service
	accounts *service.Accounts
	presence *service.PresenceRegistry
	metrics  *service.Metrics
}

type Deps struct {
	Chat     *service.ChatService
	Realtime *service.RealtimeService
	Hub      *service.Hub
	Auth     *commonauth.Service
	Accounts *service.Accounts
	Presence *service.PresenceRegistry
	Metrics  *service.Metrics
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		chat:     d.Chat,
		ws:       d.Realtime,
		hub:      d.Hub,
		auth:     d.Auth,
		accounts: d.Accounts,
		presence: d.Presence,
		metrics:  d.Metrics,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok", h.hub.ClientCount())) })
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	r.GET("/ws", h.ws.HandleWS)

	api := r.Group("/api/v1")
	api.POST("/auth/login", h.login)
	api.POST("/chat/session", h.startChat)

	visitor := api.Group("/chat", middleware.AuthRequired(h.auth))
	{
		visitor.GET("/session/:sessionId", h.getSession)
	}

	admin := api.Group("/admin", middleware.AuthRequired(h.auth), middleware.RequireRoles(commonauth.RoleAdmin))
	{
		admin.GET("/chat/sessions", h.listSessions)
		admin.GET("/chat/session/:sessionId", h.sessionDetail)
		admin.POST("/chat/assign/:sessionId", h.assignSession)
		admin.POST("/chat/end/:sessionId", h.endSession)
		admin.POST("/presence/beacon", h.presenceBeacon)
		admin.GET("/presence", h.listPresence)
	}
}

// writeError maps service errors onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status, message = http.StatusNotFound, httpresp.ErrSessionNotFound
	case errors.Is(err, repository.ErrNotWaiting):
		status, message = http.StatusConflict, httpresp.ErrSessionNotWaiting
	case errors.Is(err, repository.ErrSessionEnded):
		status, message = http.StatusConflict, httpresp.ErrSessionEnded
	case errors.Is(err, repository.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotParticipant):
		status, message = http.StatusForbidden, httpresp.ErrForbidden
	default:
		commonlog.Errorf("event=livechat_http action=handle status=failed path=%s error=%v", c.FullPath(), err)
	}
	c.JSON(status, NewFailure(message))
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, out any) error {
	if err := c.ShouldBindJSON(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *Handler) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewFailure(err.Error()))
		return
	}
	acct, err := h.accounts.Authenticate(req.Email, req.Password)
	if err != nil {
		commonlog.Warnf("event=livechat_auth action=login status=failed email=%s", strings.ToLower(req.Email))
		c.JSON(http.StatusUnauthorized, NewFailure(httpresp.ErrInvalidCredentials))
		return
	}
	token, err := h.auth.GenerateToken(acct.Principal())
	if err != nil {
		writeError(c, err)
		return
	}
	commonlog.Infof("event=livechat_auth action=login status=ok user_id=%s role=%s", acct.ID, acct.Role)
	c.JSON(http.StatusOK, NewData(domain.LoginResult{AccessToken: token, User: acct.UserInfo()}))
}

// startChat opens a chat for a signed-in applicant, or for a guest who gets
// a token to use on the realtime socket.
func (h *Handler) startChat(c *gin.Context) {
	var req domain.StartChatRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, NewFailure(err.Error()))
		return
	}
	visitor := req.UserInfo
	guestToken := ""
	if token, ok := middleware.BearerToken(c.GetHeader("Authorization")); ok {
		principal, err := h.auth.ParsePrincipal(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, NewFailure(httpresp.ErrInvalidToken))
			return
		}
		visitor.ID = principal.UserID
		visitor.IsGuest = false
		if visitor.Email == "" {
			visitor.Email = principal.Email
		}
		if visitor.Role == "" {
			visitor.Role = principal.Role
		}
	} else {
		visitor.ID = "guest-" + uuid.NewString()
		visitor.IsGuest = true
		visitor.Role = commonauth.RoleGuest
		token, err := h.auth.GenerateToken(commonauth.Principal{
			UserID: visitor.ID,
			Role:   commonauth.RoleGuest,
			Name:   visitor.DisplayName(),
			Email:  visitor.Email,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		guestToken = token
	}

	session, err := h.chat.StartSession(c.Request.Context(), visitor, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, StartChatResponse{Success: true, Session: session, Token: guestToken})
}

func (h *Handler) getSession(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	sessionID := c.Param("sessionId")
	if _, err := h.chat.Authorize(c.Request.Context(), principal, sessionID); err != nil {
		writeError(c, err)
		return
	}
	detail, err := h.chat.Detail(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewGeneralSession(detail))
}

func (h *Handler) listSessions(c *gin.Context) {
	snap, err := h.chat.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewData(snap))
}

func (h *Handler) sessionDetail(c *gin.Context) {
	detail, err := h.chat.Detail(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewData(detail))
}

func (h *Handler) assignSession(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	var req domain.AssignRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, NewFailure(err.Error()))
		return
	}
	if req.AdminID != "" && req.AdminID != principal.UserID {
		c.JSON(http.StatusForbidden, NewFailure(httpresp.ErrAdminMismatch))
		return
	}
	if _, err := h.chat.Assign(c.Request.Context(), c.Param("sessionId"), service.AgentFromPrincipal(principal)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewSuccess())
}

func (h *Handler) endSession(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	var req domain.EndRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, NewFailure(err.Error()))
		return
	}
	if req.AdminID != "" && req.AdminID != principal.UserID {
		c.JSON(http.StatusForbidden, NewFailure(httpresp.ErrAdminMismatch))
		return
	}
	if _, err := h.chat.End(c.Request.Context(), c.Param("sessionId"), service.AgentFromPrincipal(principal), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewSuccess())
}

func (h *Handler) presenceBeacon(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	var req domain.PresenceBeacon
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewFailure(err.Error()))
		return
	}
	if req.UserID != "" && req.UserID != principal.UserID {
		c.JSON(http.StatusForbidden, NewFailure(httpresp.ErrAdminMismatch))
		return
	}
	err := h.presence.Record(c.Request.Context(), service.AgentPresence{
		UserID:   principal.UserID,
		Status:   req.Status,
		Reason:   req.Reason,
		UserInfo: domain.UserInfo{ID: principal.UserID, Email: principal.Email, Role: principal.Role},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	commonlog.Infof("event=livechat_presence action=beacon status=ok user_id=%s presence=%s reason=%s", principal.UserID, req.Status, req.Reason)
	c.JSON(http.StatusOK, NewSuccess())
}

func (h *Handler) listPresence(c *gin.Context) {
	agents, err := h.presence.Online(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewData(agents))
}
