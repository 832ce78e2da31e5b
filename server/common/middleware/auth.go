package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	commonauth "supportdesk/server/common/auth"
	"supportdesk/server/common/transport/httpresp"
)

const principalKey = "auth_principal"

type tokenAuth interface {
	ParsePrincipal(token string) (commonauth.Principal, error)
}

func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

func AuthRequired(auth tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewFailure(httpresp.ErrMissingBearerToken))
			return
		}
		principal, err := auth.ParsePrincipal(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewFailure(httpresp.ErrInvalidToken))
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func RequireRoles(roles ...string) gin.HandlerFunc {
	allowed := map[string]struct{}{}
	for _, role := range roles {
		allowed[strings.TrimSpace(role)] = struct{}{}
	}
	return func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, httpresp.NewFailure(httpresp.ErrForbidden))
			return
		}
		if _, ok := allowed[principal.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, httpresp.NewFailure(httpresp.ErrInsufficientRole))
			return
		}
		c.Next()
	}
}

func PrincipalFrom(c *gin.Context) (commonauth.Principal, bool) {
	raw, ok := c.Get(principalKey)
	if !ok {
		return commonauth.Principal{}, false
	}
	principal, ok := raw.(commonauth.Principal)
	if !ok || strings.TrimSpace(principal.UserID) == "" {
		return commonauth.Principal{}, false
	}
	return principal, true
}
