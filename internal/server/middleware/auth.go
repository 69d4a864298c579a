package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/helixflow/helixgate/internal/domain"
	"github.com/helixflow/helixgate/internal/pkg/ctxkey"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/service"
)

// Auth enforces a valid bearer access token and resolves the principal
// into the request context.
type Auth gin.HandlerFunc

// WSAuth is Auth with an access_token query fallback for WebSocket
// clients that cannot set headers.
type WSAuth gin.HandlerFunc

// OptionalAuth admits anonymous requests, but a presented token is still
// fully validated; a bad token is rejected, not ignored.
type OptionalAuth gin.HandlerFunc

func NewAuth(tokens *service.TokenService, users service.UserLookup) Auth {
	return Auth(authenticate(tokens, users, false, true))
}

func NewWSAuth(tokens *service.TokenService, users service.UserLookup) WSAuth {
	return WSAuth(authenticate(tokens, users, true, true))
}

func NewOptionalAuth(tokens *service.TokenService, users service.UserLookup) OptionalAuth {
	return OptionalAuth(authenticate(tokens, users, false, false))
}

func authenticate(tokens *service.TokenService, users service.UserLookup, allowQuery, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearerToken(c, allowQuery)
		if err != nil {
			if !required && raw == "" {
				c.Next()
				return
			}
			abortWithError(c, err)
			return
		}

		claims, err := tokens.Validate(c.Request.Context(), raw, service.TokenTypeAccess)
		if err != nil {
			abortWithError(c, err)
			return
		}

		principal, err := users.ByID(c.Request.Context(), claims.Subject)
		if err != nil {
			abortWithError(c, infraerrors.Unauthorized("PRINCIPAL_NOT_FOUND",
				"token subject no longer exists").WithCause(err))
			return
		}
		if !principal.IsActive() {
			abortWithError(c, infraerrors.Forbidden("PRINCIPAL_SUSPENDED",
				"principal is suspended"))
			return
		}

		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, ctxkey.Principal, principal)
		ctx = context.WithValue(ctx, ctxkey.Claims, claims)
		ctx = context.WithValue(ctx, ctxkey.RawToken, raw)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// bearerToken extracts the access token from the Authorization header,
// falling back to the access_token query parameter when allowed. The
// empty return distinguishes "absent" from "present but malformed".
func bearerToken(c *gin.Context, allowQuery bool) (string, error) {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return header, infraerrors.Unauthorized("AUTH_HEADER_INVALID",
				"Authorization header must be 'Bearer {token}'")
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if allowQuery {
		if tok := strings.TrimSpace(c.Query("access_token")); tok != "" {
			return tok, nil
		}
	}
	return "", infraerrors.Unauthorized("AUTH_HEADER_INVALID", "missing Authorization header")
}

// GetPrincipalFromContext returns the authenticated principal, when auth ran.
func GetPrincipalFromContext(c *gin.Context) (*domain.Principal, bool) {
	p, ok := c.Request.Context().Value(ctxkey.Principal).(*domain.Principal)
	return p, ok && p != nil
}

// GetClaimsFromContext returns the validated token claims, when auth ran.
func GetClaimsFromContext(c *gin.Context) (*service.Claims, bool) {
	cl, ok := c.Request.Context().Value(ctxkey.Claims).(*service.Claims)
	return cl, ok && cl != nil
}

// GetRawTokenFromContext returns the bearer token as presented.
func GetRawTokenFromContext(c *gin.Context) (string, bool) {
	raw, ok := c.Request.Context().Value(ctxkey.RawToken).(string)
	return raw, ok && raw != ""
}

// RequirePermission gates a route on one permission atom. Auth must run
// first; an unauthenticated request here is a routing bug and fails closed.
func RequirePermission(rbac *service.RBACService, perm domain.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := GetPrincipalFromContext(c)
		if !ok {
			abortWithError(c, infraerrors.Unauthorized("AUTH_HEADER_INVALID",
				"missing Authorization header"))
			return
		}
		if err := rbac.RequirePermission(principal, perm); err != nil {
			abortWithError(c, err)
			return
		}
		c.Next()
	}
}
