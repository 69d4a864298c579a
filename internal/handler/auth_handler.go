package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/server/middleware"
	"github.com/helixflow/helixgate/internal/service"
)

// AuthHandler owns the token lifecycle routes.
type AuthHandler struct {
	tokens *service.TokenService
}

func NewAuthHandler(tokens *service.TokenService) *AuthHandler {
	return &AuthHandler{tokens: tokens}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeRequest struct {
	Token string `json:"token"`
}

// Login handles POST /v1/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, infraerrors.BadRequest("VALIDATION_FAILED",
			"email and password are required"))
		return
	}

	principal, err := h.tokens.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		errorResponse(c, err)
		return
	}

	pair, err := h.tokens.IssuePair(c.Request.Context(), principal)
	if err != nil {
		requestLogger(c, "handler.auth.login").Error("auth.issue_pair_failed", zap.Error(err))
		errorResponse(c, err)
		return
	}

	requestLogger(c, "handler.auth.login").Info("auth.login",
		zap.String("subject", principal.ID),
		zap.String("tier", string(principal.Tier)))
	c.JSON(http.StatusOK, pair)
}

// Refresh handles POST /v1/auth/refresh. The refresh token rides in the
// body; a bearer header carrying it also works.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)

	raw := req.RefreshToken
	if raw == "" {
		if tok, ok := middleware.GetRawTokenFromContext(c); ok {
			raw = tok
		}
	}
	if raw == "" {
		errorResponse(c, infraerrors.BadRequest("VALIDATION_FAILED",
			"refresh_token is required"))
		return
	}

	pair, err := h.tokens.Refresh(c.Request.Context(), raw)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Revoke handles POST /v1/auth/revoke. Without an explicit token in the
// body it revokes the access token that authenticated the call. Revoking
// an already-revoked token succeeds; revocation is idempotent.
func (h *AuthHandler) Revoke(c *gin.Context) {
	var req revokeRequest
	_ = c.ShouldBindJSON(&req)

	raw := req.Token
	if raw == "" {
		tok, ok := middleware.GetRawTokenFromContext(c)
		if !ok {
			errorResponse(c, infraerrors.BadRequest("VALIDATION_FAILED",
				"token is required"))
			return
		}
		raw = tok
	}

	if err := h.tokens.Revoke(c.Request.Context(), raw); err != nil {
		errorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
