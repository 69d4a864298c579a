package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/domain"
	"github.com/helixflow/helixgate/internal/repository"
	"github.com/helixflow/helixgate/internal/server/middleware"
	"github.com/helixflow/helixgate/internal/service"
)

type authEnv struct {
	tokens *service.TokenService
	users  *repository.UserDirectory
}

func newAuthEnv(t *testing.T) *authEnv {
	t.Helper()
	cfg := &config.Config{
		Auth: config.AuthConfig{AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour},
		Users: []config.UserSeed{
			{ID: "u-1", Email: "one@example.com", Tier: "pro"},
			{ID: "u-frozen", Email: "frozen@example.com", Tier: "pro", Status: "disabled"},
		},
	}
	kv := repository.NewMemoryStore()
	t.Cleanup(func() { _ = kv.Close() })
	users := repository.NewUserDirectory(cfg)
	tokens, err := service.NewTokenService(cfg, kv, users)
	require.NoError(t, err)
	return &authEnv{tokens: tokens, users: users}
}

func (e *authEnv) accessTokenFor(t *testing.T, id string) string {
	t.Helper()
	p, err := e.users.ByID(context.Background(), id)
	require.NoError(t, err)
	pair, err := e.tokens.IssuePair(context.Background(), p)
	require.NoError(t, err)
	return pair.AccessToken
}

// probeEngine exposes what the auth middleware left in the context.
func probeEngine(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(mw)
	engine.GET("/probe", func(c *gin.Context) {
		out := gin.H{"principal": "", "has_claims": false, "has_raw": false}
		if p, ok := middleware.GetPrincipalFromContext(c); ok {
			out["principal"] = p.ID
		}
		if _, ok := middleware.GetClaimsFromContext(c); ok {
			out["has_claims"] = true
		}
		if _, ok := middleware.GetRawTokenFromContext(c); ok {
			out["has_raw"] = true
		}
		c.JSON(http.StatusOK, out)
	})
	return engine
}

func get(engine *gin.Engine, header map[string]string, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/probe"+query, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestAuthResolvesPrincipalIntoContext(t *testing.T) {
	env := newAuthEnv(t)
	engine := probeEngine(gin.HandlerFunc(middleware.NewAuth(env.tokens, env.users)))

	rec := get(engine, map[string]string{
		"Authorization": "Bearer " + env.accessTokenFor(t, "u-1"),
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Equal(t, "u-1", gjson.Get(body, "principal").String())
	require.True(t, gjson.Get(body, "has_claims").Bool())
	require.True(t, gjson.Get(body, "has_raw").Bool())
}

func TestAuthRejectsMissingAndMalformedHeaders(t *testing.T) {
	env := newAuthEnv(t)
	engine := probeEngine(gin.HandlerFunc(middleware.NewAuth(env.tokens, env.users)))

	cases := map[string]map[string]string{
		"missing header": nil,
		"wrong scheme":   {"Authorization": "Token abc"},
		"no token":       {"Authorization": "Bearer "},
		"bare word":      {"Authorization": "Bearer"},
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			rec := get(engine, header, "")
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Equal(t, "auth_header_invalid", gjson.Get(rec.Body.String(), "error.code").String())
		})
	}
}

func TestAuthIgnoresQueryToken(t *testing.T) {
	env := newAuthEnv(t)
	engine := probeEngine(gin.HandlerFunc(middleware.NewAuth(env.tokens, env.users)))

	rec := get(engine, nil, "?access_token="+env.accessTokenFor(t, "u-1"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWSAuthAcceptsQueryToken(t *testing.T) {
	env := newAuthEnv(t)
	engine := probeEngine(gin.HandlerFunc(middleware.NewWSAuth(env.tokens, env.users)))

	rec := get(engine, nil, "?access_token="+env.accessTokenFor(t, "u-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u-1", gjson.Get(rec.Body.String(), "principal").String())

	// The header still wins when both are present.
	rec = get(engine, map[string]string{
		"Authorization": "Bearer " + env.accessTokenFor(t, "u-1"),
	}, "?access_token=garbage")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOptionalAuthAdmitsAnonymous(t *testing.T) {
	env := newAuthEnv(t)
	engine := probeEngine(gin.HandlerFunc(middleware.NewOptionalAuth(env.tokens, env.users)))

	rec := get(engine, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, gjson.Get(rec.Body.String(), "principal").String())
}

func TestOptionalAuthStillValidatesPresentedToken(t *testing.T) {
	env := newAuthEnv(t)
	engine := probeEngine(gin.HandlerFunc(middleware.NewOptionalAuth(env.tokens, env.users)))

	rec := get(engine, map[string]string{"Authorization": "Bearer garbage"}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "malformed_token", gjson.Get(rec.Body.String(), "error.code").String())

	rec = get(engine, map[string]string{
		"Authorization": "Bearer " + env.accessTokenFor(t, "u-1"),
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u-1", gjson.Get(rec.Body.String(), "principal").String())
}

func TestAuthRejectsSuspendedPrincipal(t *testing.T) {
	env := newAuthEnv(t)
	engine := probeEngine(gin.HandlerFunc(middleware.NewAuth(env.tokens, env.users)))

	rec := get(engine, map[string]string{
		"Authorization": "Bearer " + env.accessTokenFor(t, "u-frozen"),
	}, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "principal_suspended", gjson.Get(rec.Body.String(), "error.code").String())
}

func TestAuthRejectsVanishedSubject(t *testing.T) {
	env := newAuthEnv(t)
	engine := probeEngine(gin.HandlerFunc(middleware.NewAuth(env.tokens, env.users)))

	// A token whose subject the directory no longer knows.
	ghost := &domain.Principal{ID: "u-ghost", Email: "ghost@example.com", Tier: domain.TierPro}
	pair, err := env.tokens.IssuePair(context.Background(), ghost)
	require.NoError(t, err)

	rec := get(engine, map[string]string{"Authorization": "Bearer " + pair.AccessToken}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "principal_not_found", gjson.Get(rec.Body.String(), "error.code").String())
}

func TestRequirePermissionFailsClosedWithoutAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rbac, err := service.NewRBACService(domain.BuiltinRoles())
	require.NoError(t, err)
	t.Cleanup(rbac.Close)

	engine := gin.New()
	engine.Use(middleware.RequirePermission(rbac, domain.PermMonitoringRead))
	engine.GET("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
