package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/handler"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
	"github.com/helixflow/helixgate/internal/pkg/passhash"
	"github.com/helixflow/helixgate/internal/repository"
	"github.com/helixflow/helixgate/internal/server"
	"github.com/helixflow/helixgate/internal/server/middleware"
	"github.com/helixflow/helixgate/internal/service"
)

const waitTimeout = 5 * time.Second

// testPassword is shared by every seeded principal; the argon2 verifier
// is computed once because hashing is deliberately slow.
const testPassword = "gateway-test-password"

var (
	verifierOnce sync.Once
	verifier     string
	verifierErr  error
)

func testVerifier(t *testing.T) string {
	t.Helper()
	verifierOnce.Do(func() {
		verifier, verifierErr = passhash.Hash(testPassword)
	})
	require.NoError(t, verifierErr)
	return verifier
}

// gatewayEnv assembles the same object graph the injector builds, over
// the memory store and the simulated backend, and exposes the engine for
// in-process requests. Tests that need live workers call start.
type gatewayEnv struct {
	cfg      *config.Config
	engine   http.Handler
	tokens   *service.TokenService
	users    *repository.UserDirectory
	registry *service.JobRegistry
	queue    *repository.MemoryQueue
	pool     *service.GPUPool
	sched    *service.Scheduler
	rbac     *service.RBACService
	sink     *metrics.PromSink
}

func newGatewayEnv(t *testing.T, mutate func(*config.Config)) *gatewayEnv {
	t.Helper()
	sharing := false
	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "test"},
		Auth:   config.AuthConfig{AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour},
		Users: []config.UserSeed{
			{ID: "u-free", Email: "free@example.com", Verifier: testVerifier(t), Tier: "free"},
			{ID: "u-pro", Email: "pro@example.com", Verifier: testVerifier(t), Tier: "pro"},
			{ID: "u-ops", Email: "ops@example.com", Verifier: testVerifier(t), Tier: "enterprise"},
			{ID: "u-admin", Email: "admin@example.com", Verifier: testVerifier(t), Tier: "admin"},
			{ID: "u-frozen", Email: "frozen@example.com", Verifier: testVerifier(t), Tier: "pro", Status: "disabled"},
		},
		Queue: config.QueueConfig{Capacity: 16, AdmissionDeadline: waitTimeout},
		GPUPool: config.GPUPoolConfig{
			Devices: []config.GPUDeviceConfig{{ID: "gpu-0", MemoryGB: 24}},
			Sharing: &sharing,
		},
		Scheduler: config.SchedulerConfig{Workers: 2},
		Backend: config.BackendConfig{
			Simulated: config.SimulatedBackendConfig{BaseLatency: -1, TokenDelay: -1},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	kv := repository.NewMemoryStore()
	queue := repository.NewMemoryQueue(cfg.Queue.CapacityOrDefault())
	users := repository.NewUserDirectory(cfg)

	tokens, err := service.NewTokenService(cfg, kv, users)
	require.NoError(t, err)
	rbac, err := service.NewTierRBAC()
	require.NoError(t, err)

	backend := repository.NewInferenceBackend(cfg)
	catalog := service.NewModelCatalog(backend)
	registry := service.NewJobRegistry(cfg, kv)
	sink := metrics.NewSink()
	pool := service.NewGPUPool(cfg, sink)
	sched := service.NewScheduler(cfg, queue, registry, pool, backend, sink)
	usage := service.NewUsageService(cfg, kv, sink)
	service.RegisterJobHooks(registry, usage, sink)
	limiter := service.NewRateLimiter(cfg, repository.NewRateCounters(kv), rbac, sink)

	h := handler.NewHandlers(
		handler.NewAuthHandler(tokens),
		handler.NewChatHandler(cfg, catalog, registry, sched, sink),
		handler.NewModelsHandler(catalog, rbac),
		handler.NewJobsHandler(registry, sched, rbac),
		handler.NewSystemHandler(pool, queue, sched),
		handler.NewHealthHandler(kv, queue, pool),
	)
	engine := server.NewEngine(cfg, h,
		middleware.NewRequestID(),
		middleware.NewAccessLog(sink),
		middleware.NewRecovery(),
		middleware.NewAuth(tokens, users),
		middleware.NewWSAuth(tokens, users),
		middleware.NewOptionalAuth(tokens, users),
		middleware.NewRateLimit(limiter),
		rbac, sink,
	)

	env := &gatewayEnv{
		cfg:      cfg,
		engine:   engine,
		tokens:   tokens,
		users:    users,
		registry: registry,
		queue:    queue,
		pool:     pool,
		sched:    sched,
		rbac:     rbac,
		sink:     sink,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = env.sched.Stop(ctx)
		usage.Stop()
		rbac.Close()
		_ = queue.Close()
		_ = kv.Close()
	})
	return env
}

// start brings the workers up; tests that want jobs to stay queued skip it.
func (e *gatewayEnv) start() {
	e.sched.Start()
}

func (e *gatewayEnv) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func (e *gatewayEnv) doAuthed(method, path, body, accessToken string) *httptest.ResponseRecorder {
	return e.do(method, path, body, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
}

func (e *gatewayEnv) login(t *testing.T, email string) *service.TokenPair {
	t.Helper()
	rec := e.do(http.MethodPost, "/v1/auth/login",
		`{"email":"`+email+`","password":"`+testPassword+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, "login failed: %s", rec.Body.String())

	var pair service.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	return &pair
}

func chatBody(model string) string {
	return `{"model":"` + model + `","messages":[{"role":"user","content":"say hello"}]}`
}

// errCode and errType read the error envelope every non-2xx body carries.
func errCode(rec *httptest.ResponseRecorder) string {
	return gjson.Get(rec.Body.String(), "error.code").String()
}

func errType(rec *httptest.ResponseRecorder) string {
	return gjson.Get(rec.Body.String(), "error.type").String()
}
