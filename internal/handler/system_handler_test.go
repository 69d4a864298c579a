package handler_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/helixflow/helixgate/internal/pkg/metrics"
)

func TestSystemStatusRequiresMonitoringRead(t *testing.T) {
	env := newGatewayEnv(t, nil)
	pair := env.login(t, "free@example.com")

	for _, path := range []string{"/v1/system/status", "/v1/system/gpus"} {
		rec := env.doAuthed(http.MethodGet, path, "", pair.AccessToken)
		require.Equal(t, http.StatusForbidden, rec.Code, path)
		require.Equal(t, "permission_denied", errCode(rec))
		require.Equal(t, "permission_error", errType(rec))
	}
}

func TestSystemStatusReportsGatewayGauges(t *testing.T) {
	env := newGatewayEnv(t, nil)
	env.start()
	ops := env.login(t, "ops@example.com")

	rec := env.doAuthed(http.MethodGet, "/v1/system/status", "", ops.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.NotEmpty(t, gjson.Get(body, "timestamp").String())
	require.Equal(t, int64(1), gjson.Get(body, "gateway.devices").Int())
	require.Equal(t, int64(0), gjson.Get(body, "gateway.queue_depth").Int())
	require.True(t, gjson.Get(body, "process.goroutines").Int() > 0)
}

func TestSystemGPUsAggregatesPool(t *testing.T) {
	env := newGatewayEnv(t, nil)
	ops := env.login(t, "ops@example.com")

	rec := env.doAuthed(http.MethodGet, "/v1/system/gpus", "", ops.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	devices := gjson.Get(body, "devices").Array()
	require.Len(t, devices, 1)
	require.Equal(t, "gpu-0", devices[0].Get("id").String())
	require.Equal(t, int64(24), gjson.Get(body, "total_gb").Int())
	require.Equal(t, int64(0), gjson.Get(body, "used_gb").Int())
	require.Equal(t, int64(24), gjson.Get(body, "free_gb").Int())
	require.Equal(t, int64(0), gjson.Get(body, "leases").Int())
}

func TestHealthReportsComponents(t *testing.T) {
	env := newGatewayEnv(t, nil)

	rec := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Equal(t, "healthy", gjson.Get(body, "status").String())
	require.Equal(t, "helixgate", gjson.Get(body, "service").String())
	require.Equal(t, "healthy", gjson.Get(body, "components.store.status").String())
	require.Equal(t, "healthy", gjson.Get(body, "components.queue.status").String())
	require.Equal(t, int64(1), gjson.Get(body, "components.gpu_pool.devices").Int())
}

func TestMetricsEndpointServesCounters(t *testing.T) {
	env := newGatewayEnv(t, nil)

	// Drive one request through the access log so requests_total exists.
	rec := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), metrics.MetricRequestsTotal)
}
