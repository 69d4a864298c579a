package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.AddrOrDefault())
	require.Equal(t, "redis", cfg.Store.BackendOrDefault())
	require.Equal(t, 15*time.Minute, cfg.Auth.AccessTTLOrDefault())
	require.Equal(t, 30*24*time.Hour, cfg.Auth.RefreshTTLOrDefault())
	require.Equal(t, 100, cfg.Queue.CapacityOrDefault())
	require.Equal(t, 30*time.Second, cfg.Queue.AdmissionDeadlineOrDefault())
	require.Len(t, cfg.GPUPool.DevicesOrDefault(), 4)
	require.Equal(t, int64(24), cfg.GPUPool.DevicesOrDefault()[0].MemoryGB)
	require.Equal(t, 8, cfg.Scheduler.WorkersOrDefault(4))
}

func TestLoad_FileAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
store:
  backend: memory
queue:
  capacity: 5
  admission_deadline: 2s
ratelimit:
  window: 30s
  tier_rpm:
    free: 3
gpupool:
  devices:
    - id: gpu-a
      memory_gb: 8
backend:
  kind: simulated
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.AddrOrDefault())
	require.Equal(t, "memory", cfg.Store.BackendOrDefault())
	require.Equal(t, 5, cfg.Queue.CapacityOrDefault())
	require.Equal(t, 2*time.Second, cfg.Queue.AdmissionDeadlineOrDefault())
	require.Equal(t, 30*time.Second, cfg.RateLimit.WindowOrDefault())

	limit, unlimited := cfg.RateLimit.TierLimit("free")
	require.False(t, unlimited)
	require.Equal(t, 3, limit)

	devices := cfg.GPUPool.DevicesOrDefault()
	require.Len(t, devices, 1)
	require.Equal(t, "gpu-a", devices[0].ID)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	_, err := Load(write("store.yaml", "store:\n  backend: etcd\n"))
	require.ErrorContains(t, err, "store backend")

	_, err = Load(write("backend.yaml", "backend:\n  kind: quantum\n"))
	require.ErrorContains(t, err, "backend kind")

	_, err = Load(write("remote.yaml", "backend:\n  kind: remote\n"))
	require.ErrorContains(t, err, "base_url")

	_, err = Load(write("user.yaml", "users:\n  - id: u1\n    email: a@b.c\n"))
	require.ErrorContains(t, err, "verifier")

	_, err = Load(write("gpu.yaml", "gpupool:\n  devices:\n    - id: gpu-0\n      memory_gb: -1\n"))
	require.ErrorContains(t, err, "memory_gb")
}

func TestTierLimit_Defaults(t *testing.T) {
	var rl *RateLimitConfig

	limit, unlimited := rl.TierLimit("free")
	require.False(t, unlimited)
	require.Equal(t, 20, limit)

	limit, unlimited = rl.TierLimit("pro")
	require.False(t, unlimited)
	require.Equal(t, 120, limit)

	_, unlimited = rl.TierLimit("admin")
	require.True(t, unlimited)

	// Unknown tiers get the free budget.
	limit, unlimited = rl.TierLimit("mystery")
	require.False(t, unlimited)
	require.Equal(t, 20, limit)
}

func TestModelMemoryGBFor(t *testing.T) {
	var pool *GPUPoolConfig
	require.Equal(t, int64(16), pool.ModelMemoryGBFor("gpt-4"))
	require.Equal(t, int64(12), pool.ModelMemoryGBFor("claude-3-sonnet"))
	require.Equal(t, int64(8), pool.ModelMemoryGBFor("unknown-model"))

	cfgd := &GPUPoolConfig{
		ModelMemoryGB:        map[string]int64{"tiny": 2},
		DefaultModelMemoryGB: 4,
	}
	require.Equal(t, int64(2), cfgd.ModelMemoryGBFor("tiny"))
	require.Equal(t, int64(4), cfgd.ModelMemoryGBFor("unlisted"))
}
