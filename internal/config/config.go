// Package config loads gateway configuration from file, environment and
// defaults via viper. Accessors tolerate nil receivers and zero values so
// callers never need to re-check defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/helixflow/helixgate/internal/pkg/proxyurl"
)

const envPrefix = "HELIXGATE"

// Config is the root of the configuration tree.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Users     []UserSeed      `mapstructure:"users"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	GPUPool   GPUPoolConfig   `mapstructure:"gpupool"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Janitor   JanitorConfig   `mapstructure:"janitor"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"` // gin mode: release|debug|test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

func (c *ServerConfig) AddrOrDefault() string {
	if c == nil || c.Addr == "" {
		return ":8080"
	}
	return c.Addr
}

func (c *ServerConfig) ModeOrDefault() string {
	if c == nil || c.Mode == "" {
		return "release"
	}
	return strings.ToLower(c.Mode)
}

func (c *ServerConfig) ShutdownTimeoutOrDefault() time.Duration {
	if c == nil || c.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return c.ShutdownTimeout
}

func (c *ServerConfig) MaxBodyBytesOrDefault() int64 {
	if c == nil || c.MaxBodyBytes <= 0 {
		return 1 << 20
	}
	return c.MaxBodyBytes
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"` // redis|memory
}

func (c *StoreConfig) BackendOrDefault() string {
	if c == nil || c.Backend == "" {
		return "redis"
	}
	return strings.ToLower(c.Backend)
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c *RedisConfig) AddrOrDefault() string {
	if c == nil || c.Addr == "" {
		return "127.0.0.1:6379"
	}
	return c.Addr
}

type AuthConfig struct {
	Issuer         string        `mapstructure:"issuer"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	PublicKeyFile  string        `mapstructure:"public_key_file"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
}

func (c *AuthConfig) IssuerOrDefault() string {
	if c == nil || c.Issuer == "" {
		return "helixgate"
	}
	return c.Issuer
}

func (c *AuthConfig) AccessTTLOrDefault() time.Duration {
	if c == nil || c.AccessTTL <= 0 {
		return 15 * time.Minute
	}
	return c.AccessTTL
}

func (c *AuthConfig) RefreshTTLOrDefault() time.Duration {
	if c == nil || c.RefreshTTL <= 0 {
		return 30 * 24 * time.Hour
	}
	return c.RefreshTTL
}

// UserSeed describes one directory entry for the config-seeded user store.
type UserSeed struct {
	ID       string   `mapstructure:"id"`
	Email    string   `mapstructure:"email"`
	Verifier string   `mapstructure:"verifier"`
	Tier     string   `mapstructure:"tier"`
	Status   string   `mapstructure:"status"` // active|disabled
	Roles    []string `mapstructure:"roles"`
}

type RateLimitConfig struct {
	Window    time.Duration  `mapstructure:"window"`
	Algorithm string         `mapstructure:"algorithm"` // fixed|sliding
	TierRPM   map[string]int `mapstructure:"tier_rpm"`
}

func (c *RateLimitConfig) WindowOrDefault() time.Duration {
	if c == nil || c.Window <= 0 {
		return time.Minute
	}
	return c.Window
}

func (c *RateLimitConfig) AlgorithmOrDefault() string {
	if c == nil || c.Algorithm == "" {
		return "fixed"
	}
	return strings.ToLower(c.Algorithm)
}

// defaultTierRPM holds the per-minute budgets applied when the config
// file does not override a tier. A negative value means unlimited.
var defaultTierRPM = map[string]int{
	"free":       20,
	"pro":        120,
	"enterprise": 600,
	"research":   600,
	"admin":      -1,
}

// TierLimit returns the request budget for tier and whether the tier is
// exempt from limiting.
func (c *RateLimitConfig) TierLimit(tier string) (limit int, unlimited bool) {
	tier = strings.ToLower(tier)
	if c != nil {
		if v, ok := c.TierRPM[tier]; ok && v != 0 {
			if v < 0 {
				return 0, true
			}
			return v, false
		}
	}
	if v, ok := defaultTierRPM[tier]; ok {
		if v < 0 {
			return 0, true
		}
		return v, false
	}
	return defaultTierRPM["free"], false
}

type QueueConfig struct {
	Name              string        `mapstructure:"name"`
	Capacity          int           `mapstructure:"capacity"`
	AdmissionDeadline time.Duration `mapstructure:"admission_deadline"`
}

func (c *QueueConfig) NameOrDefault() string {
	if c == nil || c.Name == "" {
		return "inference:queue"
	}
	return c.Name
}

func (c *QueueConfig) CapacityOrDefault() int {
	if c == nil || c.Capacity <= 0 {
		return 100
	}
	return c.Capacity
}

func (c *QueueConfig) AdmissionDeadlineOrDefault() time.Duration {
	if c == nil || c.AdmissionDeadline <= 0 {
		return 30 * time.Second
	}
	return c.AdmissionDeadline
}

type RegistryConfig struct {
	JobTTL time.Duration `mapstructure:"job_ttl"`
}

func (c *RegistryConfig) JobTTLOrDefault() time.Duration {
	if c == nil || c.JobTTL <= 0 {
		return time.Hour
	}
	return c.JobTTL
}

type SchedulerConfig struct {
	Workers        int           `mapstructure:"workers"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// WorkersOrDefault sizes the pool at twice the device count unless
// overridden.
func (c *SchedulerConfig) WorkersOrDefault(devices int) int {
	if c != nil && c.Workers > 0 {
		return c.Workers
	}
	if devices <= 0 {
		devices = 1
	}
	return 2 * devices
}

func (c *SchedulerConfig) RetryBaseDelayOrDefault() time.Duration {
	if c == nil || c.RetryBaseDelay <= 0 {
		return 25 * time.Millisecond
	}
	return c.RetryBaseDelay
}

func (c *SchedulerConfig) RetryMaxDelayOrDefault() time.Duration {
	if c == nil || c.RetryMaxDelay <= 0 {
		return 250 * time.Millisecond
	}
	return c.RetryMaxDelay
}

// GPU memory is accounted in integer gigabytes throughout.
type GPUDeviceConfig struct {
	ID       string `mapstructure:"id"`
	MemoryGB int64  `mapstructure:"memory_gb"`
}

type GPUPoolConfig struct {
	Devices              []GPUDeviceConfig `mapstructure:"devices"`
	ModelMemoryGB        map[string]int64  `mapstructure:"model_memory_gb"`
	DefaultModelMemoryGB int64             `mapstructure:"default_model_memory_gb"`
	Sharing              *bool             `mapstructure:"sharing"` // same-model co-residency
}

// DevicesOrDefault returns the configured inventory, falling back to four
// 24 GB devices.
func (c *GPUPoolConfig) DevicesOrDefault() []GPUDeviceConfig {
	if c != nil && len(c.Devices) > 0 {
		return c.Devices
	}
	return []GPUDeviceConfig{
		{ID: "gpu-0", MemoryGB: 24},
		{ID: "gpu-1", MemoryGB: 24},
		{ID: "gpu-2", MemoryGB: 24},
		{ID: "gpu-3", MemoryGB: 24},
	}
}

func (c *GPUPoolConfig) SharingOrDefault() bool {
	if c == nil || c.Sharing == nil {
		return true
	}
	return *c.Sharing
}

// defaultModelMemoryGB is the shipped per-model footprint table.
var defaultModelMemoryGB = map[string]int64{
	"gpt-4":           16,
	"claude-3-sonnet": 12,
	"deepseek-chat":   8,
	"glm-4":           10,
}

// ModelMemoryGBFor returns the memory footprint for model, consulting the
// configured table, then the shipped table, then the default footprint.
func (c *GPUPoolConfig) ModelMemoryGBFor(model string) int64 {
	if c != nil {
		if v, ok := c.ModelMemoryGB[model]; ok && v > 0 {
			return v
		}
	}
	if v, ok := defaultModelMemoryGB[model]; ok {
		return v
	}
	if c != nil && c.DefaultModelMemoryGB > 0 {
		return c.DefaultModelMemoryGB
	}
	return 8
}

type ModelSeed struct {
	ID      string `mapstructure:"id"`
	OwnedBy string `mapstructure:"owned_by"`
}

type RemoteBackendConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	ProxyURL string        `mapstructure:"proxy_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (c *RemoteBackendConfig) TimeoutOrDefault() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return 120 * time.Second
	}
	return c.Timeout
}

type SimulatedBackendConfig struct {
	BaseLatency time.Duration `mapstructure:"base_latency"`
	TokenDelay  time.Duration `mapstructure:"token_delay"`
}

// Negative values disable the delay entirely (tests); zero selects the
// default.
func (c *SimulatedBackendConfig) BaseLatencyOrDefault() time.Duration {
	if c == nil || c.BaseLatency == 0 {
		return 50 * time.Millisecond
	}
	if c.BaseLatency < 0 {
		return 0
	}
	return c.BaseLatency
}

func (c *SimulatedBackendConfig) TokenDelayOrDefault() time.Duration {
	if c == nil || c.TokenDelay == 0 {
		return 10 * time.Millisecond
	}
	if c.TokenDelay < 0 {
		return 0
	}
	return c.TokenDelay
}

type BackendConfig struct {
	Kind      string                 `mapstructure:"kind"` // simulated|remote
	Models    []ModelSeed            `mapstructure:"models"`
	Remote    RemoteBackendConfig    `mapstructure:"remote"`
	Simulated SimulatedBackendConfig `mapstructure:"simulated"`
}

func (c *BackendConfig) KindOrDefault() string {
	if c == nil || c.Kind == "" {
		return "simulated"
	}
	return strings.ToLower(c.Kind)
}

type UsageConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Retention time.Duration `mapstructure:"retention"`
}

func (c *UsageConfig) WorkersOrDefault() int {
	if c == nil || c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

func (c *UsageConfig) QueueSizeOrDefault() int {
	if c == nil || c.QueueSize <= 0 {
		return 1024
	}
	return c.QueueSize
}

func (c *UsageConfig) RetentionOrDefault() time.Duration {
	if c == nil || c.Retention <= 0 {
		return 90 * 24 * time.Hour
	}
	return c.Retention
}

type JanitorConfig struct {
	Schedule string `mapstructure:"schedule"`
	// LeaseGrace spares leases younger than this from missing-record
	// reclaim. Negative means no grace.
	LeaseGrace time.Duration `mapstructure:"lease_grace"`
}

func (c *JanitorConfig) ScheduleOrDefault() string {
	if c == nil || c.Schedule == "" {
		return "@every 1m"
	}
	return c.Schedule
}

func (c *JanitorConfig) LeaseGraceOrDefault() time.Duration {
	if c == nil || c.LeaseGrace == 0 {
		return time.Minute
	}
	if c.LeaseGrace < 0 {
		return 0
	}
	return c.LeaseGrace
}

type MetricsConfig struct {
	Enabled *bool  `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func (c *MetricsConfig) EnabledOrDefault() bool {
	if c == nil || c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

func (c *MetricsConfig) PathOrDefault() string {
	if c == nil || c.Path == "" {
		return "/metrics"
	}
	return c.Path
}

// Load reads configuration from path (or the default search locations when
// path is empty), applies HELIXGATE_* environment overrides, and validates
// the result. A missing default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/helixgate")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would only fail later and further from
// their cause.
func (c *Config) Validate() error {
	switch c.Store.BackendOrDefault() {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Backend.KindOrDefault() {
	case "simulated", "remote":
	default:
		return fmt.Errorf("config: unknown backend kind %q", c.Backend.Kind)
	}
	if c.Backend.KindOrDefault() == "remote" && c.Backend.Remote.BaseURL == "" {
		return fmt.Errorf("config: backend.remote.base_url is required for the remote backend")
	}
	if _, _, err := proxyurl.Parse(c.Backend.Remote.ProxyURL); err != nil {
		return fmt.Errorf("config: backend.remote.proxy_url: %w", err)
	}
	switch c.RateLimit.AlgorithmOrDefault() {
	case "fixed", "sliding":
	default:
		return fmt.Errorf("config: unknown ratelimit algorithm %q", c.RateLimit.Algorithm)
	}
	for i, u := range c.Users {
		if u.ID == "" || u.Email == "" {
			return fmt.Errorf("config: users[%d]: id and email are required", i)
		}
		if u.Verifier == "" {
			return fmt.Errorf("config: users[%d] (%s): verifier is required", i, u.Email)
		}
	}
	for i, d := range c.GPUPool.Devices {
		if d.ID == "" {
			return fmt.Errorf("config: gpupool.devices[%d]: id is required", i)
		}
		if d.MemoryGB <= 0 {
			return fmt.Errorf("config: gpupool.devices[%d] (%s): memory_gb must be positive", i, d.ID)
		}
	}
	return nil
}
