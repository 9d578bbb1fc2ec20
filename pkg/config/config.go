package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvConfigPath names the environment variable pointing at the config file.
const EnvConfigPath = "HUTCH_CONFIG"

// Config is the startup snapshot handed to components at construction time.
// It is loaded once and never mutated; per-tenant overrides are resolved at
// lookup through MaxPerTenantFor.
type Config struct {
	ListenPort   int    `mapstructure:"listen_port"`
	HTTPPort     int    `mapstructure:"http_port"`
	DNSPort      int    `mapstructure:"dns_port"`
	DataDir      string `mapstructure:"data_dir"`
	MaxTenants   int    `mapstructure:"max_tenants"`
	MaxPerTenant int    `mapstructure:"max_per_tenant"`
	MaxTotal     int    `mapstructure:"max_total"`
	EventsDB     string `mapstructure:"events_db"`
	VaultDB      string `mapstructure:"vault_db"`
	CertDir      string `mapstructure:"cert_dir"`

	Log        Log        `mapstructure:"log"`
	TLS        TLS        `mapstructure:"tls"`
	Events     Events     `mapstructure:"events"`
	Worker     Worker     `mapstructure:"worker"`
	Supervisor Supervisor `mapstructure:"supervisor"`
	Swap       Swap       `mapstructure:"swap"`
	Breaker    Breaker    `mapstructure:"breaker"`
	Monitor    Monitor    `mapstructure:"monitor"`

	// Tenants carries per-tenant overrides keyed by tenant id.
	Tenants map[string]TenantOverride `mapstructure:"tenants"`
}

// Log configures the zerolog bootstrap.
type Log struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// TLS configures the gRPC gateway transport.
type TLS struct {
	Enabled           bool `mapstructure:"enabled"`
	RequireClientCert bool `mapstructure:"require_client_cert"`
}

// Events configures the event store's segments and fan-out.
type Events struct {
	SegmentMaxBytes    int64 `mapstructure:"segment_max_bytes"`
	RetentionMaxEvents int   `mapstructure:"retention_max_events"`
	RetentionMaxBytes  int64 `mapstructure:"retention_max_bytes"`
	SubscriberBuffer   int   `mapstructure:"subscriber_buffer"`
}

// Worker configures per-worker runtime limits.
type Worker struct {
	MailboxSize   int `mapstructure:"mailbox_size"`
	ExecTimeoutMs int `mapstructure:"exec_timeout_ms"`
	KillGraceMs   int `mapstructure:"kill_grace_ms"`
}

// Supervisor configures the transient restart policy.
type Supervisor struct {
	MaxRestarts     int `mapstructure:"max_restarts"`
	RestartWindowMs int `mapstructure:"restart_window_ms"`
	BackoffBaseMs   int `mapstructure:"backoff_base_ms"`
	BackoffCapMs    int `mapstructure:"backoff_cap_ms"`
}

// Swap configures the hot-swap watchdog.
type Swap struct {
	RollbackWindowMs int `mapstructure:"rollback_window_ms"`
}

// Breaker configures per-service circuit breakers.
type Breaker struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	ResetTimeoutMs   int `mapstructure:"reset_timeout_ms"`
	SuccessThreshold int `mapstructure:"success_threshold"`
}

// Monitor configures the resource sampling loop.
type Monitor struct {
	IntervalMs      int    `mapstructure:"interval_ms"`
	NamespaceLimit  int    `mapstructure:"namespace_limit"`
	QueueWarn       int    `mapstructure:"queue_warn"`
	MemoryWarnBytes uint64 `mapstructure:"memory_warn_bytes"`
}

// TenantOverride carries the per-tenant knobs an operator may raise or lower.
type TenantOverride struct {
	MaxPerTenant int `mapstructure:"max_per_tenant"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenPort:   50051,
		HTTPPort:     8080,
		DataDir:      "./data",
		MaxTenants:   100,
		MaxPerTenant: 100,
		MaxTotal:     1000,
		Log:          Log{Level: "info", JSON: false},
		TLS:          TLS{Enabled: false, RequireClientCert: false},
		Events: Events{
			SegmentMaxBytes:    4 << 20,
			RetentionMaxEvents: 10000,
			RetentionMaxBytes:  64 << 20,
			SubscriberBuffer:   64,
		},
		Worker: Worker{
			MailboxSize:   256,
			ExecTimeoutMs: 30000,
			KillGraceMs:   5000,
		},
		Supervisor: Supervisor{
			MaxRestarts:     3,
			RestartWindowMs: 60000,
			BackoffBaseMs:   100,
			BackoffCapMs:    5000,
		},
		Swap:    Swap{RollbackWindowMs: 30000},
		Breaker: Breaker{FailureThreshold: 5, ResetTimeoutMs: 30000, SuccessThreshold: 2},
		Monitor: Monitor{
			IntervalMs:      10000,
			NamespaceLimit:  16384,
			QueueWarn:       1000,
			MemoryWarnBytes: 64 << 20,
		},
		Tenants: map[string]TenantOverride{},
	}
}

// Load reads the configuration file at path (TOML or JSON by extension),
// merges it over the defaults, then applies HUTCH_* environment overrides.
// A missing file yields the defaults; an unreadable or malformed file is a
// startup failure.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("HUTCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv resolves the config path from HUTCH_CONFIG and loads it.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("listen_port", d.ListenPort)
	v.SetDefault("http_port", d.HTTPPort)
	v.SetDefault("dns_port", d.DNSPort)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("max_tenants", d.MaxTenants)
	v.SetDefault("max_per_tenant", d.MaxPerTenant)
	v.SetDefault("max_total", d.MaxTotal)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("tls.enabled", d.TLS.Enabled)
	v.SetDefault("tls.require_client_cert", d.TLS.RequireClientCert)
	v.SetDefault("events.segment_max_bytes", d.Events.SegmentMaxBytes)
	v.SetDefault("events.retention_max_events", d.Events.RetentionMaxEvents)
	v.SetDefault("events.retention_max_bytes", d.Events.RetentionMaxBytes)
	v.SetDefault("events.subscriber_buffer", d.Events.SubscriberBuffer)
	v.SetDefault("worker.mailbox_size", d.Worker.MailboxSize)
	v.SetDefault("worker.exec_timeout_ms", d.Worker.ExecTimeoutMs)
	v.SetDefault("worker.kill_grace_ms", d.Worker.KillGraceMs)
	v.SetDefault("supervisor.max_restarts", d.Supervisor.MaxRestarts)
	v.SetDefault("supervisor.restart_window_ms", d.Supervisor.RestartWindowMs)
	v.SetDefault("supervisor.backoff_base_ms", d.Supervisor.BackoffBaseMs)
	v.SetDefault("supervisor.backoff_cap_ms", d.Supervisor.BackoffCapMs)
	v.SetDefault("swap.rollback_window_ms", d.Swap.RollbackWindowMs)
	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.reset_timeout_ms", d.Breaker.ResetTimeoutMs)
	v.SetDefault("breaker.success_threshold", d.Breaker.SuccessThreshold)
	v.SetDefault("monitor.interval_ms", d.Monitor.IntervalMs)
	v.SetDefault("monitor.namespace_limit", d.Monitor.NamespaceLimit)
	v.SetDefault("monitor.queue_warn", d.Monitor.QueueWarn)
	v.SetDefault("monitor.memory_warn_bytes", d.Monitor.MemoryWarnBytes)
}

// applyDerived fills the data-dir-relative paths left empty by the operator.
func (c *Config) applyDerived() {
	if c.EventsDB == "" {
		c.EventsDB = filepath.Join(c.DataDir, "events")
	}
	if c.VaultDB == "" {
		c.VaultDB = filepath.Join(c.DataDir, "vault")
	}
	if c.CertDir == "" {
		c.CertDir = filepath.Join(c.DataDir, "certs")
	}
	if c.Tenants == nil {
		c.Tenants = map[string]TenantOverride{}
	}
}

// Validate rejects configurations the kernel cannot start with.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen_port %d out of range", c.ListenPort)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: http_port %d out of range", c.HTTPPort)
	}
	if c.ListenPort == c.HTTPPort {
		return fmt.Errorf("config: listen_port and http_port both %d", c.ListenPort)
	}
	// dns_port 0 leaves the discovery DNS facade disabled.
	if c.DNSPort < 0 || c.DNSPort > 65535 {
		return fmt.Errorf("config: dns_port %d out of range", c.DNSPort)
	}
	if c.MaxPerTenant <= 0 || c.MaxTotal <= 0 || c.MaxTenants <= 0 {
		return fmt.Errorf("config: admission limits must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("config: breaker thresholds must be positive")
	}
	for id, o := range c.Tenants {
		if o.MaxPerTenant < 0 {
			return fmt.Errorf("config: tenant %q: max_per_tenant must not be negative", id)
		}
	}
	return nil
}

// MaxPerTenantFor resolves the admission limit for one tenant, honoring
// overrides. A zero override means "use the global default".
func (c *Config) MaxPerTenantFor(tenant string) int {
	if o, ok := c.Tenants[tenant]; ok && o.MaxPerTenant > 0 {
		return o.MaxPerTenant
	}
	return c.MaxPerTenant
}

// Duration helpers. Config carries plain millisecond integers so the file
// format stays flat; components want time.Duration.

func (w Worker) ExecTimeout() time.Duration { return time.Duration(w.ExecTimeoutMs) * time.Millisecond }
func (w Worker) KillGrace() time.Duration   { return time.Duration(w.KillGraceMs) * time.Millisecond }
func (s Supervisor) RestartWindow() time.Duration {
	return time.Duration(s.RestartWindowMs) * time.Millisecond
}
func (s Supervisor) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMs) * time.Millisecond
}
func (s Supervisor) BackoffCap() time.Duration { return time.Duration(s.BackoffCapMs) * time.Millisecond }
func (s Swap) RollbackWindow() time.Duration {
	return time.Duration(s.RollbackWindowMs) * time.Millisecond
}
func (b Breaker) ResetTimeout() time.Duration { return time.Duration(b.ResetTimeoutMs) * time.Millisecond }
func (m Monitor) Interval() time.Duration     { return time.Duration(m.IntervalMs) * time.Millisecond }
