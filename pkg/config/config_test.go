package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 50051, cfg.ListenPort)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 100, cfg.MaxTenants)
	assert.Equal(t, 100, cfg.MaxPerTenant)
	assert.Equal(t, 1000, cfg.MaxTotal)
	assert.Equal(t, filepath.Join("./data", "events"), cfg.EventsDB)
	assert.Equal(t, filepath.Join("./data", "vault"), cfg.VaultDB)
	assert.Equal(t, filepath.Join("./data", "certs"), cfg.CertDir)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout())
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Swap.RollbackWindow())
	assert.Equal(t, 5*time.Second, cfg.Worker.KillGrace())
}

func TestMissingFileIsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, 50051, cfg.ListenPort)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hutch.toml")
	body := `
listen_port = 6000
data_dir = "/var/lib/hutch"

[log]
level = "debug"
json = true

[events]
retention_max_events = 500

[tenants.acme]
max_per_tenant = 10
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.ListenPort)
	assert.Equal(t, 8080, cfg.HTTPPort, "unset keys keep defaults")
	assert.Equal(t, "/var/lib/hutch", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/hutch", "events"), cfg.EventsDB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 500, cfg.Events.RetentionMaxEvents)
	assert.Equal(t, 10, cfg.MaxPerTenantFor("acme"))
	assert.Equal(t, 100, cfg.MaxPerTenantFor("other"))
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hutch.json")
	body := `{"http_port": 9090, "max_total": 50}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 50, cfg.MaxTotal)
}

func TestMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hutch.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen_port = ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HUTCH_LISTEN_PORT", "7001")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.ListenPort)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad listen port", func(c *Config) { c.ListenPort = -1 }},
		{"bad http port", func(c *Config) { c.HTTPPort = 70000 }},
		{"port collision", func(c *Config) { c.HTTPPort = c.ListenPort }},
		{"zero per-tenant limit", func(c *Config) { c.MaxPerTenant = 0 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"negative tenant override", func(c *Config) {
			c.Tenants["t"] = TenantOverride{MaxPerTenant: -5}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.applyDerived()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
