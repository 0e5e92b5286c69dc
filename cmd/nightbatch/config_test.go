package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "libsql", cfg.Store.Driver)
	assert.Equal(t, "file:nightbatch.db", cfg.Store.Path)
	assert.Equal(t, 8, cfg.Executor.PoolSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "0 2 * * *", cfg.Batch.Cron)
	assert.Equal(t, "flowrun.notifications", cfg.Notify.Exchange)
	assert.Empty(t, cfg.Notify.AMQPURL)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeFile(t, "nightbatch.yaml", `
store:
  driver: memory
executor:
  pool_size: 3
batch:
  params: /etc/nightbatch/batch.yaml
  cron: "30 1 * * 1-5"
panel:
  addr: ":9090"
`)
	cfg, err := loadConfig(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Executor.PoolSize)
	assert.Equal(t, "/etc/nightbatch/batch.yaml", cfg.Batch.Params)
	assert.Equal(t, "30 1 * * 1-5", cfg.Batch.Cron)
	assert.Equal(t, ":9090", cfg.Panel.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "nightbatch.yaml", "executor:\n  pool_size: 3\n")
	t.Setenv("NIGHTBATCH_EXECUTOR_POOL_SIZE", "12")
	t.Setenv("NIGHTBATCH_LOG_LEVEL", "debug")

	cfg, err := loadConfig(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Executor.PoolSize)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigEnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "NIGHTBATCH_STORE_DRIVER=memory\nNIGHTBATCH_NOTIFY_EXCHANGE=batch.events\n")
	t.Cleanup(func() {
		os.Unsetenv("NIGHTBATCH_STORE_DRIVER")
		os.Unsetenv("NIGHTBATCH_NOTIFY_EXCHANGE")
	})

	cfg, err := loadConfig("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "batch.events", cfg.Notify.Exchange)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"memory", func(c *Config) { c.Store.Driver = "memory" }, ""},
		{"postgres with dsn", func(c *Config) {
			c.Store.Driver = "postgres"
			c.Store.DSN = "postgres://localhost/nightbatch"
		}, ""},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn is required"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, `unknown store.driver "mongo"`},
		{"negative pool", func(c *Config) { c.Executor.PoolSize = -1 }, "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Store:    StoreConfig{Driver: "libsql", Path: "file:nightbatch.db"},
				Executor: ExecutorConfig{PoolSize: 8},
			}
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
