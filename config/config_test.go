package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.Address)
	assert.Equal(t, "json", cfg.Server.Codec)
	assert.Equal(t, 10*time.Second, cfg.Server.IOTimeout)
	assert.Equal(t, 5*time.Second, cfg.Server.FetchTimeout)
	assert.Equal(t, time.Second, cfg.Server.SupervisorInterval)
	assert.Equal(t, 3, cfg.Client.Retries)
	assert.Equal(t, 4096, cfg.Client.ReadSize)
	assert.Zero(t, cfg.Server.Workers)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, `
server:
  address: 0.0.0.0:9000
  workers: 8
  top_k: 20
  codec: protobuf
  fetch_timeout: 2s
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Address)
	assert.Equal(t, 8, cfg.Server.Workers)
	assert.Equal(t, 20, cfg.Server.TopK)
	assert.Equal(t, "protobuf", cfg.Server.Codec)
	assert.Equal(t, 2*time.Second, cfg.Server.FetchTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.IOTimeout, "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "stdout", cfg.Log.Output)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  workers: 2\n  top_k: 5\n")

	t.Setenv("TOPK_SERVER_WORKERS", "6")
	t.Setenv("TOPK_SERVER_TOP_K", "15")
	t.Setenv("TOPK_SERVER_IO_TIMEOUT", "750ms")
	t.Setenv("TOPK_LOG_FILE_PATH", "/var/log/topk.log")
	t.Setenv("TOPK_CLIENT_RETRIES", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Server.Workers)
	assert.Equal(t, 15, cfg.Server.TopK)
	assert.Equal(t, 750*time.Millisecond, cfg.Server.IOTimeout)
	assert.Equal(t, "/var/log/topk.log", cfg.Log.FilePath)
	assert.Equal(t, 5, cfg.Client.Retries)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "server: [not, a, map]"))
	assert.Error(t, err)

	t.Setenv("TOPK_SERVER_WORKERS", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Server.Workers = 4
		cfg.Server.TopK = 10
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"no workers", func(c *Config) { c.Server.Workers = 0 }, false},
		{"negative top-k", func(c *Config) { c.Server.TopK = -3 }, false},
		{"empty address", func(c *Config) { c.Server.Address = "" }, false},
		{"unknown codec", func(c *Config) { c.Server.Codec = "msgpack" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestConfig_Master(t *testing.T) {
	cfg := Default()
	cfg.Server.Workers = 3
	cfg.Server.TopK = 7

	m := cfg.Master()
	assert.Equal(t, 3, m.Workers)
	assert.Equal(t, 7, m.TopK)
	assert.Equal(t, cfg.Server.Address, m.Address)
	assert.Equal(t, cfg.Server.FetchTimeout, m.FetchTimeout)
	assert.NoError(t, m.Validate())
}
