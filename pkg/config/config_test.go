package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1", cfg.Addr)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ConnectionTimeout.Std())
	assert.Equal(t, DefaultMaxWorkers, cfg.MaxWorkers)
	assert.Equal(t, "disk", cfg.Storage.Kind)
	assert.NotEmpty(t, cfg.CA.CertPath)
	assert.NotEmpty(t, cfg.CA.KeyPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.SuppressErrors())

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "bad scope regex",
			mutate:  func(c *Config) { c.Scopes = []string{"("} },
			wantErr: "scope",
		},
		{
			name:    "unknown storage kind",
			mutate:  func(c *Config) { c.Storage.Kind = "redis" },
			wantErr: "storage kind",
		},
		{
			name:    "negative storage size",
			mutate:  func(c *Config) { c.Storage.MaxSize = -1 },
			wantErr: "max_size",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "log level",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "log format",
		},
		{
			name:    "negative body bound",
			mutate:  func(c *Config) { c.MaxBodySize = -1 },
			wantErr: "max_body_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSuppressErrorsOverride(t *testing.T) {
	cfg := Default()
	off := false
	cfg.SuppressConnectionErrors = &off
	assert.False(t, cfg.SuppressErrors())
}

func TestListenAddr(t *testing.T) {
	cfg := &Config{Addr: "0.0.0.0", Port: 9999}
	assert.Equal(t, "0.0.0.0:9999", cfg.ListenAddr())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snoopwire.yaml")
	data := `
addr: 0.0.0.0
port: 9090
scopes:
  - '.*\.example\.com.*'
ignore_http_methods: [OPTIONS, HEAD]
exclude_hosts:
  - bank.example.com
disable_encoding: true
verify_ssl: true
suppress_connection_errors: false
connection_timeout: 5s
storage:
  kind: memory
  max_size: 50
upstream:
  url: socks5://127.0.0.1:1080
  no_proxy: [localhost]
log_level: debug
log_format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr())
	assert.Equal(t, []string{`.*\.example\.com.*`}, cfg.Scopes)
	assert.Equal(t, []string{"OPTIONS", "HEAD"}, cfg.IgnoreHTTPMethods)
	assert.Equal(t, []string{"bank.example.com"}, cfg.ExcludeHosts)
	assert.True(t, cfg.DisableEncoding)
	assert.True(t, cfg.VerifySSL)
	assert.False(t, cfg.SuppressErrors())
	assert.Equal(t, 5*time.Second, cfg.ConnectionTimeout.Std())
	assert.Equal(t, "memory", cfg.Storage.Kind)
	assert.Equal(t, 50, cfg.Storage.MaxSize)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.Upstream.URL)
	assert.Equal(t, []string{"localhost"}, cfg.Upstream.NoProxy)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)

	// Unset fields picked up defaults
	assert.Equal(t, DefaultMaxWorkers, cfg.MaxWorkers)
	assert.NotEmpty(t, cfg.CA.CertPath)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("port: [not a number"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("storage:\n  kind: redis\n"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage kind")
	})
}
