package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultServerConfigIsValid(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.AuthOpen())
	require.Equal(t, "z-image-turbo", cfg.DefaultModel)
}

func TestLoadServerConfigFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zimageproxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr = ":9000"
master_key = "sk-secret"
models = ["z-image-turbo"]

[upstream]
url = "https://up.test/api.php"
user_agents = []

[polling]
interval_ms = 500
`), 0o600))

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddr)
	require.False(t, cfg.AuthOpen())
	require.Equal(t, "https://up.test/api.php", cfg.Upstream.URL)
	require.NotEmpty(t, cfg.Upstream.UserAgents)
	require.Equal(t, 500, cfg.Polling.IntervalMS)
	require.Equal(t, 1500, cfg.Polling.StreamIntervalMS)
	require.Equal(t, "z-image-turbo", cfg.DefaultModel)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*ServerConfig){
		"empty key":        func(c *ServerConfig) { c.MasterKey = "" },
		"relative url":     func(c *ServerConfig) { c.Upstream.URL = "/api.php" },
		"unknown default":  func(c *ServerConfig) { c.DefaultModel = "gpt-4" },
		"bad size":         func(c *ServerConfig) { c.Defaults.Size = "huge" },
		"timeout too low":  func(c *ServerConfig) { c.Polling.TimeoutMS = 200 },
		"metrics under v1": func(c *ServerConfig) { c.Metrics.Path = "/v1/metrics" },
		"tls no domain":    func(c *ServerConfig) { c.TLS.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewDefaultServerConfig()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := NewDefaultServerConfig()
	env := map[string]string{
		"API_MASTER_KEY":      "legacy",
		"ZIMAGE_MASTER_KEY":   "preferred",
		"ZIMAGE_LISTEN_ADDR":  ":7000",
		"ZIMAGE_UPSTREAM_URL": "https://mirror.test/api.php",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Equal(t, "preferred", cfg.MasterKey)
	require.Equal(t, ":7000", cfg.ListenAddr)
	require.Equal(t, "https://mirror.test/api.php", cfg.Upstream.URL)
}

func TestSaveWritesReadableTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.toml")
	cfg := NewDefaultServerConfig()
	cfg.MasterKey = "sk-x"
	require.NoError(t, Save(path, cfg))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "sk-x")

	loaded, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.Equal(t, "sk-x", loaded.MasterKey)
}

func TestLoadOrCreateClientConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imagine.toml")
	cfg, err := LoadOrCreateClientConfig(path)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8080/v1", cfg.ServerURL)
	_, err = os.Stat(path)
	require.NoError(t, err)
}
