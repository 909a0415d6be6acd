package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolatedLoader(t *testing.T, path string) *Loader {
	t.Helper()
	for _, key := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(key, "")
	}
	return NewLoader(path).WithEnvFile("")
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.Equal(t, "/path/to/config.json", loader.configPath)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("AGENTJOBS_DATA_DIR", dir)

		cfg, err := isolatedLoader(t, filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, dir, cfg.DataDir)
		assert.Equal(t, filepath.Join(dir, "agentjobs.db"), cfg.Storage.Path)
		assert.Equal(t, 4, cfg.Queue.MaxAttempts)
	})

	t.Run("json file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "agentjobs.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"data_dir": "`+dir+`",
			"webhook": {"secret": "abc", "max_attempts": 3, "timeout": "5s"},
			"ai": {"profiles": [{"id": "a", "provider": "anthropic", "api_key": "sk-ant-x", "priority": 2}]},
			"gateway": {"rate_limits": {"tenant_per_minute": 10}}
		}`), 0o644))

		cfg, err := isolatedLoader(t, path).Load()
		require.NoError(t, err)
		assert.Equal(t, "abc", cfg.Webhook.Secret)
		assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
		assert.Equal(t, 5*time.Second, cfg.Webhook.Timeout)
		assert.Equal(t, 10*time.Second, cfg.Webhook.BackoffBase)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "sk-ant-x", cfg.AI.Profiles[0].APIKey)
		assert.Equal(t, 10, cfg.Gateway.RateLimits.TenantPerMinute)
		assert.Equal(t, 60, cfg.Gateway.RateLimits.UserPerMinute)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("yaml file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "agentjobs.yaml")
		require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\nstorage:\n  driver: sqlite\n  path: /tmp/jobs.db\n"), 0o644))

		cfg, err := isolatedLoader(t, path).Load()
		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Storage.Driver)
		assert.Equal(t, "/tmp/jobs.db", cfg.Storage.Path)
	})

	t.Run("environment overrides", func(t *testing.T) {
		dir := t.TempDir()
		loader := isolatedLoader(t, filepath.Join(dir, "missing.json"))
		t.Setenv("AGENTJOBS_DATA_DIR", dir)
		t.Setenv("AGENTJOBS_WEBHOOK_SECRET", "from-env")
		t.Setenv("AGENTJOBS_GATEWAY_PORT", "9090")
		t.Setenv("OPENAI_API_KEY", "sk-openai")

		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Webhook.Secret)
		assert.Equal(t, 9090, cfg.Gateway.Port)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "openai", cfg.AI.Profiles[0].Provider)
	})

	t.Run("dotenv file", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("AGENTJOBS_DATA_DIR", dir)
		t.Setenv("AGENTJOBS_GATEWAY_API_TOKEN", "")
		os.Unsetenv("AGENTJOBS_GATEWAY_API_TOKEN")
		envFile := filepath.Join(dir, ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("AGENTJOBS_GATEWAY_API_TOKEN=dotenv-token\n"), 0o644))

		cfg, err := isolatedLoader(t, filepath.Join(dir, "missing.json")).WithEnvFile(envFile).Load()
		require.NoError(t, err)
		assert.Equal(t, "dotenv-token", cfg.Gateway.APIToken)
	})

	t.Run("malformed file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "agentjobs.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

		_, err := isolatedLoader(t, path).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "agentjobs.json")

	cfg := validConfig()
	cfg.DataDir = dir
	cfg.Gateway.Port = 8181
	cfg.Queue.LeaseDuration = 90 * time.Second

	loader := isolatedLoader(t, path)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 8181, loaded.Gateway.Port)
	assert.Equal(t, 90*time.Second, loaded.Queue.LeaseDuration)
	assert.Equal(t, "s3cret", loaded.Webhook.Secret)
	require.Len(t, loaded.AI.Profiles, 1)
	assert.Equal(t, "primary", loaded.AI.Profiles[0].ID)
}
