package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentjobs.json")
	write := func(level string) {
		require.NoError(t, os.WriteFile(path, []byte(`{
			"data_dir": "`+dir+`",
			"webhook": {"secret": "abc"},
			"ai": {"profiles": [{"id": "a", "provider": "gemini", "api_key": "k"}]},
			"logging": {"level": "`+level+`"}
		}`), 0o644))
	}
	write("info")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(isolatedLoader(t, path), zerolog.Nop(), func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Stop()

	write("debug")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatcherSkipsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentjobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(isolatedLoader(t, path), zerolog.Nop(), func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Stop()

	// no secret and no profiles
	require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+dir+`"}`), 0o644))

	select {
	case <-reloaded:
		t.Fatal("invalid config should not be applied")
	case <-time.After(time.Second):
	}
}

func TestWizard(t *testing.T) {
	in := "\nsk-openai\n\nmysecret\nabc\n9000\n"
	var out strings.Builder

	cfg, err := NewWizard(strings.NewReader(in), &out).Run(nil)
	require.NoError(t, err)
	require.Len(t, cfg.AI.Profiles, 1)
	assert.Equal(t, "openai", cfg.AI.Profiles[0].Provider)
	assert.Equal(t, "mysecret", cfg.Webhook.Secret)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Contains(t, out.String(), "port must be a number")
}

func TestWizardGeneratesSecret(t *testing.T) {
	cfg, err := NewWizard(strings.NewReader("sk-ant-key\n\n\n\n\n"), io.Discard).Run(nil)
	require.NoError(t, err)
	assert.Len(t, cfg.Webhook.Secret, 32)
	assert.Equal(t, 8080, cfg.Gateway.Port)
}

func TestWizardRequiresAKey(t *testing.T) {
	_, err := NewWizard(strings.NewReader("\n\n\n"), io.Discard).Run(nil)
	assert.Error(t, err)
}
