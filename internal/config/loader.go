package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/agentjobs/pkg/agent"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AGENTJOBS_WEBHOOK_SECRET.
const EnvPrefix = "AGENTJOBS"

// envKeys are the settings that may come from the environment alone.
var envKeys = []string{
	"data_dir",
	"storage.driver",
	"storage.path",
	"webhook.secret",
	"gateway.host",
	"gateway.port",
	"gateway.api_token",
	"agent.model",
	"packs.file",
	"logging.level",
	"audit_log",
}

// providerEnv maps conventional provider key variables to profiles used when
// no profile is configured.
var providerEnv = []struct {
	provider string
	env      string
}{
	{"anthropic", "ANTHROPIC_API_KEY"},
	{"openai", "OPENAI_API_KEY"},
	{"gemini", "GEMINI_API_KEY"},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFile    string
}

// NewLoader creates a loader for configPath. An empty path means
// ~/.agentjobs/agentjobs.json.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    ".env",
	}
}

// WithEnvFile sets the dotenv file read before the environment is consulted.
// An empty name disables it.
func (l *Loader) WithEnvFile(name string) *Loader {
	l.envFile = name
	return l
}

// Load reads the config file (when present), applies environment overrides
// and fills derived paths. It does not validate.
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", l.envFile, err)
		}
	}

	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType(configType(configPath))
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.AI.Profiles) == 0 {
		cfg.AI.Profiles = profilesFromEnv()
	}

	if err := resolvePaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func profilesFromEnv() []agent.AuthProfile {
	var profiles []agent.AuthProfile
	for i, p := range providerEnv {
		key := os.Getenv(p.env)
		if key == "" {
			continue
		}
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.provider + "-env",
			Provider: p.provider,
			APIKey:   key,
			Priority: i,
		})
	}
	return profiles
}

func resolvePaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".agentjobs")
	}
	cfg.Storage.Path = under(cfg.DataDir, cfg.Storage.Path)
	cfg.AuditLog = under(cfg.DataDir, cfg.AuditLog)
	if cfg.Logging.File != "" {
		cfg.Logging.File = under(cfg.DataDir, cfg.Logging.File)
	}
	return nil
}

func under(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// Save writes cfg to the config path, creating its directory.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return errors.New("config path could not be determined")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	v.Set("data_dir", cfg.DataDir)
	v.Set("storage", cfg.Storage)
	v.Set("queue", cfg.Queue)
	v.Set("webhook", cfg.Webhook)
	v.Set("agent", cfg.Agent)
	v.Set("ai", cfg.AI)
	v.Set("packs", cfg.Packs)
	v.Set("gateway", cfg.Gateway)
	v.Set("tools", cfg.Tools)
	v.Set("logging", cfg.Logging)
	v.Set("audit_log", cfg.AuditLog)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentjobs", "agentjobs.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
