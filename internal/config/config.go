package config

import (
	"encoding/json"
	"time"

	"github.com/harun/agentjobs/internal/logger"
	"github.com/harun/agentjobs/pkg/agent"
	"github.com/harun/agentjobs/pkg/gateway"
	"github.com/harun/agentjobs/pkg/retry"
	"github.com/harun/agentjobs/pkg/tools"
)

// Config represents the main agentjobs configuration
type Config struct {
	// Data directory; relative storage, audit and log paths resolve here
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Storage StorageConfig `json:"storage" mapstructure:"storage"`
	Queue   QueueConfig   `json:"queue" mapstructure:"queue"`
	Webhook WebhookConfig `json:"webhook" mapstructure:"webhook"`
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	AI      AIConfig      `json:"ai" mapstructure:"ai"`
	Packs   PacksConfig   `json:"packs" mapstructure:"packs"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Tools   ToolsConfig   `json:"tools" mapstructure:"tools"`
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	// Audit log file; empty disables auditing
	AuditLog string `json:"audit_log" mapstructure:"audit_log"`
}

// StorageConfig selects the SQLite driver and database file.
type StorageConfig struct {
	Driver      string        `json:"driver" mapstructure:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path        string        `json:"path" mapstructure:"path"`
	BusyTimeout time.Duration `json:"busy_timeout" mapstructure:"busy_timeout"`
}

// QueueConfig holds task queue and job lane settings.
type QueueConfig struct {
	PollInterval  time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	LeaseDuration time.Duration `json:"lease_duration" mapstructure:"lease_duration"`
	SweepSchedule string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	Concurrency   int           `json:"concurrency" mapstructure:"concurrency"`
	MaxAttempts   int           `json:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase   time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax    time.Duration `json:"backoff_max" mapstructure:"backoff_max"`
}

// JobPolicy is the retry policy for agent job tasks.
func (q QueueConfig) JobPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: q.MaxAttempts, BaseDelay: q.BackoffBase, MaxDelay: q.BackoffMax}
}

// WebhookConfig holds outbound delivery settings.
type WebhookConfig struct {
	Secret      string        `json:"secret" mapstructure:"secret"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax  time.Duration `json:"backoff_max" mapstructure:"backoff_max"`
	Concurrency int           `json:"concurrency" mapstructure:"concurrency"`
	UserAgent   string        `json:"user_agent" mapstructure:"user_agent"`
}

// Policy is the retry policy for delivery attempts.
func (w WebhookConfig) Policy() retry.Policy {
	return retry.Policy{MaxAttempts: w.MaxAttempts, BaseDelay: w.BackoffBase, MaxDelay: w.BackoffMax}
}

// AgentConfig holds defaults for every conversation loop.
type AgentConfig struct {
	Model            string        `json:"model" mapstructure:"model"`
	Temperature      float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens        int           `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRounds        int           `json:"max_rounds" mapstructure:"max_rounds"`
	ModelRetries     int           `json:"model_retries" mapstructure:"model_retries"`
	ModelBackoffBase time.Duration `json:"model_backoff_base" mapstructure:"model_backoff_base"`
	ModelBackoffMax  time.Duration `json:"model_backoff_max" mapstructure:"model_backoff_max"`
	ModelTimeout     time.Duration `json:"model_timeout" mapstructure:"model_timeout"`
	ToolTimeout      time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
	ProviderCooldown time.Duration `json:"provider_cooldown" mapstructure:"provider_cooldown"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []agent.AuthProfile `json:"profiles" mapstructure:"profiles"`
}

// PacksConfig points at an extra pack definition file.
type PacksConfig struct {
	File           string `json:"file" mapstructure:"file"`
	DisableBuiltin bool   `json:"disable_builtin" mapstructure:"disable_builtin"`
}

// GatewayConfig holds HTTP gateway settings.
type GatewayConfig struct {
	Host       string             `json:"host" mapstructure:"host"`
	Port       int                `json:"port" mapstructure:"port"`
	APIToken   string             `json:"api_token" mapstructure:"api_token"`
	RateLimits gateway.RateLimits `json:"rate_limits" mapstructure:"rate_limits"`
}

// ToolsConfig holds settings for the built-in tools.
type ToolsConfig struct {
	Fetch   tools.FetchConfig   `json:"fetch" mapstructure:"fetch"`
	Browser tools.BrowserConfig `json:"browser" mapstructure:"browser"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:      "sqlite3",
			Path:        "agentjobs.db",
			BusyTimeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			PollInterval:  500 * time.Millisecond,
			LeaseDuration: 5 * time.Minute,
			SweepSchedule: "@every 1m",
			Concurrency:   4,
			MaxAttempts:   4,
			BackoffBase:   time.Second,
			BackoffMax:    10 * time.Minute,
		},
		Webhook: WebhookConfig{
			Timeout:     20 * time.Second,
			MaxAttempts: 7,
			BackoffBase: 10 * time.Second,
			BackoffMax:  600 * time.Second,
			Concurrency: 4,
		},
		Agent: AgentConfig{
			Model:            "claude-sonnet-4-5",
			Temperature:      0.2,
			MaxTokens:        4096,
			MaxRounds:        25,
			ModelRetries:     3,
			ModelBackoffBase: time.Second,
			ModelBackoffMax:  30 * time.Second,
			ModelTimeout:     2 * time.Minute,
			ToolTimeout:      time.Minute,
			ProviderCooldown: time.Minute,
		},
		AI: AIConfig{
			Profiles: []agent.AuthProfile{},
		},
		Gateway: GatewayConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			RateLimits: gateway.DefaultRateLimits(),
		},
		Tools: ToolsConfig{
			Fetch: tools.FetchConfig{
				Timeout:  30 * time.Second,
				MaxBytes: 5 << 20,
				MaxChars: 20000,
			},
			Browser: tools.BrowserConfig{
				Timeout:  30 * time.Second,
				MaxChars: 20000,
			},
		},
		Logging: logger.DefaultConfig(),
	}
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.Webhook.Secret = mask(c.Webhook.Secret)
	masked.Gateway.APIToken = mask(c.Gateway.APIToken)
	masked.AI.Profiles = make([]agent.AuthProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		p.APIKey = mask(p.APIKey)
		masked.AI.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
