package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	validProviders = []string{"anthropic", "openai", "gemini"}
	validDrivers   = []string{"sqlite", "sqlite3"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
)

// Validator validates individual configuration values.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey checks the key format for providers with a known prefix.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateProvider checks the provider name.
func (v *Validator) ValidateProvider(provider string) error {
	if oneOf(provider, validProviders) {
		return nil
	}
	return fmt.Errorf("invalid provider %q (must be one of: %s)", provider, strings.Join(validProviders, ", "))
}

// ValidateDriver checks the storage driver name.
func (v *Validator) ValidateDriver(driver string) error {
	if oneOf(driver, validDrivers) {
		return nil
	}
	return fmt.Errorf("invalid storage driver %q (must be one of: %s)", driver, strings.Join(validDrivers, ", "))
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if oneOf(level, validLogLevels) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLogLevels, ", "))
}

// ValidateSchedule checks a cron spec such as "@every 1m".
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig returns every problem found in cfg.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(cfg.AI.Profiles) == 0 {
		add(errors.New("no AI credentials configured: at least one AI profile is required"))
	}
	seen := make(map[string]bool)
	for i, profile := range cfg.AI.Profiles {
		if profile.ID == "" {
			add(fmt.Errorf("AI profile %d: id is required", i))
		} else if seen[profile.ID] {
			add(fmt.Errorf("AI profile %d: duplicate id %s", i, profile.ID))
		}
		seen[profile.ID] = true
		if err := v.ValidateProvider(profile.Provider); err != nil {
			add(fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			continue
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			add(fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}

	add(v.ValidateDriver(cfg.Storage.Driver))
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add(errors.New("storage.path is required"))
	}

	if cfg.Queue.MaxAttempts < 1 {
		add(errors.New("queue.max_attempts must be >= 1"))
	}
	if cfg.Queue.Concurrency < 1 {
		add(errors.New("queue.concurrency must be >= 1"))
	}
	if cfg.Queue.SweepSchedule != "" {
		add(v.ValidateSchedule(cfg.Queue.SweepSchedule))
	}

	if strings.TrimSpace(cfg.Webhook.Secret) == "" {
		add(errors.New("webhook.secret is required"))
	}
	if cfg.Webhook.MaxAttempts < 1 {
		add(errors.New("webhook.max_attempts must be >= 1"))
	}
	if cfg.Webhook.Timeout < 0 {
		add(errors.New("webhook.timeout must be >= 0"))
	}

	if cfg.Agent.MaxRounds < 0 {
		add(errors.New("agent.max_rounds must be >= 0"))
	}
	if cfg.Agent.ModelRetries < 0 {
		add(errors.New("agent.model_retries must be >= 0"))
	}
	if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
		add(fmt.Errorf("agent: %w", err))
	}
	if cfg.Agent.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
			add(fmt.Errorf("agent: %w", err))
		}
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add(fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.RateLimits.TenantPerMinute < 0 || cfg.Gateway.RateLimits.UserPerMinute < 0 {
		add(errors.New("gateway.rate_limits must be >= 0"))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))
	return errs
}

// Validate checks if the configuration is usable by the server.
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

func oneOf(s string, options []string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}
