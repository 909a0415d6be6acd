package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/agentjobs/internal/observability"
	"github.com/harun/agentjobs/internal/tracing"
	"github.com/harun/agentjobs/pkg/retry"
	"github.com/rs/zerolog"
)

// ErrNoProfiles is returned when every auth profile is cooling down or
// unusable.
var ErrNoProfiles = errors.New("no auth profile available")

// FailoverProvider spreads calls over auth profiles in priority order. A
// profile that fails with a retryable error is put in cooldown and the next
// one is tried; a permanent error is returned immediately.
type FailoverProvider struct {
	factory  ProviderCreator
	logger   zerolog.Logger
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	profiles  []AuthProfile
	providers map[string]LLMProvider
}

// FailoverConfig configures a FailoverProvider.
type FailoverConfig struct {
	Profiles []AuthProfile
	Factory  ProviderCreator
	Cooldown time.Duration // base cooldown, multiplied by the failure count
	Logger   zerolog.Logger
}

// NewFailoverProvider creates a provider over cfg.Profiles.
func NewFailoverProvider(cfg FailoverConfig) (*FailoverProvider, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = &ProviderFactory{}
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}

	profiles := make([]AuthProfile, len(cfg.Profiles))
	copy(profiles, cfg.Profiles)
	sortProfilesByPriority(profiles)

	return &FailoverProvider{
		factory:   cfg.Factory,
		logger:    cfg.Logger.With().Str("component", "provider_failover").Logger(),
		cooldown:  cfg.Cooldown,
		now:       time.Now,
		profiles:  profiles,
		providers: make(map[string]LLMProvider),
	}, nil
}

// Provider returns the provider name
func (f *FailoverProvider) Provider() string {
	return "failover"
}

// Call tries each available profile in priority order.
func (f *FailoverProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)
	var lastErr error

	for _, profile := range f.snapshot() {
		if profile.CooldownUntil != nil && f.now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := f.providerFor(profile)
		if err != nil {
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}

		req := request
		if profile.Model != "" {
			req.Model = profile.Model
		}

		response, err := provider.Call(ctx, req)
		if err == nil {
			f.updateProfileSuccess(profile.ID)
			return response, nil
		}

		lastErr = err
		if !retry.IsRetryable(err) {
			return nil, err
		}

		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")
		f.updateProfileFailure(profile.ID)
	}

	if lastErr == nil {
		return nil, retry.Retryable(ErrNoProfiles)
	}
	return nil, retry.Retryable(fmt.Errorf("all auth profiles failed: %w", lastErr))
}

// Close releases providers that hold clients.
func (f *FailoverProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for id, p := range f.providers {
		if c, ok := p.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(f.providers, id)
	}
	return errors.Join(errs...)
}

func (f *FailoverProvider) snapshot() []AuthProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AuthProfile, len(f.profiles))
	copy(out, f.profiles)
	return out
}

func (f *FailoverProvider) providerFor(profile AuthProfile) (LLMProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.providers[profile.ID]; ok {
		return p, nil
	}
	p, err := f.factory.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	f.providers[profile.ID] = p
	return p, nil
}

// updateProfileSuccess resets failure count for a profile
func (f *FailoverProvider) updateProfileSuccess(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount = 0
			f.profiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(f.profiles[i].Provider, false)
			break
		}
	}
}

// updateProfileFailure puts a profile in cooldown proportional to its failures
func (f *FailoverProvider) updateProfileFailure(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount++
			until := f.now().Add(f.cooldown * time.Duration(f.profiles[i].FailureCount)).UnixMilli()
			f.profiles[i].CooldownUntil = &until
			observability.SetProviderCooldown(f.profiles[i].Provider, true)
			break
		}
	}
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
