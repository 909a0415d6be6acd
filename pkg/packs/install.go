package packs

import (
	"fmt"
	"time"

	"github.com/harun/agentjobs/pkg/agent"
	"github.com/harun/agentjobs/pkg/registry"
	"github.com/harun/agentjobs/pkg/retry"
	"github.com/harun/agentjobs/pkg/tools"
	"github.com/rs/zerolog"
)

// Defaults apply to every agent unless its definition overrides them.
type Defaults struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	MaxRounds    int
	ModelRetries int
	ModelBackoff retry.Policy
	ModelTimeout time.Duration
	ToolTimeout  time.Duration
}

// Deps are the shared collaborators of every installed agent.
type Deps struct {
	Provider agent.LLMProvider
	Catalog  *tools.Catalog
	Defaults Defaults
	Logger   zerolog.Logger
}

// Install registers a builder for every agent in f. Tool names are checked
// up front so a bad definition fails at startup rather than per job.
func Install(reg registry.AgentRegistry, f *File, deps Deps) error {
	if deps.Provider == nil {
		return fmt.Errorf("model provider is required")
	}
	if deps.Catalog == nil {
		return fmt.Errorf("tool catalog is required")
	}
	for _, pack := range f.Packs {
		for _, def := range pack.Agents {
			if _, err := deps.Catalog.Tools(def.Tools...); err != nil {
				return fmt.Errorf("agent %s/%s: %w", pack.Name, def.Name, err)
			}
			if err := reg.Register(pack.Name, def.Name, Builder(pack.Name, def, deps)); err != nil {
				return err
			}
		}
	}
	deps.Logger.Info().Int("packs", len(f.Packs)).Msg("Agent packs installed")
	return nil
}

// Builder returns a registry builder that constructs a conversation loop for def.
func Builder(pack string, def Agent, deps Deps) registry.Builder {
	return func(bc registry.BuildContext) (registry.Runnable, error) {
		list, err := deps.Catalog.Tools(def.Tools...)
		if err != nil {
			return nil, err
		}
		set, err := agent.NewToolSet(list...)
		if err != nil {
			return nil, err
		}
		if deps.Defaults.ToolTimeout > 0 {
			set = set.WithTimeout(deps.Defaults.ToolTimeout)
		}

		cfg := agent.LoopConfig{
			Provider:     deps.Provider,
			Tools:        set,
			Publisher:    bc.Publisher,
			Model:        deps.Defaults.Model,
			System:       def.System,
			Temperature:  deps.Defaults.Temperature,
			MaxTokens:    deps.Defaults.MaxTokens,
			MaxRounds:    deps.Defaults.MaxRounds,
			Backoff:      deps.Defaults.ModelBackoff,
			ModelTimeout: deps.Defaults.ModelTimeout,
			Logger: deps.Logger.With().
				Str("pack", pack).
				Str("agent", def.Name).
				Str("tenant_id", bc.TenantID).
				Logger(),
		}
		if deps.Defaults.ModelRetries > 0 {
			cfg.ShouldRetry = agent.RetryTransient(deps.Defaults.ModelRetries)
		}
		if def.Model != "" {
			cfg.Model = def.Model
		}
		if def.Temperature != nil {
			cfg.Temperature = *def.Temperature
		}
		if def.MaxTokens > 0 {
			cfg.MaxTokens = def.MaxTokens
		}
		if def.MaxRounds > 0 {
			cfg.MaxRounds = def.MaxRounds
		}
		return agent.NewLoop(cfg)
	}
}
