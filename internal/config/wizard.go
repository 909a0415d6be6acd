package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/harun/agentjobs/pkg/agent"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Wizard asks for the settings a fresh install needs: provider keys, the
// webhook signing secret and the gateway port.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run starts from base (or the defaults when nil) and returns the edited config.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== agentjobs configuration ===")
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Provider API keys (at least one is required, Enter to skip):")

	var profiles []agent.AuthProfile
	for i, provider := range validProviders {
		for {
			key, err := w.ask(fmt.Sprintf("%s API key: ", provider))
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			if err := validator.ValidateAPIKey(key, provider); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			profiles = append(profiles, agent.AuthProfile{
				ID:       provider + "-default",
				Provider: provider,
				APIKey:   key,
				Priority: i,
			})
			break
		}
	}
	if len(profiles) > 0 {
		cfg.AI.Profiles = profiles
	} else if len(cfg.AI.Profiles) == 0 {
		return nil, fmt.Errorf("at least one provider API key is required")
	}

	secret, err := w.ask("Webhook signing secret (Enter to generate): ")
	if err != nil {
		return nil, err
	}
	if secret == "" && cfg.Webhook.Secret == "" {
		secret, err = gonanoid.New(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
		fmt.Fprintln(w.out, "Generated a webhook secret.")
	}
	if secret != "" {
		cfg.Webhook.Secret = secret
	}

	for {
		answer, err := w.ask(fmt.Sprintf("Gateway port [%d]: ", cfg.Gateway.Port))
		if err != nil {
			return nil, err
		}
		if answer == "" {
			break
		}
		port, err := strconv.Atoi(answer)
		if err != nil || port <= 0 || port > 65535 {
			fmt.Fprintln(w.out, "Error: port must be a number between 1 and 65535")
			continue
		}
		cfg.Gateway.Port = port
		break
	}

	return cfg, nil
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		if err == io.EOF {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
