package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/harun/agentjobs/pkg/agent"
	"github.com/rs/zerolog"
)

// BrowserConfig configures the headless browser behind render_page.
type BrowserConfig struct {
	Enabled    bool          `mapstructure:"enabled" json:"enabled"`
	ControlURL string        `mapstructure:"control_url" json:"control_url"` // attach instead of launching
	ChromePath string        `mapstructure:"chrome_path" json:"chrome_path"`
	NoSandbox  bool          `mapstructure:"no_sandbox" json:"no_sandbox"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxChars   int           `mapstructure:"max_chars" json:"max_chars"`
}

// Renderer owns one lazily started browser shared by all render_page calls.
type Renderer struct {
	cfg    BrowserConfig
	policy URLPolicy
	logger zerolog.Logger

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewRenderer creates a renderer. No browser is started until first use.
func NewRenderer(cfg BrowserConfig, policy URLPolicy, logger zerolog.Logger) *Renderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultFetchMaxChars
	}
	return &Renderer{cfg: cfg, policy: policy, logger: logger.With().Str("component", "renderer").Logger()}
}

func (r *Renderer) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	controlURL := r.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(true).NoSandbox(r.cfg.NoSandbox)
		if r.cfg.ChromePath != "" {
			l = l.Bin(r.cfg.ChromePath)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		r.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		r.killLocked()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	r.browser = browser
	r.logger.Info().Str("control_url", controlURL).Msg("Browser connected")
	return browser, nil
}

// Render loads rawURL in a fresh page and returns its title and rendered text.
func (r *Renderer) Render(ctx context.Context, rawURL string) (string, string, error) {
	u, err := r.policy.Validate(rawURL)
	if err != nil {
		return "", "", err
	}
	browser, err := r.connect()
	if err != nil {
		return "", "", err
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", "", fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	page = page.Timeout(r.cfg.Timeout)
	if err := page.Navigate(u.String()); err != nil {
		return "", "", fmt.Errorf("failed to navigate to %s: %w", u, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", "", fmt.Errorf("page load timeout: %w", err)
	}

	text, err := page.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", "", fmt.Errorf("failed to extract text: %w", err)
	}
	var title string
	if info, err := page.Info(); err == nil {
		title = info.Title
	}
	return title, compactWhitespace(text.Value.String()), nil
}

// Close shuts down the browser if one was started.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	r.killLocked()
	return err
}

func (r *Renderer) killLocked() {
	if r.launcher != nil {
		r.launcher.Kill()
		r.launcher = nil
	}
}

// ErrBrowserDisabled is returned by render_page when no browser is configured.
var ErrBrowserDisabled = errors.New("browser rendering is disabled")

// RenderPage returns the render_page tool backed by r. A nil renderer yields
// a tool that always reports ErrBrowserDisabled.
func RenderPage(r *Renderer) agent.Tool {
	return agent.Tool{
		Name:        "render_page",
		Description: "Load a page in a headless browser, run its scripts and return the rendered text.",
		Parameters: []agent.ToolParameter{
			{Name: "url", Type: "string", Description: "Absolute http(s) URL", Required: true},
			{Name: "max_chars", Type: "number", Description: "Maximum characters of text to return"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if r == nil {
				return nil, ErrBrowserDisabled
			}
			rawURL, err := requiredString(args, "url")
			if err != nil {
				return nil, err
			}
			title, text, err := r.Render(ctx, rawURL)
			if err != nil {
				return nil, err
			}
			text, cut := truncate(text, intArg(args, "max_chars", r.cfg.MaxChars))
			return map[string]any{"url": rawURL, "title": title, "text": text, "truncated": cut}, nil
		},
	}
}
