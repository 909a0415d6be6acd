package tools

import (
	"fmt"
	"sort"

	"github.com/harun/agentjobs/pkg/agent"
	"github.com/rs/zerolog"
)

// Config configures the tool catalog.
type Config struct {
	Fetch   FetchConfig   `mapstructure:"fetch" json:"fetch"`
	Browser BrowserConfig `mapstructure:"browser" json:"browser"`
	Logger  zerolog.Logger
}

// Catalog holds every tool available to agent packs by name.
type Catalog struct {
	tools    map[string]agent.Tool
	renderer *Renderer
}

// NewCatalog builds the catalog. render_page is only backed by a browser
// when cfg.Browser.Enabled is set.
func NewCatalog(cfg Config) *Catalog {
	c := &Catalog{tools: make(map[string]agent.Tool)}
	if cfg.Browser.Enabled {
		c.renderer = NewRenderer(cfg.Browser, cfg.Fetch.Policy, cfg.Logger)
	}
	for _, tool := range []agent.Tool{
		WebFetch(cfg.Fetch),
		RenderPage(c.renderer),
		JSONQuery(),
		PDFText(cfg.Fetch),
		Calc(),
	} {
		c.tools[tool.Name] = tool
	}
	return c
}

// Add registers an extra tool, replacing any tool with the same name.
func (c *Catalog) Add(tool agent.Tool) {
	c.tools[tool.Name] = tool
}

// Tools returns the named tools in the order given.
func (c *Catalog) Tools(names ...string) ([]agent.Tool, error) {
	out := make([]agent.Tool, 0, len(names))
	for _, name := range names {
		tool, ok := c.tools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		out = append(out, tool)
	}
	return out, nil
}

// Names lists the catalog in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases the browser, if one was started.
func (c *Catalog) Close() error {
	if c.renderer == nil {
		return nil
	}
	return c.renderer.Close()
}
