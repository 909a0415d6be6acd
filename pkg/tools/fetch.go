package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/harun/agentjobs/pkg/agent"
	"github.com/harun/agentjobs/pkg/retry"
	"golang.org/x/net/html"
)

const (
	defaultFetchTimeout  = 30 * time.Second
	defaultFetchMaxBytes = 5 << 20
	defaultFetchMaxChars = 20000
	defaultFetchAgent    = "agentjobs-fetch/1.0"
)

// FetchConfig bounds outbound HTTP fetches made by tools.
type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxBytes  int64         `mapstructure:"max_bytes" json:"max_bytes"`
	MaxChars  int           `mapstructure:"max_chars" json:"max_chars"`
	UserAgent string        `mapstructure:"user_agent" json:"user_agent"`
	Policy    URLPolicy     `mapstructure:"policy" json:"policy"`
	Client    *http.Client  `mapstructure:"-" json:"-"`
}

func (c FetchConfig) withDefaults() FetchConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultFetchTimeout
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultFetchMaxBytes
	}
	if c.MaxChars <= 0 {
		c.MaxChars = defaultFetchMaxChars
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultFetchAgent
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	return c
}

// fetched is a downloaded response body.
type fetched struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
}

type fetcher struct {
	cfg FetchConfig
}

func newFetcher(cfg FetchConfig) *fetcher {
	return &fetcher{cfg: cfg.withDefaults()}
}

// get downloads rawURL. Server errors and rate limiting are marked retryable
// so callers can tell transient failures apart.
func (f *fetcher) get(ctx context.Context, rawURL string) (*fetched, error) {
	u, err := f.cfg.Policy.Validate(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("download error for %s: %w", u, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("download failed (%d) for %s", resp.StatusCode, u)
		if retry.StatusRetryable(resp.StatusCode) {
			return nil, retry.Retryable(err)
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("response too large: more than %d bytes", f.cfg.MaxBytes)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return &fetched{
		URL:         resp.Request.URL.String(),
		Status:      resp.StatusCode,
		ContentType: mediaType,
		Body:        body,
	}, nil
}

// WebFetch returns the web_fetch tool. HTML is reduced to readable text,
// JSON is returned parsed and everything else as text.
func WebFetch(cfg FetchConfig) agent.Tool {
	f := newFetcher(cfg)
	return agent.Tool{
		Name:        "web_fetch",
		Description: "Download a web page or document over HTTP and return its readable text.",
		Parameters: []agent.ToolParameter{
			{Name: "url", Type: "string", Description: "Absolute http(s) URL", Required: true},
			{Name: "max_chars", Type: "number", Description: "Maximum characters of text to return"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			rawURL, err := requiredString(args, "url")
			if err != nil {
				return nil, err
			}
			res, err := f.get(ctx, rawURL)
			if err != nil {
				return nil, err
			}

			out := map[string]any{
				"url":          res.URL,
				"status":       res.Status,
				"content_type": res.ContentType,
			}
			switch {
			case res.ContentType == "application/json" || strings.HasSuffix(res.ContentType, "+json"):
				var doc any
				if err := json.Unmarshal(res.Body, &doc); err == nil {
					out["json"] = doc
					return out, nil
				}
				fallthrough
			case strings.HasPrefix(res.ContentType, "text/") && res.ContentType != "text/html":
				text, cut := truncate(string(res.Body), intArg(args, "max_chars", f.cfg.MaxChars))
				out["text"], out["truncated"] = text, cut
			default:
				title, text, err := HTMLText(string(res.Body))
				if err != nil {
					return nil, err
				}
				text, cut := truncate(text, intArg(args, "max_chars", f.cfg.MaxChars))
				out["title"], out["text"], out["truncated"] = title, text, cut
			}
			return out, nil
		},
	}
}

// HTMLText extracts the document title and visible text from an HTML page.
// Script, style and noscript content is dropped and whitespace is compacted.
func HTMLText(doc string) (string, string, error) {
	node, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	var title string
	var b strings.Builder
	walkText(node, &b, &title, false)
	return strings.TrimSpace(title), compactWhitespace(b.String()), nil
}

func walkText(n *html.Node, b *strings.Builder, title *string, hidden bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript", "template":
			hidden = true
		case "title":
			if *title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				*title = n.FirstChild.Data
			}
			return
		case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article":
			b.WriteString("\n")
		}
	}
	if !hidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, b, title, hidden)
	}
}

func compactWhitespace(s string) string {
	lines := strings.Split(strings.NewReplacer("\t", " ", "\r", " ").Replace(s), "\n")
	out := lines[:0]
	for _, ln := range lines {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}
