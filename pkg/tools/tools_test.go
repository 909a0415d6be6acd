package tools

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harun/agentjobs/pkg/agent"
	"github.com/harun/agentjobs/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  URLPolicy
		url     string
		wantErr string
	}{
		{name: "public https", url: "https://example.com/a"},
		{name: "ftp scheme", url: "ftp://example.com", wantErr: "unsupported URL scheme"},
		{name: "file scheme", url: "file:///etc/passwd", wantErr: "unsupported URL scheme"},
		{name: "localhost", url: "http://localhost:8080", wantErr: "localhost"},
		{name: "loopback ip", url: "http://127.0.0.1/", wantErr: "localhost"},
		{name: "private ip", url: "http://10.0.0.5/", wantErr: "localhost"},
		{name: "localhost allowed", policy: URLPolicy{AllowLocalhost: true}, url: "http://127.0.0.1:9000/x"},
		{name: "allow list wildcard", policy: URLPolicy{AllowedDomains: []string{"*.example.com"}}, url: "https://docs.example.com"},
		{name: "allow list miss", policy: URLPolicy{AllowedDomains: []string{"example.com"}}, url: "https://other.org", wantErr: "not in allowed list"},
		{name: "block list dot suffix", policy: URLPolicy{BlockedDomains: []string{".ads.net"}}, url: "https://x.ads.net", wantErr: "blocked"},
		{name: "no host", url: "https://", wantErr: "no host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.policy.Validate(tt.url)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHTMLText(t *testing.T) {
	title, text, err := HTMLText(`<html><head><title> Go Notes </title><style>p{}</style></head>
<body><h1>Heading</h1><p>First   paragraph</p><script>alert(1)</script><ul><li>one</li><li>two</li></ul></body></html>`)
	require.NoError(t, err)
	assert.Equal(t, "Go Notes", title)
	assert.Equal(t, "Heading\nFirst paragraph\none\ntwo", text)
}

func localFetch() FetchConfig {
	return FetchConfig{Policy: URLPolicy{AllowLocalhost: true}, MaxBytes: 1024}
}

func TestWebFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<title>T</title><p>hello world</p>`))
		case "/data":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items":[1,2]}`))
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("abcdefghij"))
		case "/big":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	handler := WebFetch(localFetch()).Handler
	ctx := context.Background()

	out, err := handler(ctx, map[string]any{"url": srv.URL + "/page"})
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, "T", res["title"])
	assert.Equal(t, "hello world", res["text"])
	assert.Equal(t, "text/html", res["content_type"])

	out, err = handler(ctx, map[string]any{"url": srv.URL + "/data"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"items": []any{float64(1), float64(2)}}, out.(map[string]any)["json"])

	out, err = handler(ctx, map[string]any{"url": srv.URL + "/plain", "max_chars": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, "abcd", out.(map[string]any)["text"])
	assert.Equal(t, true, out.(map[string]any)["truncated"])

	_, err = handler(ctx, map[string]any{"url": srv.URL + "/big"})
	assert.ErrorContains(t, err, "too large")

	_, err = handler(ctx, map[string]any{"url": srv.URL + "/busy"})
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))

	_, err = handler(ctx, map[string]any{"url": srv.URL + "/missing"})
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))

	_, err = handler(ctx, map[string]any{})
	assert.ErrorContains(t, err, "url is required")
}

func TestWebFetchRespectsPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	}))
	defer srv.Close()

	_, err := WebFetch(FetchConfig{}).Handler(context.Background(), map[string]any{"url": srv.URL})
	assert.ErrorContains(t, err, "localhost")
}

func TestQuery(t *testing.T) {
	doc := `{"items":[{"name":"a","price":5},{"name":"b","price":12}],"total":2}`

	res, err := Query(doc, "items.#.name")
	require.NoError(t, err)
	assert.Equal(t, true, res["found"])
	assert.Equal(t, []any{"a", "b"}, res["value"])

	res, err = Query(doc, "items.#(price>10).name")
	require.NoError(t, err)
	assert.Equal(t, "b", res["value"])

	res, err = Query(doc, "missing")
	require.NoError(t, err)
	assert.Equal(t, false, res["found"])

	_, err = Query("{not json", "a")
	assert.ErrorContains(t, err, "not valid JSON")

	_, err = Query(doc, "")
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		expr string
		want any
	}{
		{"(3 + 4) * 2", int64(14)},
		{"7 / 2", 3.5},
		{"math.max(3, 9)", int64(9)},
		{"2 ^ 10", int64(1024)},
		{"string.upper('go')", "GO"},
		{"1 < 2", true},
	}
	for _, tt := range tests {
		got, err := Evaluate(ctx, tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestEvaluateRejectsUnsafeInput(t *testing.T) {
	ctx := context.Background()
	for _, expr := range []string{
		"os.exit(1)",
		"io.open('/etc/passwd')",
		"dofile('/tmp/x.lua')",
		"1; os.exit()",
		"1/0",
		"{}",
		strings.Repeat("1+", 300) + "1",
	} {
		_, err := Evaluate(ctx, expr)
		assert.Error(t, err, expr)
	}
}

func TestExpandPages(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3, 7}, ExpandPages("1-3,7", 10))
	assert.Equal(t, []int{2, 3}, ExpandPages("3-2, 3", 10))
	assert.Equal(t, []int{9, 10}, ExpandPages("9-15", 10))
	assert.Empty(t, ExpandPages("", 10))
	assert.Empty(t, ExpandPages("x,0,11", 10))
}

func TestOutline(t *testing.T) {
	long := strings.Repeat("detail ", 20)
	text := "INTRODUCTION\n" + long + "\n" + long + "\nSecond section\n" + long
	sections := Outline(text, 12)
	require.Len(t, sections, 2)
	assert.Equal(t, "INTRODUCTION", sections[0].Title)
	assert.Len(t, sections[0].Bullets, 2)
	assert.Equal(t, "Second section", sections[1].Title)

	assert.Len(t, Outline("a\nb\nc\nd", 2), 2)
	assert.Empty(t, Outline("", 3))
}

func TestPDFTextInputErrors(t *testing.T) {
	handler := PDFText(localFetch()).Handler
	ctx := context.Background()

	_, err := handler(ctx, map[string]any{})
	assert.ErrorContains(t, err, "provide url or data_base64")

	_, err = handler(ctx, map[string]any{"data_base64": "%%%"})
	assert.ErrorContains(t, err, "invalid base64")

	notPDF := base64.StdEncoding.EncodeToString([]byte("plain text"))
	_, err = handler(ctx, map[string]any{"data_base64": "data:application/pdf;base64," + notPDF})
	assert.ErrorContains(t, err, "failed to open pdf")
}

func TestCatalog(t *testing.T) {
	c := NewCatalog(Config{Logger: zerolog.Nop()})
	defer c.Close()

	assert.Equal(t, []string{"calc", "json_query", "pdf_text", "render_page", "web_fetch"}, c.Names())

	list, err := c.Tools("calc", "json_query")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "calc", list[0].Name)

	_, err = c.Tools("calc", "shell")
	assert.ErrorContains(t, err, `unknown tool "shell"`)

	all, err := c.Tools(c.Names()...)
	require.NoError(t, err)
	_, err = agent.NewToolSet(all...)
	assert.NoError(t, err, "every catalog tool has a valid argument schema")

	_, err = c.tools["render_page"].Handler(context.Background(), map[string]any{"url": "https://example.com"})
	assert.ErrorIs(t, err, ErrBrowserDisabled)
}
