package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/harun/agentjobs/pkg/agent"
	"github.com/ledongthuc/pdf"
)

const defaultMaxPages = 20

// PDFText returns the pdf_text tool. The document comes from a URL or from
// base64 data; with outline set, the text is grouped into titled sections.
func PDFText(cfg FetchConfig) agent.Tool {
	f := newFetcher(cfg)
	return agent.Tool{
		Name:        "pdf_text",
		Description: "Extract plain text from a PDF given by URL or base64 data, optionally as a slide-style outline.",
		Parameters: []agent.ToolParameter{
			{Name: "url", Type: "string", Description: "Absolute http(s) URL of the PDF"},
			{Name: "data_base64", Type: "string", Description: "PDF bytes, base64 encoded (data: URIs accepted)"},
			{Name: "pages", Type: "string", Description: "Page selection such as 1-3,7"},
			{Name: "max_pages", Type: "number", Description: "Maximum pages to read (default 20)"},
			{Name: "outline", Type: "boolean", Description: "Return titled sections instead of raw text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			data, err := pdfBytes(ctx, f, args)
			if err != nil {
				return nil, err
			}
			text, pages, total, err := ExtractPDFText(data, stringArg(args, "pages"), intArg(args, "max_pages", defaultMaxPages))
			if err != nil {
				return nil, err
			}

			out := map[string]any{"pages": pages, "total_pages": total}
			if boolArg(args, "outline") {
				out["outline"] = Outline(text, 12)
				return out, nil
			}
			out["text"], out["truncated"] = truncate(text, f.cfg.MaxChars)
			return out, nil
		},
	}
}

func pdfBytes(ctx context.Context, f *fetcher, args map[string]any) ([]byte, error) {
	if raw := stringArg(args, "data_base64"); raw != "" {
		if i := strings.Index(raw, ","); i != -1 {
			raw = raw[i+1:]
		}
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %w", err)
		}
		if int64(len(data)) > f.cfg.MaxBytes {
			return nil, fmt.Errorf("pdf too large: %d bytes > limit %d", len(data), f.cfg.MaxBytes)
		}
		return data, nil
	}
	if rawURL := stringArg(args, "url"); rawURL != "" {
		res, err := f.get(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	}
	return nil, fmt.Errorf("provide url or data_base64")
}

// ExtractPDFText returns the text of the selected pages, the pages read and
// the page count of the document.
func ExtractPDFText(data []byte, selection string, maxPages int) (string, []int, int, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, 0, fmt.Errorf("failed to open pdf: %w", err)
	}
	total := r.NumPage()
	selected := ExpandPages(selection, total)
	if len(selected) == 0 {
		for i := 1; i <= total; i++ {
			selected = append(selected, i)
		}
	}
	if maxPages > 0 && len(selected) > maxPages {
		selected = selected[:maxPages]
	}

	var b strings.Builder
	for _, n := range selected {
		page := r.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String()), selected, total, nil
}

// ExpandPages turns a selection such as "1-3,7" into page numbers within
// [1, total], deduplicated and in order of appearance.
func ExpandPages(spec string, total int) []int {
	var out []int
	seen := map[int]bool{}
	add := func(n int) {
		if n >= 1 && n <= total && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, errA := strconv.Atoi(strings.TrimSpace(lo))
			b, errB := strconv.Atoi(strings.TrimSpace(hi))
			if errA != nil || errB != nil {
				continue
			}
			if a > b {
				a, b = b, a
			}
			for i := a; i <= b && i <= total; i++ {
				add(i)
			}
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			add(n)
		}
	}
	return out
}

// Section is one titled block of an outline.
type Section struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
}

// Outline groups text into at most maxSections sections. Short or upper-case
// lines start a new section; the next five lines become its bullets.
func Outline(text string, maxSections int) []Section {
	var paras []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paras = append(paras, line)
		}
	}

	var sections []Section
	var chunk []string
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		title, _ := truncate(chunk[0], 120)
		bullets := chunk[1:]
		if len(bullets) > 5 {
			bullets = bullets[:5]
		}
		sections = append(sections, Section{Title: title, Bullets: append([]string{}, bullets...)})
		chunk = nil
	}
	for _, line := range paras {
		if len(line) <= 80 || strings.ToUpper(line) == line {
			flush()
			if len(sections) >= maxSections {
				return sections
			}
		}
		chunk = append(chunk, line)
	}
	if len(sections) < maxSections {
		flush()
	}
	return sections
}
