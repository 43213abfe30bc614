package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const (
	defaultFetchMaxChars = 50000
	fetchMaxRedirects    = 3
)

// WebFetchTool downloads a page and reduces it to plain text the model
// can read.
type WebFetchTool struct {
	maxChars int
	cache    *webCache
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		maxChars: defaultFetchMaxChars,
		cache:    newWebCache(defaultCacheEntries, defaultCacheTTL),
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its content. HTML is converted to readable text; JSON is pretty-printed."
}
func (t *WebFetchTool) ReadOnly() bool { return true }

func (t *WebFetchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"description": "Maximum characters to return.",
				"minimum":     100,
			},
		},
		"required":             []string{"url"},
		"additionalProperties": false,
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL, _ := args["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if err := checkSSRF(rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("blocked: %v", err))
	}

	maxChars := t.maxChars
	if v, ok := args["max_chars"].(float64); ok && int(v) >= 100 {
		maxChars = int(v)
	}

	cacheKey := fmt.Sprintf("fetch:%s:%d", rawURL, maxChars)
	if cached, ok := t.cache.get(cacheKey); ok {
		return NewResult(cached)
	}

	out, err := t.fetch(ctx, rawURL, maxChars)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %s", clipStr(err.Error(), 2000)))
	}
	wrapped := wrapExternalContent(out, "Web Fetch")
	t.cache.set(cacheKey, wrapped)
	return NewResult(wrapped)
}

func (t *WebFetchTool) fetch(ctx context.Context, rawURL string, maxChars int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	client := &http.Client{
		Timeout: webRequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			return checkSSRF(req.URL.String())
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// HTML markup inflates byte count well past the extracted text, so
	// read more than maxChars before converting.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*4)))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	var text string
	switch {
	case strings.Contains(contentType, "application/json"):
		text = prettyJSON(body)
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		text = htmlToText(string(body))
	default:
		text = string(body)
	}

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nStatus: %d\n", resp.Request.URL.String(), resp.StatusCode)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit %d chars)\n", maxChars)
	}
	sb.WriteString("\n")
	sb.WriteString(text)
	return sb.String(), nil
}

func prettyJSON(body []byte) string {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return string(body)
	}
	formatted, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(formatted)
}

var (
	reScript   = regexp.MustCompile(`(?is)<script[\s\S]*?</script>`)
	reStyle    = regexp.MustCompile(`(?is)<style[\s\S]*?</style>`)
	reComment  = regexp.MustCompile(`<!--[\s\S]*?-->`)
	reNav      = regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`)
	reFooter   = regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`)
	reHeader   = regexp.MustCompile(`(?is)<header[\s\S]*?</header>`)
	reParaTag  = regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`)
	reBreakTag = regexp.MustCompile(`(?i)<br\s*/?>`)
	reListTag  = regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`)
	reMultiNL  = regexp.MustCompile(`\n{3,}`)
	reMultiSP  = regexp.MustCompile(`[ \t]{2,}`)
)

// htmlToText strips markup and non-content sections, keeping paragraph
// and list structure as line breaks.
func htmlToText(html string) string {
	s := reScript.ReplaceAllString(html, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reComment.ReplaceAllString(s, "")
	s = reNav.ReplaceAllString(s, "")
	s = reFooter.ReplaceAllString(s, "")
	s = reHeader.ReplaceAllString(s, "")

	s = reParaTag.ReplaceAllString(s, "\n$1\n")
	s = reBreakTag.ReplaceAllString(s, "\n")
	s = reListTag.ReplaceAllString(s, "\n- $1")

	s = htmlTagRe.ReplaceAllString(s, "")
	s = decodeHTMLEntities(s)
	s = reMultiSP.ReplaceAllString(s, " ")
	s = reMultiNL.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	clean := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}

func decodeHTMLEntities(s string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
		"&nbsp;", " ",
		"&hellip;", "...",
	)
	return replacer.Replace(s)
}
