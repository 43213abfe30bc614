package tools

import (
	"strings"
	"testing"
	"time"
)

func TestExtractDDGResults(t *testing.T) {
	html := `
<a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fdocs&amp;rut=abc">Example <b>Docs</b></a>
<a class="result__snippet" href="#">The official <b>docs</b> site.</a>
<a rel="nofollow" class="result__a" href="https://plain.example.org/page">Plain Result</a>
`
	results := extractDDGResults(html, 5)
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Title != "Example Docs" {
		t.Errorf("title = %q", results[0].Title)
	}
	if results[0].URL != "https://example.com/docs" {
		t.Errorf("redirect not unwrapped: %q", results[0].URL)
	}
	if !strings.Contains(results[0].Description, "docs site") {
		t.Errorf("snippet = %q", results[0].Description)
	}
	if results[1].URL != "https://plain.example.org/page" {
		t.Errorf("plain URL mangled: %q", results[1].URL)
	}
}

func TestFormatSearchResults(t *testing.T) {
	out := formatSearchResults("golang", []searchResult{
		{Title: "Go", URL: "https://go.dev", Description: "The Go language"},
	}, "brave")
	for _, want := range []string{"golang", "via brave", "1. Go", "https://go.dev"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	empty := formatSearchResults("nothing", nil, "brave")
	if !strings.Contains(empty, "No results") {
		t.Errorf("empty output: %q", empty)
	}
}

func TestCheckSSRF(t *testing.T) {
	for _, bad := range []string{
		"http://localhost/admin",
		"http://127.0.0.1:8080/",
		"http://0.0.0.0/",
	} {
		if err := checkSSRF(bad); err == nil {
			t.Errorf("checkSSRF(%q) allowed a restricted target", bad)
		}
	}
}

func TestWebCache(t *testing.T) {
	c := newWebCache(2, time.Hour)
	c.set("a", "1")
	c.set("b", "2")
	if v, ok := c.get("a"); !ok || v != "1" {
		t.Fatalf("get a = %q, %v", v, ok)
	}

	// Third insert evicts the oldest entry.
	c.set("c", "3")
	if _, ok := c.get("a"); ok {
		t.Fatalf("oldest entry not evicted")
	}
	if _, ok := c.get("c"); !ok {
		t.Fatalf("new entry missing")
	}

	expired := newWebCache(2, -time.Second)
	expired.set("k", "v")
	if _, ok := expired.get("k"); ok {
		t.Fatalf("expired entry served")
	}
}

func TestHTMLToText(t *testing.T) {
	html := `<html><head><style>body{}</style><script>x()</script></head>
<body><nav>menu</nav><h1>Title</h1><p>First &amp; second.</p>
<ul><li>one</li><li>two</li></ul><footer>foot</footer></body></html>`

	text := htmlToText(html)
	for _, want := range []string{"Title", "First & second.", "- one", "- two"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
	for _, gone := range []string{"menu", "foot", "x()", "body{}"} {
		if strings.Contains(text, gone) {
			t.Errorf("text kept non-content %q:\n%s", gone, text)
		}
	}
}
