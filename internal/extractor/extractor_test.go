package extractor

import (
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestExtractSameHostOnly(t *testing.T) {
	ex := New(Options{Host: "www.example.com"})
	html := []byte(`<html><body>
		<a href="/recipes/1">one</a>
		<a href="https://www.example.com/recipes/2">two</a>
		<a href="https://other.com/recipes/3">elsewhere</a>
		<a href="https://cdn.example.com/asset.css">subdomain</a>
	</body></html>`)

	links := ex.Extract(html, mustParse(t, "https://www.example.com/"))
	assert.Equal(t, []string{
		"https://www.example.com/recipes/1",
		"https://www.example.com/recipes/2",
	}, links)
}

func TestExtractAllowedSubdomains(t *testing.T) {
	ex := New(Options{
		Host:              "example.com",
		AllowedSubdomains: []string{"www.example.com"},
	})
	html := []byte(`<html><body>
		<a href="https://example.com/a">apex</a>
		<a href="https://www.example.com/b">www</a>
		<a href="https://blog.example.com/c">blog</a>
	</body></html>`)

	links := ex.Extract(html, mustParse(t, "https://example.com/"))
	assert.Equal(t, []string{
		"https://example.com/a",
		"https://www.example.com/b",
	}, links)
}

func TestExtractPathPrefix(t *testing.T) {
	ex := New(Options{Host: "example.com", PathPrefix: "/recipes"})
	html := []byte(`<html><body>
		<a href="/recipes/1">in scope</a>
		<a href="/about">out of scope</a>
	</body></html>`)

	links := ex.Extract(html, mustParse(t, "https://example.com/recipes/"))
	assert.Equal(t, []string{"https://example.com/recipes/1"}, links)
}

func TestExtractSkipsNonHTTPSchemes(t *testing.T) {
	ex := New(Options{Host: "example.com"})
	html := []byte(`<html><body>
		<a href="javascript:void(0)">js</a>
		<a href="mailto:chef@example.com">mail</a>
		<a href="tel:+1555">phone</a>
		<a href="ftp://example.com/file">ftp</a>
		<a href="/recipes/1">real</a>
	</body></html>`)

	links := ex.Extract(html, mustParse(t, "https://example.com/"))
	assert.Equal(t, []string{"https://example.com/recipes/1"}, links)
}

func TestExtractDeduplicatesNormalizedLinks(t *testing.T) {
	ex := New(Options{Host: "example.com", TrackingParams: []string{"utm_source"}})
	html := []byte(`<html><body>
		<a href="/recipes/1">plain</a>
		<a href="/recipes/1/">trailing slash</a>
		<a href="/recipes/1?utm_source=footer">tracked</a>
		<a href="/recipes/1#reviews">fragment</a>
	</body></html>`)

	links := ex.Extract(html, mustParse(t, "https://example.com/"))
	assert.Equal(t, []string{"https://example.com/recipes/1"}, links)
}

func TestExtractCapsLinksPerPage(t *testing.T) {
	ex := New(Options{Host: "example.com", MaxLinks: 5})
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&sb, `<a href="/recipes/%d">r%d</a>`, i, i)
	}
	sb.WriteString("</body></html>")

	links := ex.Extract([]byte(sb.String()), mustParse(t, "https://example.com/"))
	assert.Len(t, links, 5)
}

func TestExtractMalformedHTMLDegradesGracefully(t *testing.T) {
	ex := New(Options{Host: "example.com"})
	// Unclosed tags and stray brackets; the parser keeps what it can.
	html := []byte(`<html><body><div><a href="/recipes/1">one<a href="/recipes/2">two</div><<<>`)

	links := ex.Extract(html, mustParse(t, "https://example.com/"))
	assert.Contains(t, links, "https://example.com/recipes/1")
	assert.Contains(t, links, "https://example.com/recipes/2")
}

func TestExtractEmptyInputs(t *testing.T) {
	ex := New(Options{Host: "example.com"})
	assert.Nil(t, ex.Extract(nil, mustParse(t, "https://example.com/")))
	assert.Nil(t, ex.Extract([]byte("<html></html>"), nil))
}
