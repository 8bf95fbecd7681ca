package extractor

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Options restricts which outbound links the extractor yields.
type Options struct {
	// Host is the crawl target's host; only links on this host (or an
	// allowed subdomain) are returned.
	Host string
	// AllowedSubdomains lists additional hosts to accept verbatim.
	AllowedSubdomains []string
	// PathPrefix, when set, drops links whose path lies outside it.
	PathPrefix string
	// TrackingParams are query parameters stripped during normalization.
	TrackingParams []string
	// MaxLinks caps how many links a single page may contribute.
	MaxLinks int
}

// Extractor pulls normalized same-host links out of fetched HTML.
type Extractor struct {
	host           string
	allowedHosts   map[string]struct{}
	pathPrefix     string
	trackingParams map[string]struct{}
	maxLinks       int
}

// New builds an extractor for one crawl target.
func New(opts Options) *Extractor {
	allowed := make(map[string]struct{}, len(opts.AllowedSubdomains))
	for _, h := range opts.AllowedSubdomains {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			allowed[h] = struct{}{}
		}
	}
	tracking := make(map[string]struct{}, len(opts.TrackingParams))
	for _, p := range opts.TrackingParams {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			tracking[p] = struct{}{}
		}
	}
	maxLinks := opts.MaxLinks
	if maxLinks <= 0 {
		maxLinks = 200
	}
	return &Extractor{
		host:           strings.ToLower(opts.Host),
		allowedHosts:   allowed,
		pathPrefix:     opts.PathPrefix,
		trackingParams: tracking,
		maxLinks:       maxLinks,
	}
}

// NormalizeURL normalizes a single URL under this extractor's tracking
// parameter configuration.
func (e *Extractor) NormalizeURL(u *url.URL) string {
	return Normalize(u, e.trackingParams)
}

// Extract returns the normalized absolute URLs linked from the page,
// restricted to the configured host. Malformed HTML degrades
// gracefully: whatever anchors parse are returned, never an error.
func (e *Extractor) Extract(html []byte, base *url.URL) []string {
	if len(html) == 0 || base == nil {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	links := make([]string, 0, 32)

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		href = strings.TrimSpace(href)
		if href == "" {
			return true
		}
		if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
			return true
		}

		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		if !e.accept(u) {
			return true
		}

		normalized := Normalize(u, e.trackingParams)
		if _, exists := seen[normalized]; exists {
			return true
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
		return len(links) < e.maxLinks
	})

	return links
}

func (e *Extractor) accept(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	if host != e.host {
		if _, ok := e.allowedHosts[host]; !ok {
			return false
		}
	}

	if e.pathPrefix != "" && !strings.HasPrefix(u.Path, e.pathPrefix) {
		return false
	}
	return true
}
