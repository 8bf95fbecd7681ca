package extractor

import (
	"net/url"
	"path"
	"strings"
)

// Normalize produces the canonical string form of a URL so the same
// logical page always maps to the same visited-set key. The operation
// is idempotent: normalizing an already-normalized URL returns the
// identical string.
//
// Rules: lowercase scheme and host, drop default ports, resolve
// "."/".." path segments, strip the fragment, strip the configured
// tracking query parameters (remaining parameters are re-encoded in
// sorted order), and remove a single trailing slash unless the path is
// the bare root.
func Normalize(u *url.URL, trackingParams map[string]struct{}) string {
	if u == nil {
		return ""
	}

	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	out.Fragment = ""
	out.RawFragment = ""
	out.User = nil

	host := strings.ToLower(out.Hostname())
	if port := out.Port(); port != "" && port != defaultPort(out.Scheme) {
		host += ":" + port
	}
	out.Host = host

	// Clean the decoded path and drop RawPath so String() re-escapes
	// from the decoded form exactly once.
	out.Path = cleanPath(out.Path)
	out.RawPath = ""

	if out.RawQuery != "" {
		query := out.Query()
		for param := range query {
			if _, drop := trackingParams[strings.ToLower(param)]; drop {
				query.Del(param)
			}
		}
		out.RawQuery = query.Encode()
	}

	return out.String()
}

func cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "/"
	}
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
