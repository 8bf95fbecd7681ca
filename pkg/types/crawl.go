package types

import (
	"net/url"
	"time"
)

// CrawlTarget is the immutable configuration for one crawl run.
type CrawlTarget struct {
	BaseURL     *url.URL
	PathPrefix  string
	Delay       time.Duration
	MaxPages    int
	MaxDepth    int
	MaxDuration time.Duration
}

// FetchErrorKind categorises why a fetch produced no usable content.
type FetchErrorKind string

const (
	FetchOK          FetchErrorKind = ""
	FetchTimeout     FetchErrorKind = "timeout"
	TooManyRedirects FetchErrorKind = "too_many_redirects"
	HTTPError        FetchErrorKind = "http_error"
	RobotsDisallowed FetchErrorKind = "robots_disallowed"
	ConnectionError  FetchErrorKind = "connection_error"
	// ParseDegraded marks a successful fetch whose body produced no
	// usable HTML. The URL is audited but contributes no links or
	// classification signals.
	ParseDegraded FetchErrorKind = "parse_degraded"
)

// FetchOutcome is the result of fetching a single URL. Per-URL failures
// are carried in ErrorKind rather than returned as Go errors so the
// crawl loop can continue past them.
type FetchOutcome struct {
	URL        *url.URL
	FinalURL   *url.URL
	StatusCode int
	Body       []byte
	ErrorKind  FetchErrorKind
	ErrorText  string
	FetchedAt  time.Time
	Latency    time.Duration
}

// OK reports whether the fetch produced usable content.
func (o *FetchOutcome) OK() bool {
	return o != nil && o.ErrorKind == FetchOK
}

// Retryable reports whether the failure is transient enough to retry.
// Only connection errors and 5xx responses qualify.
func (o *FetchOutcome) Retryable() bool {
	if o == nil {
		return false
	}
	switch o.ErrorKind {
	case ConnectionError, FetchTimeout:
		return true
	case HTTPError:
		return o.StatusCode == 429 || o.StatusCode >= 500
	}
	return false
}

// FrontierEntry is a queued URL awaiting a visit. Owned exclusively by
// the frontier until popped.
type FrontierEntry struct {
	URL   string
	Depth int
}

// Verdict is the classifier's judgement for one fetched page.
type Verdict struct {
	URL        string   `json:"url"`
	Candidate  bool     `json:"is_candidate"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"matched_signals,omitempty"`
}

// SelectorCandidate is one CSS selector proposed for a field, with the
// number of sample pages that independently produced it.
type SelectorCandidate struct {
	Field      string `json:"field"`
	Selector   string `json:"selector"`
	Support    int    `json:"support_count"`
	SampleSize int    `json:"sample_size"`
}

// InferredPattern is the immutable snapshot produced by one inference
// pass: a URL path template plus ranked selector candidates.
type InferredPattern struct {
	URLTemplate      string              `json:"url_template"`
	Selectors        []SelectorCandidate `json:"selectors"`
	SampleURLs       []string            `json:"sample_urls_used"`
	InsufficientData bool                `json:"insufficient_data"`
	InferredAt       time.Time           `json:"inferred_at"`
}

// PageRecord is the audit row kept for every URL the session handled,
// including skipped and failed ones.
type PageRecord struct {
	URL        string         `json:"url"`
	FinalURL   string         `json:"final_url,omitempty"`
	Depth      int            `json:"depth"`
	StatusCode int            `json:"status_code,omitempty"`
	ErrorKind  FetchErrorKind `json:"error,omitempty"`
	ErrorText  string         `json:"error_text,omitempty"`
	Candidate  bool           `json:"is_candidate"`
	Confidence float64        `json:"confidence,omitempty"`
	FetchedAt  time.Time      `json:"fetched_at"`
}
