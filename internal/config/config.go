package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to initialise the
// crawl engine and the API service around it.
type Config struct {
	Crawl        CrawlConfig        `yaml:"crawl"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Inference    InferenceConfig    `yaml:"inference"`
	Robots       RobotsConfig       `yaml:"robots"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	SessionState SessionStateConfig `yaml:"session_state"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// CrawlConfig controls the frontier, limits, and politeness of one run.
type CrawlConfig struct {
	SeedURL           string            `yaml:"seed_url"`
	PathPrefix        string            `yaml:"path_prefix"`
	UserAgent         string            `yaml:"user_agent"`
	Headers           map[string]string `yaml:"headers"`
	PerHostDelay      Duration          `yaml:"per_host_delay"`
	RequestTimeout    Duration          `yaml:"request_timeout"`
	MaxRedirects      int               `yaml:"max_redirects"`
	MaxRetries        int               `yaml:"max_retries"`
	MaxPages          int               `yaml:"max_pages"`
	MaxDepth          int               `yaml:"max_depth"`
	MaxCandidates     int               `yaml:"max_candidates"`
	MaxBodyBytes      int64             `yaml:"max_body_bytes"`
	MaxDuration       Duration          `yaml:"max_duration"`
	AllowedSubdomains []string          `yaml:"allowed_subdomains"`
	TrackingParams    []string          `yaml:"tracking_params"`
	MaxLinksPerPage   int               `yaml:"max_links_per_page"`
}

// ClassifierConfig tunes the weighted-signal page classifier. Weights
// are stable for the duration of a run; the defaults are documented in
// the classifier package.
type ClassifierConfig struct {
	Threshold           float64  `yaml:"threshold"`
	SchemaWeight        float64  `yaml:"schema_weight"`
	IngredientWeight    float64  `yaml:"ingredient_weight"`
	PathTokenWeight     float64  `yaml:"path_token_weight"`
	TitleKeywordWeight  float64  `yaml:"title_keyword_weight"`
	TitleKeywords       []string `yaml:"title_keywords"`
	IngredientKeywords  []string `yaml:"ingredient_keywords"`
	InstructionKeywords []string `yaml:"instruction_keywords"`
	PathTokens          []string `yaml:"path_tokens"`
}

// InferenceConfig bounds the pattern inference pass.
type InferenceConfig struct {
	MaxSample       int     `yaml:"max_sample"`
	LiteralFraction float64 `yaml:"literal_fraction"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// RateLimitConfig applies an optional token bucket per host on top of
// the per-host delay.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether per-host token-bucket limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// SessionStateConfig points at the optional Redis snapshot store.
type SessionStateConfig struct {
	Host    string   `yaml:"host"`
	Port    string   `yaml:"port"`
	DB      int      `yaml:"db"`
	Key     string   `yaml:"key"`
	Timeout Duration `yaml:"timeout"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with conservative defaults. The
// crawl limits track the hardened defaults of the original dashboard
// deployment: 800ms politeness delay, 5000 page budget, 20000 candidate
// cap, two retries for transient failures.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			UserAgent:      "mealie-recipe-crawler/1.0",
			Headers:        map[string]string{},
			PerHostDelay:   DurationFrom(800 * time.Millisecond),
			RequestTimeout: DurationFrom(15 * time.Second),
			MaxRedirects:   5,
			MaxRetries:     2,
			MaxPages:       5000,
			MaxDepth:       6,
			MaxCandidates:  20000,
			MaxBodyBytes:   6 * 1024 * 1024,
			TrackingParams: []string{
				"utm_source", "utm_medium", "utm_campaign", "utm_term",
				"utm_content", "gclid", "fbclid", "mc_cid", "mc_eid", "ref",
			},
			MaxLinksPerPage: 200,
		},
		Classifier: ClassifierConfig{
			Threshold:          0.50,
			SchemaWeight:       0.65,
			IngredientWeight:   0.30,
			PathTokenWeight:    0.20,
			TitleKeywordWeight: 0.15,
			TitleKeywords:      []string{"recipe", "recipes"},
			IngredientKeywords: []string{"ingredients", "ingredient", "you will need"},
			InstructionKeywords: []string{
				"method", "instructions", "directions", "steps", "preparation",
			},
			PathTokens: []string{"recipe", "recipes"},
		},
		Inference: InferenceConfig{
			MaxSample:       50,
			LiteralFraction: 0.9,
		},
		Robots: RobotsConfig{
			Respect:   true,
			Overrides: []string{},
			UserAgent: "mealie-recipe-crawler/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required invariants for the crawler configuration.
func (c Config) Validate() error {
	if c.Crawl.MaxDepth <= 0 {
		return fmt.Errorf("crawl.max_depth must be > 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.MaxRedirects < 0 {
		return fmt.Errorf("crawl.max_redirects must be >= 0 (got %d)", c.Crawl.MaxRedirects)
	}
	if c.Crawl.MaxRetries < 0 {
		return fmt.Errorf("crawl.max_retries must be >= 0 (got %d)", c.Crawl.MaxRetries)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	if c.Classifier.Threshold <= 0 || c.Classifier.Threshold >= 1 {
		return fmt.Errorf("classifier.threshold must be in (0,1) (got %v)", c.Classifier.Threshold)
	}
	if c.Inference.MaxSample <= 0 {
		return fmt.Errorf("inference.max_sample must be > 0 (got %d)", c.Inference.MaxSample)
	}
	if c.Inference.LiteralFraction <= 0 || c.Inference.LiteralFraction > 1 {
		return fmt.Errorf("inference.literal_fraction must be in (0,1] (got %v)", c.Inference.LiteralFraction)
	}
	if rl := c.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	return nil
}

func (c *Config) normalise() {
	c.Crawl.SeedURL = strings.TrimSpace(c.Crawl.SeedURL)
	c.Crawl.PathPrefix = strings.TrimSpace(c.Crawl.PathPrefix)
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)

	c.Crawl.AllowedSubdomains = dedupeLower(c.Crawl.AllowedSubdomains)
	c.Crawl.TrackingParams = dedupeLower(c.Crawl.TrackingParams)
	c.Robots.Overrides = dedupeLower(c.Robots.Overrides)

	c.Classifier.TitleKeywords = dedupeLower(c.Classifier.TitleKeywords)
	c.Classifier.IngredientKeywords = dedupeLower(c.Classifier.IngredientKeywords)
	c.Classifier.InstructionKeywords = dedupeLower(c.Classifier.InstructionKeywords)
	c.Classifier.PathTokens = dedupeLower(c.Classifier.PathTokens)
}

func dedupeLower(values []string) []string {
	if len(values) == 0 {
		return values
	}
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}
