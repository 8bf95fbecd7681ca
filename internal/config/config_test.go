package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 800*time.Millisecond, cfg.Crawl.PerHostDelay.Duration)
	assert.Equal(t, 5000, cfg.Crawl.MaxPages)
	assert.Equal(t, 20000, cfg.Crawl.MaxCandidates)
	assert.Equal(t, 2, cfg.Crawl.MaxRetries)
	assert.True(t, cfg.Robots.Respect)
	assert.Equal(t, 0.50, cfg.Classifier.Threshold)
	assert.Equal(t, 50, cfg.Inference.MaxSample)
}

func TestLoadFromReaderMergesOverDefaults(t *testing.T) {
	yaml := `
crawl:
  seed_url: "https://food.example.com/recipes/"
  path_prefix: "/recipes"
  per_host_delay: 250ms
  max_pages: 100
  max_duration: 90
classifier:
  threshold: 0.6
logging:
  level: debug
  structured: false
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, "https://food.example.com/recipes/", cfg.Crawl.SeedURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Crawl.PerHostDelay.Duration)
	assert.Equal(t, 100, cfg.Crawl.MaxPages)
	// Bare numbers parse as seconds.
	assert.Equal(t, 90*time.Second, cfg.Crawl.MaxDuration.Duration)
	assert.Equal(t, 0.6, cfg.Classifier.Threshold)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 6, cfg.Crawl.MaxDepth)
	assert.True(t, cfg.Robots.Respect)
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	yaml := `
crawl:
  seed_url: "https://example.com"
  politeness_delay: 1s
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	assert.Error(t, err)
}

func TestLoadFromReaderRejectsBadDuration(t *testing.T) {
	yaml := `
crawl:
  per_host_delay: "soonish"
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_depth", func(c *Config) { c.Crawl.MaxDepth = 0 }},
		{"zero max_pages", func(c *Config) { c.Crawl.MaxPages = 0 }},
		{"negative max_redirects", func(c *Config) { c.Crawl.MaxRedirects = -1 }},
		{"negative max_retries", func(c *Config) { c.Crawl.MaxRetries = -1 }},
		{"zero body limit", func(c *Config) { c.Crawl.MaxBodyBytes = 0 }},
		{"empty user agent", func(c *Config) { c.Crawl.UserAgent = " " }},
		{"threshold too high", func(c *Config) { c.Classifier.Threshold = 1.0 }},
		{"zero sample", func(c *Config) { c.Inference.MaxSample = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNormaliseDedupesAndLowercases(t *testing.T) {
	yaml := `
crawl:
  seed_url: "  https://example.com  "
  tracking_params: [UTM_SOURCE, utm_source, " Ref "]
classifier:
  path_tokens: [Recipes, recipes, REZEPTE]
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, "https://example.com", cfg.Crawl.SeedURL)
	assert.Equal(t, []string{"ref", "utm_source"}, cfg.Crawl.TrackingParams)
	assert.Equal(t, []string{"recipes", "rezepte"}, cfg.Classifier.PathTokens)
}

func TestRateLimitEnabled(t *testing.T) {
	assert.False(t, RateLimitConfig{}.Enabled())
	assert.False(t, RateLimitConfig{Requests: 5}.Enabled())
	assert.True(t, RateLimitConfig{Requests: 5, Window: DurationFrom(time.Second)}.Enabled())
}
