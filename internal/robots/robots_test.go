package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonyhales/mealie-recipe-crawler/internal/config"
)

func robotsServer(t *testing.T, body string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			if hits != nil {
				hits.Add(1)
			}
			fmt.Fprint(w, body)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func agentFor(srv *httptest.Server, cfg config.RobotsConfig) *Agent {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "test-crawler"
	}
	return NewAgent(cfg, srv.Client())
}

func target(t *testing.T, base, path string) *url.URL {
	t.Helper()
	u, err := url.Parse(base + path)
	require.NoError(t, err)
	return u
}

func TestAllowedHonoursDisallowRules(t *testing.T) {
	srv := robotsServer(t, "User-agent: *\nDisallow: /private/\n", nil)
	agent := agentFor(srv, config.RobotsConfig{Respect: true})

	ctx := context.Background()
	assert.True(t, agent.Allowed(ctx, target(t, srv.URL, "/recipes/1")))
	assert.False(t, agent.Allowed(ctx, target(t, srv.URL, "/private/drafts")))
}

func TestRulesAreCachedPerHost(t *testing.T) {
	var hits atomic.Int64
	srv := robotsServer(t, "User-agent: *\nDisallow:\n", &hits)
	agent := agentFor(srv, config.RobotsConfig{Respect: true})

	ctx := context.Background()
	require.NoError(t, agent.Prime(ctx, target(t, srv.URL, "/")))
	for i := 0; i < 5; i++ {
		agent.Allowed(ctx, target(t, srv.URL, fmt.Sprintf("/recipes/%d", i)))
	}
	assert.Equal(t, int64(1), hits.Load())

	// Purge keys match the cache key, host:port included.
	agent.Purge(target(t, srv.URL, "/").Host)
	agent.Allowed(ctx, target(t, srv.URL, "/recipes/again"))
	assert.Equal(t, int64(2), hits.Load())
}

func TestAllowedFailsOpenOnFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "test-crawler"}, &http.Client{})

	u, err := url.Parse(srv.URL + "/recipes/1")
	require.NoError(t, err)
	assert.True(t, agent.Allowed(context.Background(), u))
}

func TestPrimeSurfacesFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "test-crawler"}, &http.Client{})

	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	assert.Error(t, agent.Prime(context.Background(), u))
}

func TestRespectDisabledAllowsEverything(t *testing.T) {
	srv := robotsServer(t, "User-agent: *\nDisallow: /\n", nil)
	agent := agentFor(srv, config.RobotsConfig{Respect: false})

	assert.True(t, agent.Allowed(context.Background(), target(t, srv.URL, "/anything")))
	assert.NoError(t, agent.Prime(context.Background(), target(t, srv.URL, "/")))
}

func TestOverrideHostsBypassRules(t *testing.T) {
	srv := robotsServer(t, "User-agent: *\nDisallow: /\n", nil)
	u := target(t, srv.URL, "/recipes/1")
	agent := agentFor(srv, config.RobotsConfig{
		Respect:   true,
		Overrides: []string{u.Hostname()},
	})

	assert.True(t, agent.Allowed(context.Background(), u))
}

func TestAllowedRejectsRelativeURLs(t *testing.T) {
	srv := robotsServer(t, "", nil)
	agent := agentFor(srv, config.RobotsConfig{Respect: true})

	rel, err := url.Parse("/recipes/1")
	require.NoError(t, err)
	assert.False(t, agent.Allowed(context.Background(), rel))
	assert.False(t, agent.Allowed(context.Background(), nil))
}
