package crawler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonyhales/mealie-recipe-crawler/internal/config"
	"github.com/anthonyhales/mealie-recipe-crawler/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(seedURL string) config.Config {
	cfg := config.Default()
	cfg.Crawl.SeedURL = seedURL
	cfg.Crawl.PerHostDelay = config.DurationFrom(0)
	cfg.Crawl.RequestTimeout = config.DurationFrom(2 * time.Second)
	cfg.Crawl.MaxRetries = 0
	cfg.Crawl.MaxPages = 50
	cfg.Crawl.MaxDepth = 4
	return cfg
}

func recipeBody(name string) string {
	return fmt.Sprintf(`<html><head><title>%s</title>
<script type="application/ld+json">{"@type":"Recipe","name":"%s"}</script>
</head><body><h1 class="recipe-title">%s</h1>
<h2>Ingredients</h2><ul class="ingredients"><li>a</li><li>b</li><li>c</li></ul>
</body></html>`, name, name, name)
}

// smallSite serves a seed page linking to two recipes, a plain page,
// and a robots-disallowed area.
func smallSite(t *testing.T, privateHits *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><body>
<a href="/recipes/101/chicken-soup">soup</a>
<a href="/recipes/102/beef-stew">stew</a>
<a href="/private/drafts">drafts</a>
<a href="/about">about</a>
</body></html>`)
	})
	mux.HandleFunc("/recipes/101/chicken-soup", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, recipeBody("Chicken Soup"))
	})
	mux.HandleFunc("/recipes/102/beef-stew", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, recipeBody("Beef Stew"))
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>About us.</p></body></html>")
	})
	mux.HandleFunc("/private/", func(w http.ResponseWriter, r *http.Request) {
		privateHits.Add(1)
		fmt.Fprint(w, recipeBody("Secret Draft"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEngineCompletesAndInfersPattern(t *testing.T) {
	var privateHits atomic.Int64
	srv := smallSite(t, &privateHits)

	engine, err := NewEngine(testConfig(srv.URL), Shared{}, WithLogger(testLogger()))
	require.NoError(t, err)

	require.NoError(t, engine.Run(context.Background()))

	snap := engine.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.CandidatesFound)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.EndedAt)

	candidates := engine.Candidates()
	assert.Equal(t, []string{
		srv.URL + "/recipes/101/chicken-soup",
		srv.URL + "/recipes/102/beef-stew",
	}, candidates)

	pattern, ok := engine.Pattern()
	require.True(t, ok)
	assert.Equal(t, "/recipes/*/*", pattern.URLTemplate)
	assert.False(t, pattern.InsufficientData)
	assert.NotEmpty(t, pattern.Selectors)

	// The disallowed URL is recorded but its handler never ran.
	assert.Equal(t, int64(0), privateHits.Load())
	var sawDisallowed, sawAbout bool
	for _, record := range engine.Records() {
		if record.ErrorKind == types.RobotsDisallowed {
			sawDisallowed = true
			assert.Contains(t, record.URL, "/private/")
		}
		if record.URL == srv.URL+"/about" {
			sawAbout = true
			assert.False(t, record.Candidate)
		}
	}
	assert.True(t, sawDisallowed)
	assert.True(t, sawAbout)
}

type stopAfterFirst struct {
	cancel context.CancelFunc
	fired  atomic.Bool
}

func (s *stopAfterFirst) Report(ProgressEvent) {
	if s.fired.CompareAndSwap(false, true) {
		s.cancel()
	}
}

func TestEngineStopPreservesPartialResults(t *testing.T) {
	var privateHits atomic.Int64
	srv := smallSite(t, &privateHits)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &stopAfterFirst{cancel: cancel}

	engine, err := NewEngine(testConfig(srv.URL), Shared{},
		WithLogger(testLogger()), WithProgressSink(sink))
	require.NoError(t, err)

	err = engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	snap := engine.Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Equal(t, 1, snap.PagesVisited)

	// A stopped run never infers on its own.
	_, ok := engine.Pattern()
	assert.False(t, ok)

	// Explicit request derives (and caches) a pattern from whatever
	// sample exists, flagged when too small.
	pattern := engine.InferPattern()
	assert.True(t, pattern.InsufficientData)
	cached, ok := engine.Pattern()
	assert.True(t, ok)
	assert.Equal(t, pattern.URLTemplate, cached.URLTemplate)
}

func TestEngineStopDuringFirstFetchIsStopped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow:\n")
	})
	started := make(chan struct{})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, "<html><body></body></html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := NewEngine(testConfig(srv.URL), Shared{}, WithLogger(testLogger()))
	require.NoError(t, err)

	go func() {
		<-started
		cancel()
	}()

	// An aborted seed fetch looks like a transport failure; the run must
	// still report an operator stop, not an unreachable seed.
	err = engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrSeedUnreachable)
	assert.Equal(t, StatusStopped, engine.Snapshot().Status)
}

func TestEngineMaxPagesTerminatesUnboundedSite(t *testing.T) {
	var counter atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow:\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Every page links to three never-before-seen URLs.
		base := counter.Add(3)
		fmt.Fprintf(w, `<html><body>
<a href="/page/%d">a</a><a href="/page/%d">b</a><a href="/page/%d">c</a>
</body></html>`, base, base+1, base+2)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.Crawl.MaxPages = 10
	cfg.Crawl.MaxDepth = 1000

	engine, err := NewEngine(cfg, Shared{}, WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, engine.Run(context.Background()))

	snap := engine.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 10, snap.PagesVisited)
}

func TestEngineSeedUnreachableFailsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	seed := srv.URL
	srv.Close()

	cfg := testConfig(seed)
	cfg.Robots.Respect = false

	engine, err := NewEngine(cfg, Shared{}, WithLogger(testLogger()))
	require.NoError(t, err)

	err = engine.Run(context.Background())
	assert.ErrorIs(t, err, ErrSeedUnreachable)
	assert.Equal(t, StatusFailed, engine.Snapshot().Status)
}

func TestEngineRobotsFetchFailureFailsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	seed := srv.URL
	srv.Close()

	engine, err := NewEngine(testConfig(seed), Shared{}, WithLogger(testLogger()))
	require.NoError(t, err)

	err = engine.Run(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSeedUnreachable)
	assert.Equal(t, StatusFailed, engine.Snapshot().Status)
}

func TestEngineWallClockBudgetCompletesRun(t *testing.T) {
	var pages atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow:\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			// Subsequent pages are slow so the budget expires mid-run.
			time.Sleep(60 * time.Millisecond)
		}
		n := pages.Add(2)
		fmt.Fprintf(w, `<html><body><a href="/p/%d">n</a><a href="/p/%d">m</a></body></html>`, n, n+1)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.Crawl.MaxDuration = config.DurationFrom(250 * time.Millisecond)

	engine, err := NewEngine(cfg, Shared{}, WithLogger(testLogger()))
	require.NoError(t, err)

	// Budget expiry is a budget like max_pages: the run completes and
	// inference still happens.
	require.NoError(t, engine.Run(context.Background()))
	assert.Equal(t, StatusCompleted, engine.Snapshot().Status)
	_, ok := engine.Pattern()
	assert.True(t, ok)
}

func TestEngineEmptyCandidateSampleFlagsInsufficientData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow:\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>No recipes here.</p></body></html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	engine, err := NewEngine(testConfig(srv.URL), Shared{}, WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, engine.Run(context.Background()))

	pattern, ok := engine.Pattern()
	require.True(t, ok)
	assert.True(t, pattern.InsufficientData)
	assert.Empty(t, pattern.URLTemplate)
	assert.Empty(t, engine.Candidates())
}
