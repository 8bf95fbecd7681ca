package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthonyhales/mealie-recipe-crawler/internal/classifier"
	"github.com/anthonyhales/mealie-recipe-crawler/internal/config"
	"github.com/anthonyhales/mealie-recipe-crawler/internal/extractor"
	"github.com/anthonyhales/mealie-recipe-crawler/internal/fetcher"
	"github.com/anthonyhales/mealie-recipe-crawler/internal/frontier"
	"github.com/anthonyhales/mealie-recipe-crawler/internal/inferrer"
	robotsclient "github.com/anthonyhales/mealie-recipe-crawler/internal/robots"
	"github.com/anthonyhales/mealie-recipe-crawler/pkg/types"
)

// Status is the lifecycle stage of a crawl session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrSeedUnreachable is returned by Run when the very first fetch fails
// at the transport level; nothing useful can follow.
var ErrSeedUnreachable = errors.New("seed url unreachable")

// Snapshot is the externally visible state of a session.
type Snapshot struct {
	Status          Status     `json:"status"`
	SeedURL         string     `json:"seed_url"`
	PagesVisited    int        `json:"pages_visited"`
	CandidatesFound int        `json:"candidates_found"`
	QueueDepth      int        `json:"queue_depth"`
	LastURL         string     `json:"last_url,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// ProgressEvent is emitted after every visited page.
type ProgressEvent struct {
	PagesVisited    int    `json:"pages_visited"`
	CandidatesFound int    `json:"candidates_found"`
	QueueDepth      int    `json:"queue_depth"`
	URL             string `json:"url"`
	Host            string `json:"host"`
}

// ProgressSink receives incremental progress from a running session.
type ProgressSink interface {
	Report(evt ProgressEvent)
}

// Shared bundles the process-wide components every session must reuse:
// the robots.txt cache and the per-host politeness limiter. Callers
// construct one of each and pass them to every engine.
type Shared struct {
	Robots  *robotsclient.Agent
	Limiter *HostLimiter
}

// Option customises engine construction.
type Option func(*Engine)

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithProgressSink attaches a progress listener.
func WithProgressSink(sink ProgressSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// Engine runs one crawl session: a sequential breadth-first fetch loop
// over a single site. One fetch is in flight at a time per session; the
// politeness delay makes bursty concurrency pointless and
// robots-hostile. The engine owns its frontier and visited set
// exclusively; only the robots agent and host limiter are shared.
type Engine struct {
	cfg     config.Config
	seed    *url.URL
	fetch   *fetcher.Client
	robots  *robotsclient.Agent
	limiter *HostLimiter
	links   *extractor.Extractor
	class   *classifier.Classifier
	infer   *inferrer.Inferrer
	logger  *slog.Logger
	sink    ProgressSink

	mu             sync.Mutex
	status         Status
	startedAt      *time.Time
	endedAt        *time.Time
	pagesVisited   int
	fetchSuccesses int
	lastURL        string
	errText        string
	records        []types.PageRecord
	candidates     []string
	samples        []inferrer.Sample
	pattern        *types.InferredPattern
}

// NewEngine builds a session engine from configuration and the shared
// politeness components.
func NewEngine(cfg config.Config, shared Shared, opts ...Option) (*Engine, error) {
	seed, err := parseSeed(cfg.Crawl.SeedURL)
	if err != nil {
		return nil, err
	}

	httpFetcher := fetcher.New(fetcher.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		Headers:      cfg.Crawl.Headers,
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxRedirects: cfg.Crawl.MaxRedirects,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
	})

	robots := shared.Robots
	if robots == nil {
		robots = robotsclient.NewAgent(cfg.Robots, httpFetcher.HTTPClient())
	}
	limiter := shared.Limiter
	if limiter == nil {
		limiter = NewHostLimiter(cfg.Crawl.PerHostDelay.Duration, cfg.RateLimit)
	}

	engine := &Engine{
		cfg:     cfg,
		seed:    seed,
		fetch:   httpFetcher,
		robots:  robots,
		limiter: limiter,
		links: extractor.New(extractor.Options{
			Host:              seed.Hostname(),
			AllowedSubdomains: cfg.Crawl.AllowedSubdomains,
			PathPrefix:        cfg.Crawl.PathPrefix,
			TrackingParams:    cfg.Crawl.TrackingParams,
			MaxLinks:          cfg.Crawl.MaxLinksPerPage,
		}),
		class:  classifier.New(cfg.Classifier),
		infer:  inferrer.New(cfg.Inference, cfg.Classifier),
		status: StatusPending,
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.logger == nil {
		logger, err := buildLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		engine.logger = logger
	}
	return engine, nil
}

// Run executes the crawl until the frontier empties, a budget is
// exhausted, or the context is cancelled. Cancellation is cooperative
// and checked between fetches; accumulated results are preserved.
func (e *Engine) Run(ctx context.Context) error {
	started := time.Now()
	e.mu.Lock()
	e.status = StatusRunning
	e.startedAt = &started
	e.mu.Unlock()

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if budget := e.cfg.Crawl.MaxDuration.Duration; budget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, budget)
	}
	defer cancel()

	if e.cfg.Robots.Respect {
		if err := e.robots.Prime(runCtx, e.seed); err != nil {
			e.logger.Error("robots.txt fetch failed", "host", e.seed.Hostname(), "error", err)
			e.finish(StatusFailed, fmt.Sprintf("robots.txt fetch failed: %v", err))
			return fmt.Errorf("prime robots: %w", err)
		}
	}

	queue := frontier.New(e.cfg.Crawl.MaxPages, e.cfg.Crawl.MaxDepth)
	queue.Push(e.links.NormalizeURL(e.seed), 0)

	maxCandidates := e.cfg.Crawl.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 20000
	}

	for {
		// Cooperative stop, checked between fetches only.
		if err := runCtx.Err(); err != nil {
			if ctx.Err() != nil {
				e.logger.Warn("session stopped", "pages", e.pageCount())
				e.finish(StatusStopped, "stopped by operator")
				return ctx.Err()
			}
			// Wall-clock budget expiry counts as a budget, like
			// max_pages, so the run completes normally.
			e.logger.Info("wall-clock budget exhausted", "pages", e.pageCount())
			break
		}

		entry, ok := queue.Pop()
		if !ok {
			break
		}
		if err := e.visit(runCtx, queue, entry); err != nil {
			// Cancellation wins over any other reading of the error: a
			// fetch aborted by an operator stop looks like a transport
			// failure from the outcome alone.
			if ctx.Err() != nil {
				e.finish(StatusStopped, "stopped by operator")
				return ctx.Err()
			}
			if runCtx.Err() != nil {
				e.logger.Info("wall-clock budget exhausted", "pages", e.pageCount())
				break
			}
			if errors.Is(err, ErrSeedUnreachable) {
				e.finish(StatusFailed, "seed url unreachable")
				return err
			}
			e.finish(StatusFailed, err.Error())
			return err
		}

		if e.candidateCount() >= maxCandidates {
			e.logger.Info("candidate budget reached", "candidates", e.candidateCount())
			break
		}
	}

	e.mu.Lock()
	samples := append([]inferrer.Sample(nil), e.samples...)
	e.mu.Unlock()
	pattern := e.infer.Infer(samples)

	e.mu.Lock()
	e.pattern = &pattern
	e.mu.Unlock()

	e.finish(StatusCompleted, "")
	e.logger.Info("crawl completed",
		"pages", e.pageCount(),
		"candidates", e.candidateCount(),
		"template", pattern.URLTemplate)
	return nil
}

func (e *Engine) visit(ctx context.Context, queue *frontier.Frontier, entry types.FrontierEntry) error {
	target, err := url.Parse(entry.URL)
	if err != nil {
		e.logger.Debug("dropping unparseable frontier entry", "url", entry.URL)
		return nil
	}

	if !e.robots.Allowed(ctx, target) {
		e.logger.Debug("blocked by robots", "url", entry.URL)
		e.addRecord(types.PageRecord{
			URL:       entry.URL,
			Depth:     entry.Depth,
			ErrorKind: types.RobotsDisallowed,
			FetchedAt: time.Now(),
		})
		return nil
	}

	if err := e.limiter.Wait(ctx, target.Hostname()); err != nil {
		return err
	}

	outcome := e.fetchWithRetry(ctx, target)

	record := types.PageRecord{
		URL:        entry.URL,
		Depth:      entry.Depth,
		StatusCode: outcome.StatusCode,
		ErrorKind:  outcome.ErrorKind,
		ErrorText:  outcome.ErrorText,
		FetchedAt:  outcome.FetchedAt,
	}
	if outcome.FinalURL != nil && outcome.FinalURL.String() != entry.URL {
		record.FinalURL = outcome.FinalURL.String()
	}

	first := e.notePageVisited(entry.URL)

	if !outcome.OK() {
		e.addRecord(record)
		e.report(entry, queue)
		e.logger.Debug("fetch failed", "url", entry.URL, "kind", string(outcome.ErrorKind), "error", outcome.ErrorText)
		if first && (outcome.ErrorKind == types.ConnectionError || outcome.ErrorKind == types.FetchTimeout) {
			// A fetch cut short by cancellation classifies as a
			// connection error; only conclude the seed is unreachable
			// when the context is still live.
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrSeedUnreachable
		}
		return nil
	}
	e.noteFetchSuccess()

	if len(outcome.Body) == 0 {
		record.ErrorKind = types.ParseDegraded
		record.ErrorText = "empty response body"
		e.addRecord(record)
		e.report(entry, queue)
		return nil
	}

	verdict := e.class.Classify(outcome)
	record.Candidate = verdict.Candidate
	record.Confidence = verdict.Confidence
	e.addRecord(record)

	if verdict.Candidate {
		e.addCandidate(entry.URL, outcome.Body)
		e.logger.Info("candidate found", "url", entry.URL, "confidence", verdict.Confidence, "signals", strings.Join(verdict.Signals, ","))
	}

	base := outcome.FinalURL
	if base == nil {
		base = outcome.URL
	}
	for _, link := range e.links.Extract(outcome.Body, base) {
		queue.Push(link, entry.Depth+1)
	}

	e.report(entry, queue)
	return nil
}

// fetchWithRetry retries transient failures (connection errors,
// timeouts, 429/5xx) a bounded number of times with the original
// deployment's backoff of min(5s, attempt*1.5s). Terminal statuses are
// never retried.
func (e *Engine) fetchWithRetry(ctx context.Context, target *url.URL) *types.FetchOutcome {
	attempts := e.cfg.Crawl.MaxRetries + 1
	var outcome *types.FetchOutcome
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 1500 * time.Millisecond
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return outcome
			}
			timer.Stop()
		}
		result, err := e.fetch.Fetch(ctx, target)
		if err != nil {
			// Programming error (nil URL); surface as connection error.
			return &types.FetchOutcome{URL: target, FinalURL: target, ErrorKind: types.ConnectionError, ErrorText: err.Error(), FetchedAt: time.Now()}
		}
		outcome = result
		if outcome.OK() || !outcome.Retryable() {
			return outcome
		}
	}
	return outcome
}

func (e *Engine) finish(status Status, errText string) {
	ended := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusFailed || e.status == StatusStopped || e.status == StatusCompleted {
		return
	}
	e.status = status
	e.endedAt = &ended
	e.errText = errText
}

// Snapshot returns the current externally visible state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		Status:          e.status,
		SeedURL:         e.seed.String(),
		PagesVisited:    e.pagesVisited,
		CandidatesFound: len(e.candidates),
		LastURL:         e.lastURL,
		Error:           e.errText,
	}
	if e.startedAt != nil {
		started := *e.startedAt
		snap.StartedAt = &started
	}
	if e.endedAt != nil {
		ended := *e.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

// Candidates returns the accumulated candidate URLs in discovery order.
func (e *Engine) Candidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.candidates...)
}

// Records returns the audit trail of every URL the session handled,
// including skipped and failed ones.
func (e *Engine) Records() []types.PageRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.PageRecord(nil), e.records...)
}

// Pattern returns the inferred pattern when one exists. Completed runs
// always have one; stopped runs only after InferPattern was called.
func (e *Engine) Pattern() (types.InferredPattern, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pattern == nil {
		return types.InferredPattern{}, false
	}
	return *e.pattern, true
}

// InferPattern runs the inference pass on demand over the accumulated
// sample. Used to explicitly request a pattern from a stopped or
// partial run; the result is cached, a pattern is never re-derived.
func (e *Engine) InferPattern() types.InferredPattern {
	e.mu.Lock()
	if e.pattern != nil {
		pattern := *e.pattern
		e.mu.Unlock()
		return pattern
	}
	samples := append([]inferrer.Sample(nil), e.samples...)
	e.mu.Unlock()

	pattern := e.infer.Infer(samples)

	e.mu.Lock()
	if e.pattern == nil {
		e.pattern = &pattern
	} else {
		pattern = *e.pattern
	}
	e.mu.Unlock()
	return pattern
}

func (e *Engine) notePageVisited(url string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pagesVisited++
	e.lastURL = url
	return e.pagesVisited == 1
}

func (e *Engine) noteFetchSuccess() {
	e.mu.Lock()
	e.fetchSuccesses++
	e.mu.Unlock()
}

func (e *Engine) addRecord(record types.PageRecord) {
	e.mu.Lock()
	e.records = append(e.records, record)
	e.mu.Unlock()
}

func (e *Engine) addCandidate(url string, body []byte) {
	e.mu.Lock()
	e.candidates = append(e.candidates, url)
	if len(e.samples) < e.cfg.Inference.MaxSample {
		sample := inferrer.Sample{URL: url, HTML: append([]byte(nil), body...)}
		e.samples = append(e.samples, sample)
	}
	e.mu.Unlock()
}

func (e *Engine) pageCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pagesVisited
}

func (e *Engine) candidateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.candidates)
}

func (e *Engine) report(entry types.FrontierEntry, queue *frontier.Frontier) {
	if e.sink == nil {
		return
	}
	e.mu.Lock()
	evt := ProgressEvent{
		PagesVisited:    e.pagesVisited,
		CandidatesFound: len(e.candidates),
		QueueDepth:      queue.Len(),
		URL:             entry.URL,
		Host:            e.seed.Hostname(),
	}
	e.mu.Unlock()
	e.sink.Report(evt)
}

func parseSeed(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("crawl.seed_url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse seed %q: %w", raw, err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("seed %q missing host", raw)
	}
	return parsed, nil
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
