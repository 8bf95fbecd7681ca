package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthonyhales/mealie-recipe-crawler/internal/config"
	"github.com/anthonyhales/mealie-recipe-crawler/internal/crawler"
	"github.com/anthonyhales/mealie-recipe-crawler/internal/fetcher"
	"github.com/anthonyhales/mealie-recipe-crawler/internal/inferrer"
	robotsclient "github.com/anthonyhales/mealie-recipe-crawler/internal/robots"
	"github.com/anthonyhales/mealie-recipe-crawler/internal/sessionstate"
	"github.com/anthonyhales/mealie-recipe-crawler/pkg/types"
)

var (
	// ErrSessionRunning is returned when a session for the seed host is
	// already running.
	ErrSessionRunning = errors.New("session already running for this host")
	// ErrMaxConcurrency signals that the global session limit is reached.
	ErrMaxConcurrency = errors.New("maximum concurrent sessions reached")
	// ErrSessionNotRunning is returned when stopping an idle session.
	ErrSessionNotRunning = errors.New("session not running")
)

// SessionManager coordinates crawl engine lifecycles keyed by seed
// host. It owns the process-wide robots cache and host limiter and
// injects them into every engine it creates.
type SessionManager struct {
	mu             sync.RWMutex
	sessions       map[string]*Session
	baseConfig     config.Config
	maxConcurrency int
	running        int
	rootCtx        context.Context
	logger         *slog.Logger
	shared         crawler.Shared
	state          sessionstate.Store
}

// NewSessionManager constructs a manager with the provided defaults.
func NewSessionManager(base config.Config, maxConcurrency int, rootCtx context.Context, logger *slog.Logger, state sessionstate.Store) *SessionManager {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	probe := fetcher.New(fetcher.Options{
		UserAgent: base.Robots.UserAgent,
		Timeout:   base.Crawl.RequestTimeout.Duration,
	})
	return &SessionManager{
		sessions:       make(map[string]*Session),
		baseConfig:     deepCopyConfig(base),
		maxConcurrency: maxConcurrency,
		rootCtx:        rootCtx,
		logger:         logger,
		shared: crawler.Shared{
			Robots:  robotsclient.NewAgent(base.Robots, probe.HTTPClient()),
			Limiter: crawler.NewHostLimiter(base.Crawl.PerHostDelay.Duration, base.RateLimit),
		},
		state: state,
	}
}

// StartSession validates the request, materialises a config, and
// launches a crawl session. Non-blocking: the crawl runs in its own
// goroutine and the caller polls or subscribes for progress.
func (m *SessionManager) StartSession(req CreateSessionRequest) (*Session, error) {
	seedURL, parsed, err := normalizeSeedURL(req.SeedURL)
	if err != nil {
		return nil, err
	}
	sessionID := strings.ToLower(parsed.Hostname())
	if sessionID == "" {
		return nil, fmt.Errorf("invalid session id derived from seed url %q", req.SeedURL)
	}

	cfg, err := m.buildConfig(req, seedURL)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()

	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if !exists {
		session = newSession(sessionID, m)
		m.sessions[sessionID] = session
	}
	if session.isActiveLocked() {
		m.mu.Unlock()
		return nil, ErrSessionRunning
	}
	if m.running >= m.maxConcurrency {
		m.mu.Unlock()
		return nil, ErrMaxConcurrency
	}
	m.running++
	m.mu.Unlock()

	if err := session.startRun(m.rootCtx, cfg, seedURL, runID); err != nil {
		m.mu.Lock()
		if m.running > 0 {
			m.running--
		}
		m.mu.Unlock()
		return nil, err
	}
	return session, nil
}

// ListSessions captures current summaries for all sessions.
func (m *SessionManager) ListSessions() []SessionSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summaries := make([]SessionSummary, 0, len(m.sessions))
	for _, session := range m.sessions {
		summaries = append(summaries, session.Summary())
	}
	return summaries
}

// GetSession returns the backing session by id.
func (m *SessionManager) GetSession(id string) (*Session, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// StopSession requests cooperative cancellation of the running crawl.
func (m *SessionManager) StopSession(id string) error {
	session, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}
	if !session.Stop("stop requested via API") {
		return ErrSessionNotRunning
	}
	return nil
}

// InferFromURLs runs one inference pass over an explicit URL list,
// fetching each page under the shared politeness and robots
// constraints. Used by the site-profile UI to pre-fill selectors
// without a full crawl.
func (m *SessionManager) InferFromURLs(ctx context.Context, urls []string) (types.InferredPattern, error) {
	if len(urls) == 0 {
		return types.InferredPattern{}, errors.New("urls must not be empty")
	}
	base := m.baseConfig
	maxSample := base.Inference.MaxSample
	if len(urls) > maxSample {
		urls = urls[:maxSample]
	}

	fetch := fetcher.New(fetcher.Options{
		UserAgent:    base.Crawl.UserAgent,
		Headers:      base.Crawl.Headers,
		Timeout:      base.Crawl.RequestTimeout.Duration,
		MaxRedirects: base.Crawl.MaxRedirects,
		MaxBodyBytes: base.Crawl.MaxBodyBytes,
	})

	samples := make([]inferrer.Sample, 0, len(urls))
	for _, raw := range urls {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || parsed.Host == "" {
			continue
		}
		if !m.shared.Robots.Allowed(ctx, parsed) {
			continue
		}
		if err := m.shared.Limiter.Wait(ctx, parsed.Hostname()); err != nil {
			return types.InferredPattern{}, err
		}
		outcome, err := fetch.Fetch(ctx, parsed)
		if err != nil || !outcome.OK() {
			continue
		}
		samples = append(samples, inferrer.Sample{URL: raw, HTML: outcome.Body})
	}

	return inferrer.New(base.Inference, base.Classifier).Infer(samples), nil
}

// Shutdown stops all active sessions.
func (m *SessionManager) Shutdown() {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	for _, session := range snapshot {
		session.Stop("manager shutdown")
	}
}

func (m *SessionManager) buildConfig(req CreateSessionRequest, seedURL string) (config.Config, error) {
	cfg := deepCopyConfig(m.baseConfig)

	cfg.Crawl.SeedURL = seedURL
	if req.PathPrefix != "" {
		cfg.Crawl.PathPrefix = strings.TrimSpace(req.PathPrefix)
	}
	if req.UserAgent != "" {
		cfg.Crawl.UserAgent = strings.TrimSpace(req.UserAgent)
	}
	if cfg.Crawl.Headers == nil {
		cfg.Crawl.Headers = make(map[string]string)
	}
	for k, v := range req.Headers {
		cfg.Crawl.Headers[k] = v
	}
	if req.MaxPages != nil && *req.MaxPages > 0 {
		cfg.Crawl.MaxPages = *req.MaxPages
	}
	if req.MaxDepth != nil && *req.MaxDepth > 0 {
		cfg.Crawl.MaxDepth = *req.MaxDepth
	}
	if req.MaxCandidates != nil && *req.MaxCandidates > 0 {
		cfg.Crawl.MaxCandidates = *req.MaxCandidates
	}
	if req.DelayMillis != nil && *req.DelayMillis >= 0 {
		cfg.Crawl.PerHostDelay = config.DurationFrom(time.Duration(*req.DelayMillis) * time.Millisecond)
	}
	if req.MaxDurationSeconds != nil && *req.MaxDurationSeconds > 0 {
		cfg.Crawl.MaxDuration = config.DurationFrom(time.Duration(*req.MaxDurationSeconds) * time.Second)
	}
	if len(req.AllowedSubdomains) > 0 {
		cfg.Crawl.AllowedSubdomains = append([]string(nil), req.AllowedSubdomains...)
	}
	if req.RespectRobots != nil {
		cfg.Robots.Respect = *req.RespectRobots
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (m *SessionManager) notifyCompletion() {
	m.mu.Lock()
	if m.running > 0 {
		m.running--
	}
	m.mu.Unlock()
}

// Session tracks the lifecycle of one crawl engine instance for a host.
type Session struct {
	id string

	mu        sync.Mutex
	runID     string
	createdAt time.Time
	startedAt *time.Time
	engine    *crawler.Engine
	cancel    context.CancelFunc
	stopping  bool

	subMu       sync.RWMutex
	subscribers map[chan SSEEvent]struct{}

	manager *SessionManager
}

func newSession(id string, manager *SessionManager) *Session {
	return &Session{
		id:          id,
		createdAt:   time.Now(),
		subscribers: make(map[chan SSEEvent]struct{}),
		manager:     manager,
	}
}

func (s *Session) isActiveLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Session) startRun(parentCtx context.Context, cfg config.Config, seedURL, runID string) error {
	logger := s.manager.logger.With("session", s.id, "run", runID)
	engine, err := crawler.NewEngine(cfg, s.manager.shared,
		crawler.WithLogger(logger),
		crawler.WithProgressSink(s),
	)
	if err != nil {
		return err
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}
	runCtx, cancel := context.WithCancel(parentCtx)

	started := time.Now()
	s.mu.Lock()
	s.runID = runID
	s.startedAt = &started
	s.engine = engine
	s.cancel = cancel
	s.stopping = false
	s.mu.Unlock()

	s.broadcast("session_started", nil)
	s.persistSnapshot()

	go func() {
		err := engine.Run(runCtx)
		cancel()
		s.handleCompletion(err)
	}()
	return nil
}

// Report satisfies crawler.ProgressSink.
func (s *Session) Report(evt crawler.ProgressEvent) {
	copyEvt := evt
	s.broadcast("progress", &copyEvt)
	// Snapshot persistence is throttled; the terminal save happens in
	// handleCompletion.
	if evt.PagesVisited%25 == 0 {
		s.persistSnapshot()
	}
}

func (s *Session) handleCompletion(err error) {
	s.mu.Lock()
	s.cancel = nil
	s.stopping = false
	s.mu.Unlock()

	eventType := "session_completed"
	switch {
	case errors.Is(err, context.Canceled):
		eventType = "session_stopped"
	case err != nil:
		eventType = "session_failed"
	}
	s.broadcast(eventType, nil)
	s.persistSnapshot()
	s.manager.notifyCompletion()
}

// Stop requests cooperative cancellation. The engine checks between
// fetches and keeps the partial results it has accumulated.
func (s *Session) Stop(reason string) bool {
	s.mu.Lock()
	if s.cancel == nil || s.stopping {
		s.mu.Unlock()
		return false
	}
	s.stopping = true
	cancel := s.cancel
	s.mu.Unlock()

	s.manager.logger.Info("stopping session", "session", s.id, "reason", reason)
	s.broadcast("session_stopping", nil)
	cancel()
	return true
}

// Summary returns the public state of the session.
func (s *Session) Summary() SessionSummary {
	s.mu.Lock()
	engine := s.engine
	summary := SessionSummary{
		SessionID: s.id,
		RunID:     s.runID,
		CreatedAt: s.createdAt,
		Status:    crawler.StatusPending,
	}
	if s.startedAt != nil {
		started := *s.startedAt
		summary.StartedAt = &started
	}
	s.mu.Unlock()

	if engine != nil {
		snap := engine.Snapshot()
		summary.SeedURL = snap.SeedURL
		summary.Status = snap.Status
		summary.PagesVisited = snap.PagesVisited
		summary.CandidatesFound = snap.CandidatesFound
		summary.LastURL = snap.LastURL
		summary.EndedAt = snap.EndedAt
		summary.Error = snap.Error
	}
	return summary
}

// Detail returns the summary plus the inferred pattern when available.
func (s *Session) Detail() SessionDetail {
	detail := SessionDetail{Session: s.Summary()}
	if engine := s.getEngine(); engine != nil {
		if pattern, ok := engine.Pattern(); ok {
			detail.Pattern = &pattern
		}
	}
	return detail
}

// Candidates returns the candidate URLs accumulated so far.
func (s *Session) Candidates() []string {
	if engine := s.getEngine(); engine != nil {
		return engine.Candidates()
	}
	return nil
}

// Records returns the per-URL audit trail.
func (s *Session) Records() []types.PageRecord {
	if engine := s.getEngine(); engine != nil {
		return engine.Records()
	}
	return nil
}

// InferPattern explicitly requests inference over the accumulated
// sample, for stopped or partial runs.
func (s *Session) InferPattern() (types.InferredPattern, error) {
	engine := s.getEngine()
	if engine == nil {
		return types.InferredPattern{}, errors.New("session has not run yet")
	}
	return engine.InferPattern(), nil
}

func (s *Session) getEngine() *crawler.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Subscribe registers an SSE subscriber for the session.
func (s *Session) Subscribe() (<-chan SSEEvent, func()) {
	ch := make(chan SSEEvent, 16)

	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	initial := SSEEvent{
		Type:      "snapshot",
		Timestamp: time.Now(),
		Session:   s.Summary(),
	}
	select {
	case ch <- initial:
	default:
	}

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) broadcast(eventType string, progress *crawler.ProgressEvent) {
	envelope := SSEEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Session:   s.Summary(),
	}
	if progress != nil {
		copyProgress := *progress
		envelope.Progress = &copyProgress
	}

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- envelope:
		default:
		}
	}
}

func (s *Session) persistSnapshot() {
	store := s.manager.state
	if store == nil {
		return
	}
	summary := s.Summary()
	snap := sessionstate.Snapshot{
		SessionID:       summary.SessionID,
		RunID:           summary.RunID,
		SeedURL:         summary.SeedURL,
		Status:          string(summary.Status),
		PagesVisited:    summary.PagesVisited,
		CandidatesFound: summary.CandidatesFound,
		LastURL:         summary.LastURL,
		UpdatedAt:       time.Now(),
	}
	if summary.StartedAt != nil {
		snap.StartedAt = *summary.StartedAt
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Save(ctx, snap); err != nil {
		s.manager.logger.Warn("persist session snapshot failed", "session", s.id, "error", err)
	}
}

func deepCopyConfig(base config.Config) config.Config {
	cfg := base

	cfg.Crawl.AllowedSubdomains = append([]string(nil), base.Crawl.AllowedSubdomains...)
	cfg.Crawl.TrackingParams = append([]string(nil), base.Crawl.TrackingParams...)
	cfg.Robots.Overrides = append([]string(nil), base.Robots.Overrides...)
	cfg.Classifier.TitleKeywords = append([]string(nil), base.Classifier.TitleKeywords...)
	cfg.Classifier.IngredientKeywords = append([]string(nil), base.Classifier.IngredientKeywords...)
	cfg.Classifier.InstructionKeywords = append([]string(nil), base.Classifier.InstructionKeywords...)
	cfg.Classifier.PathTokens = append([]string(nil), base.Classifier.PathTokens...)

	if base.Crawl.Headers != nil {
		cfg.Crawl.Headers = make(map[string]string, len(base.Crawl.Headers))
		for k, v := range base.Crawl.Headers {
			cfg.Crawl.Headers[k] = v
		}
	}
	return cfg
}

func normalizeSeedURL(seed string) (string, *url.URL, error) {
	if strings.TrimSpace(seed) == "" {
		return "", nil, fmt.Errorf("seed_url is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(seed))
	if err != nil {
		return "", nil, fmt.Errorf("parse seed_url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		return "", nil, fmt.Errorf("seed_url %q missing host", seed)
	}
	return parsed.String(), parsed, nil
}
