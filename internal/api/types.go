package api

import (
	"time"

	"github.com/anthonyhales/mealie-recipe-crawler/internal/crawler"
	"github.com/anthonyhales/mealie-recipe-crawler/pkg/types"
)

// CreateSessionRequest is the payload used to launch a crawl session.
// Everything except seed_url is optional and falls back to the service
// base configuration.
type CreateSessionRequest struct {
	SeedURL            string            `json:"seed_url"`
	PathPrefix         string            `json:"path_prefix,omitempty"`
	UserAgent          string            `json:"user_agent,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	MaxPages           *int              `json:"max_pages,omitempty"`
	MaxDepth           *int              `json:"max_depth,omitempty"`
	MaxCandidates      *int              `json:"max_candidates,omitempty"`
	DelayMillis        *int              `json:"delay_ms,omitempty"`
	MaxDurationSeconds *int              `json:"max_duration_seconds,omitempty"`
	AllowedSubdomains  []string          `json:"allowed_subdomains,omitempty"`
	RespectRobots      *bool             `json:"respect_robots,omitempty"`
}

// InferRequest asks for pattern inference over an explicit URL list
// instead of a session's accumulated candidates.
type InferRequest struct {
	URLs []string `json:"urls"`
}

// SessionSummary surfaces the high-level state for a crawl session.
type SessionSummary struct {
	SessionID       string         `json:"session_id"`
	RunID           string         `json:"run_id"`
	SeedURL         string         `json:"seed_url"`
	Status          crawler.Status `json:"status"`
	PagesVisited    int            `json:"pages_visited"`
	CandidatesFound int            `json:"candidates_found"`
	LastURL         string         `json:"last_url,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// SessionDetail extends the summary with the inferred pattern when one
// exists.
type SessionDetail struct {
	Session SessionSummary         `json:"session"`
	Pattern *types.InferredPattern `json:"pattern,omitempty"`
}

// CandidatesResponse lists the candidate recipe URLs found so far, in
// discovery order. Consumed by the dashboard's export and upload flows.
type CandidatesResponse struct {
	SessionID  string   `json:"session_id"`
	Count      int      `json:"count"`
	Candidates []string `json:"candidates"`
}

// PagesResponse is the per-URL audit trail, including skipped and
// failed URLs.
type PagesResponse struct {
	SessionID string             `json:"session_id"`
	Count     int                `json:"count"`
	Pages     []types.PageRecord `json:"pages"`
}

// SSEEvent envelopes session state for Server-Sent Event clients.
type SSEEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Session   SessionSummary         `json:"session"`
	Progress  *crawler.ProgressEvent `json:"progress,omitempty"`
}
