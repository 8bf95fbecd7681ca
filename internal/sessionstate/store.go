package sessionstate

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anthonyhales/mealie-recipe-crawler/internal/config"
)

// Snapshot is the persisted progress record for one crawl session. The
// dashboard reads these to survive process restarts; candidate URLs
// themselves are never persisted here.
type Snapshot struct {
	SessionID       string    `json:"session_id"`
	RunID           string    `json:"run_id"`
	SeedURL         string    `json:"seed_url"`
	Status          string    `json:"status"`
	PagesVisited    int       `json:"pages_visited"`
	CandidatesFound int       `json:"candidates_found"`
	LastURL         string    `json:"last_url"`
	Message         string    `json:"message"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store persists progress snapshots keyed by session id.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Remove(ctx context.Context, sessionID string) error
	Get(ctx context.Context, sessionID string) (Snapshot, bool, error)
	List(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// NewFromConfig builds a store from configuration, falling back to
// environment variables, and finally to nil when neither names a host.
func NewFromConfig(cfg config.SessionStateConfig) (Store, error) {
	if strings.TrimSpace(cfg.Host) != "" {
		return NewRedisStore(RedisConfig{
			Host:    cfg.Host,
			Port:    cfg.Port,
			DB:      cfg.DB,
			Key:     cfg.Key,
			Timeout: cfg.Timeout.Duration,
		})
	}
	return NewRedisStoreFromEnv()
}

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Host     string
	Port     string
	DB       int
	Password string
	Key      string
	Timeout  time.Duration
}

// NewRedisStoreFromEnv initialises a Redis store using standard env
// vars. A missing REDIS_HOST yields (nil, nil): snapshots disabled.
func NewRedisStoreFromEnv() (Store, error) {
	host := strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if host == "" {
		return nil, nil
	}
	port := strings.TrimSpace(os.Getenv("REDIS_PORT"))
	if port == "" {
		port = "6379"
	}
	db := 0
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		db = value
	}
	return NewRedisStore(RedisConfig{
		Host:     host,
		Port:     port,
		DB:       db,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
}
