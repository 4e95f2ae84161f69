package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/projectpulse/projectpulse/pkg/log"
)

// Config holds all application configuration.
// Values come from environment variables with sensible defaults.
//
// Environment Variables:
// Server:
// - HTTP_ADDR: listen address for the HTTP API (default: :8080)
// - LOG_LEVEL: debug|info|warn|error (default: info)
//
// Scheduler:
// - WORKER_COUNT: size of the job worker pool (default: 3)
// - JOB_RETENTION: how long terminal job snapshots are kept (default: 24h)
// - MAX_TRACKED_JOBS: upper bound on retained snapshots (default: 1000)
// - SYNC_CRON: optional cron expression for periodic syncs (empty = disabled)
// - SYNC_SOURCES: comma-separated sources for the periodic sync
//
// GitHost API:
// - GITHOST_API_URL: base URL of the repository-hosting API (required for syncs)
// - GITHOST_TOKEN: bearer token (optional)
// - GITHOST_PER_PAGE: page size requested from the API (default: 100)
// - GITHOST_MAX_RATE_WAIT: ceiling on waiting for quota reset (default: 1h)
// - GITHOST_REQUESTS_PER_SEC: client-side request pacing (default: 5)
//
// Bulk import:
// - BULK_BATCH_SIZE: rows per write batch (default: 50)
// - BULK_PREVIEW_ROWS: rows returned by preview mode (default: 10)
//
// Storage:
// - DB_PATH: sqlite database path (default: ./data/projectpulse.db)
// - UPLOAD_DIR: staging directory for bulk uploads (default: ./data/uploads)
type Config struct {
	Server    ServerConfig    `json:"server"`
	Scheduler SchedulerConfig `json:"scheduler"`
	GitHost   GitHostConfig   `json:"githost"`
	Bulk      BulkConfig      `json:"bulk"`
	Score     ScoreConfig     `json:"score"`
	Storage   StorageConfig   `json:"storage"`
}

type ServerConfig struct {
	HTTPAddr string `json:"http_addr"`
	LogLevel string `json:"log_level"`
}

type SchedulerConfig struct {
	WorkerCount    int           `json:"worker_count"`
	JobRetention   time.Duration `json:"job_retention"`
	MaxTrackedJobs int           `json:"max_tracked_jobs"`
	SyncCron       string        `json:"sync_cron"`
	SyncSources    string        `json:"sync_sources"`
}

// GitHostConfig holds the configuration for the external repository API
// client. One client instance is constructed per source so quota state is
// never shared across sources.
type GitHostConfig struct {
	APIURL         string        `json:"api_url"`
	Token          string        `json:"token"`
	PerPage        int           `json:"per_page"`
	MaxRateWait    time.Duration `json:"max_rate_wait"`
	RequestsPerSec float64       `json:"requests_per_sec"`
}

type BulkConfig struct {
	BatchSize   int `json:"batch_size"`
	PreviewRows int `json:"preview_rows"`
}

// ScoreConfig carries the health-score weights and classification
// thresholds used by the normalizer. The weights are tunable; the only
// invariant the rest of the system relies on is that more activity,
// popularity, and maintenance raise the score and archival lowers it.
type ScoreConfig struct {
	ActivityWeight   float64 `json:"activity_weight"`
	PopularityWeight float64 `json:"popularity_weight"`
	ForksWeight      float64 `json:"forks_weight"`
	DescriptionBonus float64 `json:"description_bonus"`
	HomepageBonus    float64 `json:"homepage_bonus"`
	IssuePenaltyMax  float64 `json:"issue_penalty_max"`
	ArchivedPenalty  float64 `json:"archived_penalty"`
	ActiveWindowDays int     `json:"active_window_days"`
	LargeSizeKB      int     `json:"large_size_kb"`
	MaxTechStackTags int     `json:"max_tech_stack_tags"`
}

type StorageConfig struct {
	DBPath    string `json:"db_path"`
	UploadDir string `json:"upload_dir"`
}

// Option mutates a Config before validation, used by tests.
type Option func(*Config)

// NewFromEnv builds a Config from environment variables and options.
func NewFromEnv(opts ...Option) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr: getEnvString("HTTP_ADDR", ":8080"),
			LogLevel: getEnvString("LOG_LEVEL", "info"),
		},
		Scheduler: SchedulerConfig{
			WorkerCount:    getEnvInt("WORKER_COUNT", 3),
			JobRetention:   getEnvDuration("JOB_RETENTION", 24*time.Hour),
			MaxTrackedJobs: getEnvInt("MAX_TRACKED_JOBS", 1000),
			SyncCron:       getEnvString("SYNC_CRON", ""),
			SyncSources:    getEnvString("SYNC_SOURCES", ""),
		},
		GitHost: GitHostConfig{
			APIURL:         getEnvString("GITHOST_API_URL", ""),
			Token:          getEnvString("GITHOST_TOKEN", ""),
			PerPage:        getEnvInt("GITHOST_PER_PAGE", 100),
			MaxRateWait:    getEnvDuration("GITHOST_MAX_RATE_WAIT", time.Hour),
			RequestsPerSec: getEnvFloat("GITHOST_REQUESTS_PER_SEC", 5),
		},
		Bulk: BulkConfig{
			BatchSize:   getEnvInt("BULK_BATCH_SIZE", 50),
			PreviewRows: getEnvInt("BULK_PREVIEW_ROWS", 10),
		},
		Score: DefaultScoreConfig(),
		Storage: StorageConfig{
			DBPath:    getEnvString("DB_PATH", "./data/projectpulse.db"),
			UploadDir: getEnvString("UPLOAD_DIR", "./data/uploads"),
		},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: %+v", cfg)
	return cfg, nil
}

// DefaultScoreConfig returns the default normalizer weights.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		ActivityWeight:   35,
		PopularityWeight: 30,
		ForksWeight:      15,
		DescriptionBonus: 10,
		HomepageBonus:    10,
		IssuePenaltyMax:  15,
		ArchivedPenalty:  30,
		ActiveWindowDays: 90,
		LargeSizeKB:      100_000,
		MaxTechStackTags: 10,
	}
}

func (c *Config) validate() error {
	if c.Scheduler.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.Scheduler.WorkerCount)
	}
	if c.Bulk.BatchSize <= 0 {
		return fmt.Errorf("BULK_BATCH_SIZE must be positive, got %d", c.Bulk.BatchSize)
	}
	if c.Scheduler.SyncCron != "" && c.GitHost.APIURL == "" {
		return fmt.Errorf("SYNC_CRON is set but GITHOST_API_URL is empty")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
