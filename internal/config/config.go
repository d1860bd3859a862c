package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	RedisURL    string
	DatabaseURL string
	HTTPAddr    string

	NotifyMode    string
	NotifyBaseURL string
	NotifyWSURL   string
	NotifyToken   string
	MessagesDir   string

	MatchPollInterval   time.Duration
	MatchExpandInterval time.Duration
	MatchExpandStep     int
	MatchCandidateLimit int

	LeaderboardL1TTL      time.Duration
	LeaderboardL2TTL      time.Duration
	LeaderboardL1Capacity int
	CacheRetention        time.Duration

	ReconcileBatchSize int
	CronReconcile      string
	CronIntegrity      string
	CronPrune          string
	CronRedeliver      string
}

// Load reads the environment, after merging an optional .env file in the working directory.
func Load() (*AppConfig, error) {
	// .env 없으면 무시
	_ = godotenv.Load()

	cfg := &AppConfig{
		HTTPAddr:              ":8080",
		NotifyMode:            "log",
		MatchPollInterval:     2 * time.Second,
		MatchExpandInterval:   30 * time.Second,
		MatchExpandStep:       50,
		MatchCandidateLimit:   10,
		LeaderboardL1TTL:      2 * time.Minute,
		LeaderboardL2TTL:      10 * time.Minute,
		LeaderboardL1Capacity: 20,
		CacheRetention:        7 * 24 * time.Hour,
		ReconcileBatchSize:    1000,
		CronReconcile:         "0 0 3 * * *",
		CronIntegrity:         "0 30 4 * * 0",
		CronPrune:             "0 15 * * * *",
		CronRedeliver:         "30 */5 * * * *",
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("NOTIFY_MODE"))); v != "" {
		cfg.NotifyMode = v
	}
	cfg.NotifyBaseURL = strings.TrimSpace(os.Getenv("NOTIFY_BASE_URL"))
	cfg.NotifyWSURL = strings.TrimSpace(os.Getenv("NOTIFY_WS_URL"))
	cfg.NotifyToken = strings.TrimSpace(os.Getenv("NOTIFY_TOKEN"))
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))

	cfg.MatchPollInterval = durationEnv("MATCH_POLL_INTERVAL", cfg.MatchPollInterval)
	cfg.MatchExpandInterval = durationEnv("MATCH_EXPAND_INTERVAL", cfg.MatchExpandInterval)
	cfg.MatchExpandStep = intEnv("MATCH_EXPAND_STEP", cfg.MatchExpandStep)
	cfg.MatchCandidateLimit = intEnv("MATCH_CANDIDATE_LIMIT", cfg.MatchCandidateLimit)

	cfg.LeaderboardL1TTL = durationEnv("LEADERBOARD_L1_TTL", cfg.LeaderboardL1TTL)
	cfg.LeaderboardL2TTL = durationEnv("LEADERBOARD_L2_TTL", cfg.LeaderboardL2TTL)
	cfg.LeaderboardL1Capacity = intEnv("LEADERBOARD_L1_CAPACITY", cfg.LeaderboardL1Capacity)
	cfg.CacheRetention = durationEnv("CACHE_RETENTION", cfg.CacheRetention)

	cfg.ReconcileBatchSize = intEnv("RECONCILE_BATCH_SIZE", cfg.ReconcileBatchSize)
	if v := strings.TrimSpace(os.Getenv("CRON_RECONCILE")); v != "" {
		cfg.CronReconcile = v
	}
	if v := strings.TrimSpace(os.Getenv("CRON_INTEGRITY")); v != "" {
		cfg.CronIntegrity = v
	}
	if v := strings.TrimSpace(os.Getenv("CRON_PRUNE")); v != "" {
		cfg.CronPrune = v
	}
	if v := strings.TrimSpace(os.Getenv("CRON_REDELIVER")); v != "" {
		cfg.CronRedeliver = v
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	switch cfg.NotifyMode {
	case "http":
		if cfg.NotifyBaseURL == "" {
			return nil, errors.New("NOTIFY_BASE_URL is required for NOTIFY_MODE=http")
		}
	case "ws":
		if cfg.NotifyWSURL == "" {
			return nil, errors.New("NOTIFY_WS_URL is required for NOTIFY_MODE=ws")
		}
	case "auto":
		if cfg.NotifyBaseURL == "" || cfg.NotifyWSURL == "" {
			return nil, errors.New("NOTIFY_BASE_URL and NOTIFY_WS_URL are required for NOTIFY_MODE=auto")
		}
	case "log":
	default:
		return nil, errors.New("NOTIFY_MODE must be one of http, ws, auto, log")
	}
	return cfg, nil
}

// intEnv accepts only positive integers; anything else keeps def.
func intEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// durationEnv accepts Go durations ("90s") or bare seconds ("90").
func durationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
