package config

import (
	"testing"
	"time"
)

func TestLoadRequiresRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("NOTIFY_MODE", "")
	t.Setenv("MATCH_POLL_INTERVAL", "500ms")
	t.Setenv("MATCH_EXPAND_STEP", "75")
	t.Setenv("CACHE_RETENTION", "3600")
	t.Setenv("RECONCILE_BATCH_SIZE", "-4")

	cfg, err := Load()
	if err != nil { t.Fatalf("Load: %v", err) }
	if cfg.MatchPollInterval != 500*time.Millisecond { t.Fatalf("poll interval = %v", cfg.MatchPollInterval) }
	if cfg.MatchExpandStep != 75 { t.Fatalf("expand step = %d", cfg.MatchExpandStep) }
	if cfg.CacheRetention != time.Hour { t.Fatalf("retention = %v", cfg.CacheRetention) }
	if cfg.ReconcileBatchSize != 1000 { t.Fatalf("negative batch size should keep default, got %d", cfg.ReconcileBatchSize) }
	if cfg.LeaderboardL1Capacity != 20 || cfg.MatchExpandInterval != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.NotifyMode != "log" { t.Fatalf("notify mode = %q", cfg.NotifyMode) }
	if cfg.CronRedeliver != "30 */5 * * * *" { t.Fatalf("redeliver spec = %q", cfg.CronRedeliver) }
}

func TestLoadNotifyModeValidation(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("NOTIFY_MODE", "ws")
	t.Setenv("NOTIFY_WS_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for ws mode without NOTIFY_WS_URL")
	}
	t.Setenv("NOTIFY_MODE", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown notify mode")
	}
}
