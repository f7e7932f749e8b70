package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "DATABASE_URL", "SCRIPTDESK_SAVE_DEBOUNCE_MS", "SCRIPTDESK_UNDO_LIMIT", "MINIO_USE_SSL"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Addr != ":8787" || cfg.DatabaseURL != "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SaveDebounce != 1500*time.Millisecond || cfg.UndoLimit != 100 || cfg.MinioUseSSL {
		t.Fatalf("unexpected engine defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCRIPTDESK_SAVE_DEBOUNCE_MS", "250")
	t.Setenv("SCRIPTDESK_UNDO_LIMIT", "not-a-number")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")

	cfg := Load()
	if cfg.SaveDebounce != 250*time.Millisecond {
		t.Fatalf("expected 250ms debounce, got %s", cfg.SaveDebounce)
	}
	if cfg.UndoLimit != 100 {
		t.Fatalf("invalid ints must fall back, got %d", cfg.UndoLimit)
	}
	if !cfg.MinioUseSSL || cfg.RedisURL != "redis://cache:6379/1" {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}
