package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read from the environment. Empty connection settings disable the
// matching backend: no DATABASE_URL runs on the in-memory store, no REDIS_URL skips
// draft mirroring, no MEILI_URL falls back to Postgres or in-memory search, no
// MINIO_ENDPOINT disables export archives.
type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	RedisURL      string

	MeiliURL       string
	MeiliMasterKey string

	ReposDir     string
	SaveDebounce time.Duration
	UndoLimit    int
	LogMode      string
	CORSOrigin   string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

func Load() Config {
	return Config{
		Addr:           getenv("API_ADDR", ":8787"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		MigrationsDir:  getenv("SCRIPTDESK_MIGRATIONS_DIR", ""),
		RedisURL:       getenv("REDIS_URL", ""),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		ReposDir:       getenv("SCRIPTDESK_REPOS_DIR", "./data/snapshots"),
		SaveDebounce:   time.Duration(getenvInt("SCRIPTDESK_SAVE_DEBOUNCE_MS", 1500)) * time.Millisecond,
		UndoLimit:      getenvInt("SCRIPTDESK_UNDO_LIMIT", 100),
		LogMode:        getenv("SCRIPTDESK_LOG_MODE", "dev"),
		CORSOrigin:     getenv("SCRIPTDESK_CORS_ORIGIN", "*"),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "scriptdesk-exports"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
