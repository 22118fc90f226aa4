package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr      string
	JWTSecret string
	TokenTTL  time.Duration
	// Redis fan-out - empty disables the bridge; single-instance relays
	// do not need it
	RedisURL string

	// Client-side tuning
	BackoffBase time.Duration
	BackoffMax  time.Duration
	SyncTimeout time.Duration
}

func Load() Config {
	return Config{
		Addr:        getenv("LOOM_RELAY_ADDR", ":8799"),
		JWTSecret:   getenv("LOOM_JWT_SECRET", "loom-dev-secret"),
		TokenTTL:    time.Duration(getenvInt("LOOM_TOKEN_TTL_SECONDS", 3600)) * time.Second,
		RedisURL:    getenv("REDIS_URL", ""),
		BackoffBase: time.Duration(getenvInt("LOOM_BACKOFF_BASE_MS", 1000)) * time.Millisecond,
		BackoffMax:  time.Duration(getenvInt("LOOM_BACKOFF_MAX_MS", 30000)) * time.Millisecond,
		SyncTimeout: time.Duration(getenvInt("LOOM_SYNC_TIMEOUT_SECONDS", 30)) * time.Second,
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
