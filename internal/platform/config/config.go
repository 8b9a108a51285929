package config

import (
	"os"
	"strconv"
	"time"
)

// Server captures process level configuration for the federation gateway.
type Server struct {
	Addr string

	// Domain is the local domain this server federates as, e.g. "social.example".
	Domain string

	// PostgresURL enables the postgres-backed stores when set; empty falls
	// back to in-memory stores.
	PostgresURL string

	Redis RedisConfig

	// FetchTimeout bounds each remote fetch attempt, not a whole resolution.
	FetchTimeout time.Duration

	// ResolutionRetryAfter is how long a failed resolution stays cached
	// before another fetch may be attempted.
	ResolutionRetryAfter time.Duration

	// DeliveryMaxAttempts bounds retries for transient delivery failures.
	DeliveryMaxAttempts int

	// DeliveryBackoffBase is the first retry delay; it doubles per attempt.
	DeliveryBackoffBase time.Duration

	// CollectionPageLimit bounds CollectionPage traversal depth. Remote
	// servers are not trusted to terminate next chains.
	CollectionPageLimit int

	SoftwareName    string
	SoftwareVersion string
}

// RedisConfig mirrors the subset of go-redis options we tune.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:                 envOr("FEDGATE_ADDR", ":8080"),
		Domain:               envOr("FEDGATE_DOMAIN", "localhost"),
		PostgresURL:          os.Getenv("FEDGATE_POSTGRES_URL"),
		Redis:                redisFromEnv(),
		FetchTimeout:         envDuration("FEDGATE_FETCH_TIMEOUT", 10*time.Second),
		ResolutionRetryAfter: envDuration("FEDGATE_RESOLUTION_RETRY_AFTER", 15*time.Minute),
		DeliveryMaxAttempts:  envInt("FEDGATE_DELIVERY_MAX_ATTEMPTS", 4),
		DeliveryBackoffBase:  envDuration("FEDGATE_DELIVERY_BACKOFF_BASE", 2*time.Second),
		CollectionPageLimit:  envInt("FEDGATE_COLLECTION_PAGE_LIMIT", 10),
		SoftwareName:         "fedgate",
		SoftwareVersion:      envOr("FEDGATE_VERSION", "0.1.0"),
	}
}

func redisFromEnv() RedisConfig {
	return RedisConfig{
		URL:          os.Getenv("FEDGATE_REDIS_URL"),
		PoolSize:     envInt("FEDGATE_REDIS_POOL_SIZE", 10),
		MinIdleConns: envInt("FEDGATE_REDIS_MIN_IDLE", 2),
		DialTimeout:  envDuration("FEDGATE_REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  envDuration("FEDGATE_REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: envDuration("FEDGATE_REDIS_WRITE_TIMEOUT", 3*time.Second),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
