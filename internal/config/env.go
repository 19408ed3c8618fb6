package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// FromEnv builds a Config from environment variables, loading a .env file
// first when one is present in the working directory.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()

	instance := os.Getenv("IMPORTQ_INSTANCE")
	if instance == "" {
		instance, _ = os.Hostname()
	}
	if instance == "" {
		instance = "importq"
	}

	var opts []Option

	if v := os.Getenv("DATABASE_URL"); v != "" {
		opts = append(opts, WithPostgresConfig(PostgresConfig{ConnectionUrl: v}))
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		opts = append(opts, WithRabbitMQConfig(RabbitMQConfig{
			URL:        v,
			Exchange:   os.Getenv("RABBITMQ_EXCHANGE"),
			Queue:      os.Getenv("RABBITMQ_QUEUE"),
			RoutingKey: os.Getenv("RABBITMQ_ROUTING_KEY"),
		}))
	}
	if v := os.Getenv("SEARCH_BASE_URL"); v != "" {
		opts = append(opts, WithSearchConfig(SearchConfig{
			BaseURL: v,
			APIKey:  os.Getenv("SEARCH_API_KEY"),
			Timeout: envDuration("SEARCH_TIMEOUT", DefaultSearchTimeout),
		}))
	}
	if n := envInt("WORKER_COUNT", 0); n > 0 {
		opts = append(opts, WithWorkerCount(n))
	}
	if n := envInt("MEMORY_CAPACITY", 0); n > 0 {
		opts = append(opts, WithMemoryCapacity(n))
	}
	if n := envInt("MAX_BATCH_URLS", 0); n > 0 {
		opts = append(opts, WithMaxBatchURLs(n))
	}
	if n := envInt("HTTP_PORT", 0); n > 0 {
		opts = append(opts, WithHTTPPort(uint(n)))
	}
	if d := envDuration("SWEEP_INTERVAL", 0); d > 0 {
		opts = append(opts, WithSweepInterval(d))
	}

	staleAfter := envDuration("STALE_AFTER", DefaultStaleAfter)
	hardTimeout := envDuration("HARD_TIMEOUT", DefaultHardTimeout)
	leaseTTL := envDuration("LEASE_TTL", DefaultLeaseTTL)
	if staleAfter != DefaultStaleAfter || hardTimeout != DefaultHardTimeout || leaseTTL != DefaultLeaseTTL {
		opts = append(opts, WithTimeouts(staleAfter, hardTimeout, leaseTTL))
	}

	return NewConfig(instance, opts...)
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare numbers are read as seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
