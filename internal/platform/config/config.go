package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full engine configuration, built from environment variables
// so main stays lean.
type Config struct {
	Ops      Ops
	Engine   Engine
	Horizon  Horizon
	Postgres Postgres
	Redis    Redis
	Kafka    Kafka
}

// Ops configures the observability HTTP listener (healthz + metrics only).
type Ops struct {
	Addr string
}

// Engine holds the engine's own knobs.
type Engine struct {
	// MinBaseFee is the static floor used when the ledger's fee statistics
	// are unavailable, in the ledger's smallest fee unit.
	MinBaseFee int64
	// SubmitTimeout bounds one whole ledger submission from the caller's
	// side, independent of the gateway's internal retry budget.
	SubmitTimeout time.Duration
	// WalletSealKey is the hex-encoded 32-byte key sealing signing secrets
	// at rest.
	WalletSealKey string
	// RecurringInterval is how often the scheduler scans for due
	// subscriptions.
	RecurringInterval time.Duration
	// RecurringParallelism bounds concurrent per-donor recurring runs.
	RecurringParallelism int
}

// Horizon configures the ledger REST endpoint.
type Horizon struct {
	URL     string
	Timeout time.Duration
}

// Postgres configures the durable stores. Empty DSN selects the in-memory
// stores (dev mode).
type Postgres struct {
	DSN string
}

// Redis configures the lease/cache client. Empty URL disables Redis.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the notification sink. Empty brokers select the log sink.
type Kafka struct {
	Brokers []string
	Topic   string
}

// FromEnv builds the engine config from environment variables with dev
// defaults.
func FromEnv() Config {
	return Config{
		Ops: Ops{
			Addr: envStr("PLEDGER_OPS_ADDR", ":8081"),
		},
		Engine: Engine{
			MinBaseFee:           envInt64("PLEDGER_MIN_BASE_FEE", 100),
			SubmitTimeout:        envDuration("PLEDGER_SUBMIT_TIMEOUT", 30*time.Second),
			WalletSealKey:        os.Getenv("PLEDGER_WALLET_SEAL_KEY"),
			RecurringInterval:    envDuration("PLEDGER_RECURRING_INTERVAL", time.Hour),
			RecurringParallelism: int(envInt64("PLEDGER_RECURRING_PARALLELISM", 4)),
		},
		Horizon: Horizon{
			URL:     envStr("PLEDGER_HORIZON_URL", "http://localhost:8000"),
			Timeout: envDuration("PLEDGER_HORIZON_TIMEOUT", 10*time.Second),
		},
		Postgres: Postgres{
			DSN: os.Getenv("PLEDGER_POSTGRES_DSN"),
		},
		Redis: Redis{
			URL:          os.Getenv("PLEDGER_REDIS_URL"),
			PoolSize:     int(envInt64("PLEDGER_REDIS_POOL_SIZE", 10)),
			MinIdleConns: int(envInt64("PLEDGER_REDIS_MIN_IDLE", 2)),
			DialTimeout:  envDuration("PLEDGER_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("PLEDGER_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("PLEDGER_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers: envList("PLEDGER_KAFKA_BROKERS"),
			Topic:   envStr("PLEDGER_KAFKA_TOPIC", "pledger.notifications"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
