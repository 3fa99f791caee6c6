// Package config loads process configuration from the environment, with an
// optional YAML file for participant seeding.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	strutil "idhub/pkg/platform/strings"
)

// Config is the full process configuration.
type Config struct {
	Server     Server
	Log        Log
	Postgres   PostgresConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Components Components
	HTTPClient HTTPClient
	Timeouts   Timeouts
	Seed       Seed
	Reconcile  Reconcile
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr string
	// PublicHost is the did:web host documents are published under,
	// e.g. "identity.example.com" or "localhost:8080".
	PublicHost string
}

type Log struct {
	Level  string
	Format string
}

type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

// Components names the implementations selected from the registry.
type Components struct {
	Publisher  string
	Resolver   string
	StatusList string
	AuditSink  string
	Store      string
	// Vault defaults to Store so key material is as durable as the rows
	// that reference it.
	Vault string
}

// HTTPClient configures outbound HTTP, used by did:web resolution.
type HTTPClient struct {
	// InsecureTLS skips certificate verification. Development hosts only.
	InsecureTLS bool
}

type Timeouts struct {
	Publish time.Duration
	Resolve time.Duration
	Lock    time.Duration
}

// Seed configures the administrative participant and the optional list of
// initial participants.
type Seed struct {
	Enabled        bool
	SuperUserID    string
	APIKeyOverride string
	Algorithm      string
	File           string
	Retries        int
	RetryDelay     time.Duration
}

type Reconcile struct {
	Interval time.Duration
}

// FromEnv builds the configuration from IDHUB_* environment variables.
func FromEnv() (Config, error) {
	var errs []string
	dur := func(key string, def time.Duration) time.Duration {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return d
	}
	num := func(key string, def int) int {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return n
	}

	cfg := Config{
		Server: Server{
			Addr:       env("IDHUB_ADDR", ":8080"),
			PublicHost: env("IDHUB_PUBLIC_HOST", "localhost:8080"),
		},
		Log: Log{
			Level:  env("IDHUB_LOG_LEVEL", "info"),
			Format: env("IDHUB_LOG_FORMAT", "json"),
		},
		Postgres: PostgresConfig{
			URL:             os.Getenv("IDHUB_DATABASE_URL"),
			MaxOpenConns:    num("IDHUB_DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    num("IDHUB_DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: dur("IDHUB_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("IDHUB_REDIS_URL"),
			PoolSize:     num("IDHUB_REDIS_POOL_SIZE", 10),
			MinIdleConns: num("IDHUB_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  dur("IDHUB_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  dur("IDHUB_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: dur("IDHUB_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:    strutil.SplitList(os.Getenv("IDHUB_KAFKA_BROKERS")),
			AuditTopic: env("IDHUB_KAFKA_AUDIT_TOPIC", "idhub.audit"),
		},
		Components: Components{
			Publisher:  env("IDHUB_DID_PUBLISHER", "webhost"),
			Resolver:   env("IDHUB_DID_RESOLVER", "web"),
			StatusList: env("IDHUB_STATUS_LIST", "memory"),
			AuditSink:  env("IDHUB_AUDIT_SINK", "memory"),
			Store:      env("IDHUB_STORE", "memory"),
		},
		HTTPClient: HTTPClient{
			InsecureTLS: env("IDHUB_HTTP_CLIENT_INSECURE_TLS", "false") == "true",
		},
		Timeouts: Timeouts{
			Publish: dur("IDHUB_PUBLISH_TIMEOUT", 10*time.Second),
			Resolve: dur("IDHUB_RESOLVE_TIMEOUT", 5*time.Second),
			Lock:    dur("IDHUB_LOCK_TIMEOUT", 15*time.Second),
		},
		Seed: Seed{
			Enabled:        env("IDHUB_SEED_ENABLED", "true") == "true",
			SuperUserID:    env("IDHUB_SUPERUSER_ID", "super-user"),
			APIKeyOverride: os.Getenv("IDHUB_SUPERUSER_APIKEY"),
			Algorithm:      env("IDHUB_SEED_KEY_ALGORITHM", "EdDSA"),
			File:           os.Getenv("IDHUB_SEED_FILE"),
			Retries:        num("IDHUB_SEED_RETRIES", 5),
			RetryDelay:     dur("IDHUB_SEED_RETRY_DELAY", 2*time.Second),
		},
		Reconcile: Reconcile{
			Interval: dur("IDHUB_RECONCILE_INTERVAL", 30*time.Second),
		},
	}
	cfg.Components.Vault = env("IDHUB_VAULT", cfg.Components.Store)
	if cfg.Components.Vault == "memory" && cfg.Components.Store != "memory" {
		errs = append(errs, fmt.Sprintf("IDHUB_VAULT: memory vault cannot back IDHUB_STORE=%s, keys and api key hashes would be lost on restart",
			cfg.Components.Store))
	}
	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
