package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/smallbiznis/creditmeter/pkg/db"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DB        db.Config
	Mongo     MongoConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Metering  MeteringConfig
	Scheduler SchedulerConfig
}

type MongoConfig struct {
	URI      string
	Database string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled    bool
	DebitRate  float64
	DebitBurst int
}

type MeteringConfig struct {
	MaxRetries           int
	RetryBackoff         time.Duration
	UnknownFeaturePolicy string
	RequiredFeatures     []string
	CatalogPath          string
	DefaultPlan          string
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	LockTTL     time.Duration
	EnabledJobs []string
}

const (
	UnknownFeatureReject = "reject"
	UnknownFeatureFree   = "free"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "creditmeter"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		DB: db.Config{
			Type:            strings.ToLower(getenv("DATABASE_TYPE", db.TypePostgres)),
			Host:            getenv("DATABASE_HOST", "localhost"),
			Port:            getenv("DATABASE_PORT", "5432"),
			Name:            getenv("DATABASE_NAME", "creditmeter"),
			User:            getenv("DATABASE_USER", "postgres"),
			Password:        getenv("DATABASE_PASSWORD", ""),
			SSLMode:         getenv("DATABASE_SSLMODE", "disable"),
			Path:            getenv("DATABASE_PATH", "creditmeter.db"),
			MaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
			MaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
			ConnMaxLifetime: getenvDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getenvDuration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
			TracingEnabled:  getenvBool("DATABASE_TRACING_ENABLED", true),
			MetricsEnabled:  getenvBool("DATABASE_METRICS_ENABLED", false),
		},
		Mongo: MongoConfig{
			URI:      strings.TrimSpace(getenv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0")),
			Database: getenv("MONGO_DATABASE", "creditmeter"),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			Enabled:    getenvBool("RATE_LIMIT_ENABLED", false),
			DebitRate:  getenvFloat("RATE_LIMIT_DEBIT_RATE", 5),
			DebitBurst: int(getenvInt64("RATE_LIMIT_DEBIT_BURST", 20)),
		},
		Metering: MeteringConfig{
			MaxRetries:           int(getenvInt64("METERING_MAX_RETRIES", 3)),
			RetryBackoff:         getenvDuration("METERING_RETRY_BACKOFF", time.Second),
			UnknownFeaturePolicy: normalizeUnknownFeaturePolicy(getenv("METERING_UNKNOWN_FEATURE_POLICY", UnknownFeatureReject)),
			RequiredFeatures:     parseList(getenv("METERING_REQUIRED_FEATURES", "")),
			CatalogPath:          strings.TrimSpace(getenv("METERING_CATALOG_PATH", "")),
			DefaultPlan:          strings.ToLower(getenv("METERING_DEFAULT_PLAN", "free")),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:   int(getenvInt64("SCHEDULER_BATCH_SIZE", 100)),
			LockTTL:     getenvDuration("SCHEDULER_LOCK_TTL", 5*time.Minute),
			EnabledJobs: parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func normalizeUnknownFeaturePolicy(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case UnknownFeatureFree:
		return UnknownFeatureFree
	default:
		return UnknownFeatureReject
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
