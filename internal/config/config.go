package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	MigrateOnStart    bool

	Redis   RedisConfig
	GCP     GCPConfig
	Storage StorageConfig
	Notify  NotifyConfig
	Bank    BankConfig
	Limits  RateLimitConfig

	ChartPath        string
	PipelineWorkers  int
	SchedulerEnabled bool
	SchedulerTick    time.Duration
	SchedulerJobs    []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type GCPConfig struct {
	ProjectID      string
	VertexLocation string
	VertexModel    string
}

// StorageConfig selects where submitted document blobs are kept. An empty
// bucket keeps blobs in process memory.
type StorageConfig struct {
	Bucket string
	Prefix string
}

// NotifyConfig selects the outbound notification channel. An empty topic
// keeps notifications on the in-process bus.
type NotifyConfig struct {
	PubSubTopic string
	Source      string
}

type BankConfig struct {
	AggregatorBaseURL string
	AggregatorAPIKey  string
	SandboxFixture    string
	SyncOverlapDays   int
	SyncLockTTL       time.Duration
}

// RateLimitConfig throttles document submissions per tenant. Limits apply
// only when Redis is configured and SubmitRate is positive.
type RateLimitConfig struct {
	SubmitRate  float64
	SubmitBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "autocompta"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 1800)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 300)),
		MigrateOnStart:    getenvBool("DATABASE_MIGRATE", true),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		GCP: GCPConfig{
			ProjectID:      strings.TrimSpace(getenv("GCP_PROJECT_ID", "")),
			VertexLocation: getenv("VERTEX_LOCATION", "europe-west1"),
			VertexModel:    getenv("VERTEX_MODEL", "gemini-1.5-flash-002"),
		},
		Storage: StorageConfig{
			Bucket: strings.TrimSpace(getenv("STORAGE_BUCKET", "")),
			Prefix: strings.Trim(getenv("STORAGE_PREFIX", "documents"), "/"),
		},
		Notify: NotifyConfig{
			PubSubTopic: strings.TrimSpace(getenv("PUBSUB_TOPIC", "")),
			Source:      getenv("NOTIFY_SOURCE", "autocompta"),
		},
		Bank: BankConfig{
			AggregatorBaseURL: strings.TrimSpace(getenv("BANK_AGGREGATOR_URL", "")),
			AggregatorAPIKey:  strings.TrimSpace(getenv("BANK_AGGREGATOR_API_KEY", "")),
			SandboxFixture:    strings.TrimSpace(getenv("BANK_SANDBOX_FIXTURE", "")),
			SyncOverlapDays:   int(getenvInt64("BANK_SYNC_OVERLAP_DAYS", 3)),
			SyncLockTTL:       getenvDuration("BANK_SYNC_LOCK_TTL", 5*time.Minute),
		},
		Limits: RateLimitConfig{
			SubmitRate:  getenvFloat("RATE_LIMIT_SUBMIT_RATE", 5),
			SubmitBurst: int(getenvInt64("RATE_LIMIT_SUBMIT_BURST", 20)),
		},

		ChartPath:        strings.TrimSpace(getenv("CHART_PATH", "")),
		PipelineWorkers:  int(getenvInt64("PIPELINE_WORKERS", 4)),
		SchedulerEnabled: getenvBool("SCHEDULER_ENABLED", true),
		SchedulerTick:    getenvDuration("SCHEDULER_TICK", 15*time.Minute),
		SchedulerJobs:    getenvList("SCHEDULER_JOBS"),
	}

	return cfg
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
