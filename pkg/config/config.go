package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Storage
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig

	// Pipeline
	Feed      FeedConfig
	Forecast  ForecastConfig
	Scheduler SchedulerConfig

	// Logging
	LogLevel  string
	LogFormat string
	LogDir    string

	// Monitoring
	MetricsEnabled bool
	MetricsPath    string
}

// StoreConfig selects the durable store backend
type StoreConfig struct {
	Driver            string // postgres, sqlite, memory
	SQLitePath        string
	SchemaMappingFile string
	Timeout           time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
	CacheTTL time.Duration
	LockTTL  time.Duration

	// Connection
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int // 0 = go-redis default
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// KafkaConfig holds run-event publisher configuration
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Compression string
}

// Enabled reports whether run events should be published
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// FeedConfig holds upstream price feed configuration
type FeedConfig struct {
	Type      string // http, yahoo, none
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	Workers   int     // concurrent instrument fetches
	Symbols   map[string]string
}

// Symbol returns the upstream symbol for an instrument
func (f FeedConfig) Symbol(instrumentID string) string {
	if s, ok := f.Symbols[instrumentID]; ok {
		return s
	}
	return instrumentID
}

// Instrument is a forecast target with an optional spread companion
type Instrument struct {
	ID        string
	Companion string
}

// ForecastConfig holds forecast pipeline configuration
type ForecastConfig struct {
	Instruments      []Instrument
	Horizon          int
	WindowDays       int
	LookbackDays     int
	ModelDir         string
	ModelReload      bool
	ModelTimeout     time.Duration
	ModelWorkers     int
	MAPEAlertPercent float64
}

// SchedulerConfig holds cron expressions for the daily jobs
type SchedulerConfig struct {
	CollectSchedule   string
	IssueSchedule     string
	ReconcileSchedule string
	EvaluateSchedule  string

	// ModelReloadSchedule rescans MODEL_DIR; empty disables
	ModelReloadSchedule string
	MaxRetries          int
	RetryDelay          time.Duration
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	// Try multiple paths for .env file
	loadEnvFile()

	instruments, err := parseInstruments(getEnv("FORECAST_INSTRUMENTS", "LME-CU-3M@LME-CU-1M"))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg := &Config{
		// Server
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		Store: StoreConfig{
			Driver:            getEnv("STORE_DRIVER", "postgres"),
			SQLitePath:        getEnv("SQLITE_PATH", "copperwatch.db"),
			SchemaMappingFile: getEnv("SCHEMA_MAPPING_FILE", ""),
			Timeout:           getEnvAsDuration("STORE_TIMEOUT", "30s"),
		},

		// Database
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		// Redis
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			CacheTTL: getEnvAsDuration("REDIS_CACHE_TTL", "5m"),
			LockTTL:  getEnvAsDuration("REDIS_LOCK_TTL", "10m"),

			DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", "5s"),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", "3s"),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", "3s"),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 0),
		},

		Kafka: KafkaConfig{
			Brokers:     getEnvAsList("KAFKA_BROKERS"),
			Topic:       getEnv("KAFKA_TOPIC", "copperwatch.runs"),
			Compression: getEnv("KAFKA_COMPRESSION", "gzip"),
		},

		Feed: FeedConfig{
			Type:      getEnv("FEED_TYPE", "yahoo"),
			BaseURL:   getEnv("FEED_BASE_URL", ""),
			APIKey:    getEnv("FEED_API_KEY", ""),
			Timeout:   getEnvAsDuration("FEED_TIMEOUT", "15s"),
			RateLimit: getEnvAsFloat("FEED_RATE_LIMIT", 2),
			Workers:   getEnvAsInt("FEED_WORKERS", 4),
			Symbols:   getEnvAsMap("FEED_SYMBOLS"),
		},

		Forecast: ForecastConfig{
			Instruments:      instruments,
			Horizon:          getEnvAsInt("FORECAST_HORIZON", 5),
			WindowDays:       getEnvAsInt("FORECAST_WINDOW_DAYS", 30),
			LookbackDays:     getEnvAsInt("FORECAST_LOOKBACK_DAYS", 120),
			ModelDir:         getEnv("MODEL_DIR", "models"),
			ModelReload:      getEnvAsBool("MODEL_RELOAD", false),
			ModelTimeout:     getEnvAsDuration("FORECAST_MODEL_TIMEOUT", "10s"),
			ModelWorkers:     getEnvAsInt("FORECAST_MODEL_WORKERS", 4),
			MAPEAlertPercent: getEnvAsFloat("MAPE_ALERT_THRESHOLD", 5.0),
		},

		Scheduler: SchedulerConfig{
			CollectSchedule:   getEnv("SCHEDULE_COLLECT", "0 30 18 * * 1-5"),
			IssueSchedule:     getEnv("SCHEDULE_ISSUE", "0 0 19 * * 1-5"),
			ReconcileSchedule: getEnv("SCHEDULE_RECONCILE", "0 15 19 * * *"),
			EvaluateSchedule:  getEnv("SCHEDULE_EVALUATE", "0 30 19 * * *"),

			ModelReloadSchedule: getEnv("SCHEDULE_MODEL_RELOAD", ""),
			MaxRetries:          getEnvAsInt("SCHEDULER_MAX_RETRIES", 3),
			RetryDelay:          getEnvAsDuration("SCHEDULER_RETRY_DELAY", "1m"),
		},

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "debug"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogDir:    getEnv("LOG_DIR", ""),

		// Monitoring
		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be one of: postgres, sqlite, memory")
	}

	// Validate environment
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if c.Forecast.Horizon < 1 {
		return fmt.Errorf("FORECAST_HORIZON must be >= 1")
	}
	if c.Forecast.WindowDays < 1 {
		return fmt.Errorf("FORECAST_WINDOW_DAYS must be >= 1")
	}
	if c.Forecast.ModelTimeout <= 0 || c.Store.Timeout <= 0 {
		return fmt.Errorf("FORECAST_MODEL_TIMEOUT and STORE_TIMEOUT must be positive")
	}
	if c.Feed.Workers < 1 {
		return fmt.Errorf("FEED_WORKERS must be >= 1")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("REDIS_POOL_SIZE must be >= 0")
	}
	if len(c.Forecast.Instruments) == 0 {
		return fmt.Errorf("FORECAST_INSTRUMENTS must name at least one instrument")
	}

	switch c.Feed.Type {
	case "yahoo", "none":
	case "http":
		if c.Feed.BaseURL == "" {
			return fmt.Errorf("FEED_BASE_URL is required when FEED_TYPE=http")
		}
	default:
		return fmt.Errorf("FEED_TYPE must be one of: http, yahoo, none")
	}

	return nil
}

// Helper functions (private, only used within this file)

// parseInstruments parses "A@B,C" into instruments; "@B" names the spread companion
func parseInstruments(raw string) ([]Instrument, error) {
	var out []Instrument
	seen := make(map[string]bool)

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, companion, _ := strings.Cut(part, "@")
		id = strings.TrimSpace(id)
		companion = strings.TrimSpace(companion)
		if id == "" {
			return nil, fmt.Errorf("FORECAST_INSTRUMENTS: empty instrument in %q", part)
		}
		if companion == id {
			return nil, fmt.Errorf("FORECAST_INSTRUMENTS: %s cannot be its own companion", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("FORECAST_INSTRUMENTS: duplicate instrument %s", id)
		}
		seen[id] = true

		out = append(out, Instrument{ID: id, Companion: companion})
	}

	return out, nil
}

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	// Try paths in order of priority
	paths := []string{
		".env",         // Current directory
		"backend/.env", // From project root
	}

	// Also try relative to executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		// Fallback to default
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

// getEnvAsList splits a comma separated value, dropping empty items
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvAsMap parses "k1=v1,k2=v2"; only the first '=' splits
func getEnvAsMap(key string) map[string]string {
	out := make(map[string]string)
	for _, item := range getEnvAsList(key) {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
