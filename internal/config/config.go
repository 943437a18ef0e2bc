// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

const (
	MetadataPostgres = "postgres"
	MetadataBadger   = "badger"
)

// Config holds all server configuration. Values are fixed at process start.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Metadata store ("postgres" or "badger")
	MetadataBackend string
	DatabaseURL     string
	BadgerDir       string

	// Bootstrap connection retries
	DBConnectAttempts int
	DBConnectDelay    time.Duration

	// Seeded administrator (optional)
	SuperuserEmail string
	SuperuserPass  string

	// Storage manager
	Workers          int
	QueueCapacity    int
	ChunkSize        int64
	ChunkParallelism int

	// Transfer retries
	TransferMaxAttempts int
	TransferBaseDelay   time.Duration
	TransferMaxDelay    time.Duration

	// Default channel, created on first run when no channel exists
	DefaultChannel ChannelConfig
}

// ChannelConfig describes the channel auto-created on first run.
type ChannelConfig struct {
	Kind              string
	MaxObjectSize     int64
	RequestsPerMinute int

	// local
	LocalPath string

	// s3 / minio
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// telegram
	TelegramToken  string
	TelegramChatID string
	TelegramAPIURL string
}

// ErrMissingDatabase is returned when neither DATABASE_URL nor its parts are set.
var ErrMissingDatabase = errors.New("DATABASE_URL or DATABASE_USER/DATABASE_PASSWORD/DATABASE_NAME/DATABASE_HOST is required")

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          envOr("LISTEN_ADDR", ":8000"),
		MetricsAddr:         envOr("METRICS_ADDR", ":9090"),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "json"),
		MetadataBackend:     envOr("METADATA_BACKEND", MetadataPostgres),
		DatabaseURL:         databaseURL(),
		BadgerDir:           envOr("BADGER_DIR", "/data/meta"),
		DBConnectAttempts:   envInt("DB_CONNECT_ATTEMPTS", 5),
		DBConnectDelay:      envDuration("DB_CONNECT_DELAY", 2*time.Second),
		SuperuserEmail:      envOr("SUPERUSER_EMAIL", ""),
		SuperuserPass:       envOr("SUPERUSER_PASS", ""),
		Workers:             envInt("WORKERS", 4),
		QueueCapacity:       envInt("CHANNEL_CAPACITY", 32),
		ChunkSize:           envInt64("CHUNK_SIZE", 20*1024*1024), // 20MB
		ChunkParallelism:    envInt("CHUNK_PARALLELISM", 1),
		TransferMaxAttempts: envInt("TRANSFER_MAX_ATTEMPTS", 5),
		TransferBaseDelay:   envDuration("TRANSFER_BASE_DELAY", time.Second),
		TransferMaxDelay:    envDuration("TRANSFER_MAX_DELAY", 30*time.Second),
		DefaultChannel: ChannelConfig{
			Kind:              envOr("CHANNEL_KIND", "local"),
			MaxObjectSize:     envInt64("CHANNEL_MAX_OBJECT_SIZE", 20*1024*1024),
			RequestsPerMinute: envInt("CHANNEL_REQUESTS_PER_MINUTE", 0), // 0 = unlimited
			LocalPath:         envOr("LOCAL_CHANNEL_PATH", "/data/chunks"),
			S3Endpoint:        envOr("S3_ENDPOINT", "http://localhost:9000"),
			S3Bucket:          envOr("S3_BUCKET", "pentaract"),
			S3AccessKey:       envOr("S3_ACCESS_KEY", "minioadmin"),
			S3SecretKey:       envOr("S3_SECRET_KEY", "minioadmin"),
			S3Region:          envOr("S3_REGION", "us-east-1"),
			S3UseSSL:          envBool("S3_USE_SSL", false),
			TelegramToken:     envOr("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID:    envOr("TELEGRAM_CHAT_ID", ""),
			TelegramAPIURL:    envOr("TELEGRAM_API_URL", "https://api.telegram.org"),
		},
	}

	// PORT wins over LISTEN_ADDR so PaaS port injection works.
	if port := os.Getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the storage manager relies on.
func (c *Config) Validate() error {
	switch c.MetadataBackend {
	case MetadataPostgres:
		if c.DatabaseURL == "" {
			return ErrMissingDatabase
		}
	case MetadataBadger:
		if c.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR is required for the badger metadata backend")
		}
	default:
		return fmt.Errorf("unknown METADATA_BACKEND %q", c.MetadataBackend)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("CHANNEL_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkParallelism <= 0 || c.ChunkParallelism > c.Workers {
		return fmt.Errorf("CHUNK_PARALLELISM must be between 1 and WORKERS (%d), got %d", c.Workers, c.ChunkParallelism)
	}
	if c.TransferMaxAttempts <= 0 {
		return fmt.Errorf("TRANSFER_MAX_ATTEMPTS must be positive, got %d", c.TransferMaxAttempts)
	}
	if c.TransferMaxDelay < c.TransferBaseDelay {
		return fmt.Errorf("TRANSFER_MAX_DELAY (%s) is below TRANSFER_BASE_DELAY (%s)", c.TransferMaxDelay, c.TransferBaseDelay)
	}
	if (c.SuperuserEmail == "") != (c.SuperuserPass == "") {
		return fmt.Errorf("SUPERUSER_EMAIL and SUPERUSER_PASS must be set together")
	}
	return nil
}

// databaseURL returns DATABASE_URL, or builds one from the individual
// DATABASE_* variables when those are all present.
func databaseURL() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	user := os.Getenv("DATABASE_USER")
	pass := os.Getenv("DATABASE_PASSWORD")
	name := os.Getenv("DATABASE_NAME")
	host := os.Getenv("DATABASE_HOST")
	if user == "" || name == "" || host == "" {
		return ""
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, pass),
		Host:     host + ":" + envOr("DATABASE_PORT", "5432"),
		Path:     "/" + name,
		RawQuery: "sslmode=" + envOr("DATABASE_SSLMODE", "disable"),
	}
	return u.String()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
