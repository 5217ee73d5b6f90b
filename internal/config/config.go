package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "reel.db"
	defaultModel           = "veo-3.1-fast-generate-preview"
	defaultResolution      = "720p"
	defaultPollInterval    = 10 * time.Second
	defaultPollMaxInterval = 60 * time.Second
	defaultPollMaxWait     = 10 * time.Minute
	defaultDownloadTimeout = 2 * time.Minute
	defaultQueueKey        = "reel:generations"
	defaultRecoverAfter    = 15 * time.Minute

	envListenAddr      = "REEL_LISTEN_ADDR"
	envDBPath          = "REEL_DB_PATH"
	envLogLevel        = "REEL_LOG_LEVEL"
	envAPIKey          = "REEL_API_KEY"
	envModel           = "REEL_MODEL"
	envResolution      = "REEL_RESOLUTION"
	envPollInterval    = "REEL_POLL_INTERVAL"
	envPollMaxInterval = "REEL_POLL_MAX_INTERVAL"
	envPollMaxWait     = "REEL_POLL_MAX_WAIT"
	envDownloadTimeout = "REEL_DOWNLOAD_TIMEOUT"
	envRedisURL        = "REEL_REDIS_URL"
	envQueueKey        = "REEL_QUEUE_KEY"
	envWorker          = "REEL_WORKER"
	envOTLPEndpoint    = "REEL_OTLP_ENDPOINT"
	envRecoverAfter    = "REEL_RECOVER_AFTER"
)

// apiKeyFallbacks are consulted in order when REEL_API_KEY is unset.
var apiKeyFallbacks = []string{"GEMINI_API_KEY", "API_KEY"}

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	APIKey     string
	Model      string
	Resolution string

	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollMaxWait     time.Duration
	DownloadTimeout time.Duration

	RedisURL string
	QueueKey string
	// Worker makes the server also consume the Redis queue.
	Worker bool
	// RecoverAfter is how long an in-flight generation may go unwritten
	// before startup recovery fails it. Only applies with a shared queue.
	RecoverAfter time.Duration

	// OTLPEndpoint is the OTLP/HTTP trace collector URL. Tracing is off when empty.
	OTLPEndpoint string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present; variables
// already set in the environment take precedence over it.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		Model:           defaultModel,
		Resolution:      defaultResolution,
		PollInterval:    defaultPollInterval,
		PollMaxInterval: defaultPollMaxInterval,
		PollMaxWait:     defaultPollMaxWait,
		DownloadTimeout: defaultDownloadTimeout,
		QueueKey:        defaultQueueKey,
		RecoverAfter:    defaultRecoverAfter,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	cfg.APIKey = os.Getenv(envAPIKey)
	for _, name := range apiKeyFallbacks {
		if cfg.APIKey != "" {
			break
		}
		cfg.APIKey = os.Getenv(name)
	}

	if v := os.Getenv(envModel); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv(envResolution); v != "" {
		cfg.Resolution = v
	}
	cfg.PollInterval = parseDuration(os.Getenv(envPollInterval), cfg.PollInterval)
	cfg.PollMaxInterval = parseDuration(os.Getenv(envPollMaxInterval), cfg.PollMaxInterval)
	cfg.PollMaxWait = parseDuration(os.Getenv(envPollMaxWait), cfg.PollMaxWait)
	cfg.DownloadTimeout = parseDuration(os.Getenv(envDownloadTimeout), cfg.DownloadTimeout)

	cfg.RedisURL = os.Getenv(envRedisURL)
	if v := os.Getenv(envQueueKey); v != "" {
		cfg.QueueKey = v
	}
	cfg.Worker = parseBool(os.Getenv(envWorker))
	cfg.RecoverAfter = parseDuration(os.Getenv(envRecoverAfter), cfg.RecoverAfter)
	cfg.OTLPEndpoint = os.Getenv(envOTLPEndpoint)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDuration parses s, returning def for empty or malformed input.
// Negative durations are rejected; zero is allowed.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
