package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "curator.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	return load(yamlPath, CLIFlags{})
}

// LoadWithCLI is LoadFrom with command-line flags applied last.
func LoadWithCLI(flags CLIFlags) (*Config, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil {
		path = *flags.ConfigPath
	}
	return load(path, flags)
}

func load(yamlPath string, flags CLIFlags) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CURATOR_PORT")
	setString(&cfg.Server.CORSOrigin, "CURATOR_CORS_ORIGIN")
	setDuration(&cfg.Server.ReadTimeout, "CURATOR_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "CURATOR_WRITE_TIMEOUT")
	setInt64(&cfg.Server.BodyLimit, "CURATOR_BODY_LIMIT")
	setInt(&cfg.Server.RateLimitPerMinute, "CURATOR_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.Server.RateLimitBurst, "CURATOR_RATE_LIMIT_BURST")

	setString(&cfg.Store.Driver, "CURATOR_STORE_DRIVER")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CURATOR_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CURATOR_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CURATOR_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CURATOR_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CURATOR_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SubjectPrefix, "CURATOR_NATS_SUBJECT_PREFIX")

	setString(&cfg.Logging.Level, "CURATOR_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CURATOR_LOG_SERVICE")
	setString(&cfg.Logging.Format, "CURATOR_LOG_FORMAT")

	// Engine
	setDuration(&cfg.Engine.StuckThreshold, "CURATOR_STUCK_THRESHOLD")
	setDuration(&cfg.Engine.RunTimeout, "CURATOR_RUN_TIMEOUT")
	setDuration(&cfg.Engine.ShutdownTimeout, "CURATOR_SHUTDOWN_TIMEOUT")

	// Scheduler
	setBool(&cfg.Scheduler.Enabled, "CURATOR_SCHEDULER_ENABLED")
	setDuration(&cfg.Scheduler.TickInterval, "CURATOR_SCHEDULER_TICK")
	setInt(&cfg.Scheduler.MaxConcurrentDispatch, "CURATOR_SCHEDULER_MAX_DISPATCH")
	setDuration(&cfg.Scheduler.RunPollInterval, "CURATOR_SCHEDULED_POLL_INTERVAL")
	setDuration(&cfg.Scheduler.RunWaitTimeout, "CURATOR_SCHEDULED_WAIT_TIMEOUT")

	// Twitter
	setString(&cfg.Twitter.BaseURL, "CURATOR_TWITTER_BASE_URL")
	setString(&cfg.Twitter.BearerToken, "TWITTER_BEARER_TOKEN")
	setDuration(&cfg.Twitter.Window, "CURATOR_TWITTER_WINDOW")
	setInt(&cfg.Twitter.WindowRequests, "CURATOR_TWITTER_WINDOW_REQUESTS")
	setDuration(&cfg.Twitter.MinSpacing, "CURATOR_TWITTER_MIN_SPACING")
	setInt(&cfg.Twitter.RetryMaxAttempts, "CURATOR_TWITTER_RETRY_ATTEMPTS")
	setDuration(&cfg.Twitter.RetryBaseDelay, "CURATOR_TWITTER_RETRY_BASE")
	setDuration(&cfg.Twitter.RetryMaxDelay, "CURATOR_TWITTER_RETRY_MAX")
	setInt(&cfg.Twitter.BreakerMaxFailures, "CURATOR_TWITTER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Twitter.BreakerCooldown, "CURATOR_TWITTER_BREAKER_COOLDOWN")
	setInt(&cfg.Twitter.MaxResults, "CURATOR_TWITTER_MAX_RESULTS")
	setBool(&cfg.Twitter.Placeholders, "CURATOR_TWITTER_PLACEHOLDERS")

	// Embedding
	setBool(&cfg.Embedding.Enabled, "CURATOR_EMBEDDING_ENABLED")
	setString(&cfg.Embedding.OpenAIKey, "OPENAI_API_KEY")
	setString(&cfg.Embedding.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Embedding.OpenAIModel, "CURATOR_EMBEDDING_OPENAI_MODEL")
	setString(&cfg.Embedding.OllamaURL, "OLLAMA_URL")
	setString(&cfg.Embedding.OllamaModel, "CURATOR_EMBEDDING_OLLAMA_MODEL")
	setString(&cfg.Embedding.Collection, "CURATOR_EMBEDDING_COLLECTION")
	setString(&cfg.Embedding.PersistDir, "CURATOR_EMBEDDING_PERSIST_DIR")

	// Telegram
	setString(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setInt64(&cfg.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	setStrings(&cfg.Telegram.Events, "CURATOR_TELEGRAM_EVENTS")
	setString(&cfg.Webhooks.SlackURL, "CURATOR_SLACK_WEBHOOK_URL")
	setString(&cfg.Webhooks.DiscordURL, "CURATOR_DISCORD_WEBHOOK_URL")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "CURATOR_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "CURATOR_CACHE_L1_TTL")
	setDuration(&cfg.Cache.SeenTTL, "CURATOR_CACHE_SEEN_TTL")
	setString(&cfg.Cache.KVBucket, "CURATOR_CACHE_KV_BUCKET")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "CURATOR_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "CURATOR_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "CURATOR_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be postgres or memory, got %q", cfg.Store.Driver)
	}
	if cfg.Engine.StuckThreshold <= 0 {
		return errors.New("engine.stuck_threshold must be > 0")
	}
	if cfg.Scheduler.TickInterval <= 0 {
		return errors.New("scheduler.tick_interval must be > 0")
	}
	if cfg.Scheduler.RunPollInterval <= 0 || cfg.Scheduler.RunWaitTimeout <= 0 {
		return errors.New("scheduler.run_poll_interval and run_wait_timeout must be > 0")
	}
	if cfg.Twitter.WindowRequests < 1 {
		return errors.New("twitter.window_requests must be >= 1")
	}
	if cfg.Twitter.RetryMaxAttempts < 1 {
		return errors.New("twitter.retry_max_attempts must be >= 1")
	}
	if cfg.Twitter.BreakerMaxFailures < 1 {
		return errors.New("twitter.breaker_max_failures must be >= 1")
	}
	if cfg.OTEL.SampleRate < 0 || cfg.OTEL.SampleRate > 1 {
		return errors.New("otel.sample_rate must be within [0, 1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
