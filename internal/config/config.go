package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/stage"

	"github.com/joho/godotenv"
)

type Config struct {
	Stage         string
	WorkerID      string
	QueueBackend  string // "redis" or "postgres"
	LedgerBackend string // "redis" or "postgres"
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	HandlerURL    string
	HTTPAddr      string
	JWTSecret     string
	LogLevel      string

	BatchSize   int
	MaxParallel int
	MaxAttempts int
	IdleSleep   time.Duration

	VisibilityFloor        time.Duration
	VisibilityCeiling      time.Duration
	VisibilitySafetyFactor float64
	VisibilityWindow       int
	VisibilityMinSamples   int

	DeleteMaxRetries  int
	DeleteBaseDelay   time.Duration
	EnqueueMaxRetries int
	EnqueueBaseDelay  time.Duration

	LedgerTTL      time.Duration
	LedgerFailMode string // "open" or "closed"
	LedgerSweep    time.Duration

	StableEmptyDuration time.Duration
	PlatformCooldown    time.Duration
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvAsFloat(name string, defaultVal float64) float64 {
	if value, exists := os.LookupEnv(name); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// helper: read env var as seconds, convert to duration.
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}

// helper: read env var as milliseconds, for sub-second delays.
func getEnvAsMillis(name string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return defaultVal
}

func Load() (*Config, error) {
	// .env is optional; real deployments set variables on the container.
	_ = godotenv.Load()

	cfg := &Config{
		Stage:         os.Getenv("STAGE"),
		WorkerID:      getEnv("WORKER_ID", "worker-1"),
		QueueBackend:  getEnv("QUEUE_BACKEND", "redis"),
		LedgerBackend: getEnv("LEDGER_BACKEND", "postgres"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		HandlerURL:    os.Getenv("HANDLER_URL"),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		BatchSize:   getEnvAsInt("BATCH_SIZE", 10),
		MaxParallel: getEnvAsInt("MAX_PARALLEL", 4),
		MaxAttempts: getEnvAsInt("MAX_ATTEMPTS", 3),
		IdleSleep:   getEnvAsDuration("IDLE_SLEEP", 2*time.Second),

		VisibilityFloor:        getEnvAsDuration("VISIBILITY_FLOOR", 30*time.Second),
		VisibilityCeiling:      getEnvAsDuration("VISIBILITY_CEILING", 900*time.Second),
		VisibilitySafetyFactor: getEnvAsFloat("VISIBILITY_SAFETY_FACTOR", 1.5),
		VisibilityWindow:       getEnvAsInt("VISIBILITY_WINDOW", 100),
		VisibilityMinSamples:   getEnvAsInt("VISIBILITY_MIN_SAMPLES", 10),

		DeleteMaxRetries:  getEnvAsInt("DELETE_MAX_RETRIES", 3),
		DeleteBaseDelay:   getEnvAsMillis("DELETE_BASE_DELAY_MS", 500*time.Millisecond),
		EnqueueMaxRetries: getEnvAsInt("ENQUEUE_MAX_RETRIES", 3),
		EnqueueBaseDelay:  getEnvAsMillis("ENQUEUE_BASE_DELAY_MS", 500*time.Millisecond),

		LedgerTTL:      getEnvAsDuration("LEDGER_TTL", 24*time.Hour),
		LedgerFailMode: getEnv("LEDGER_FAIL_MODE", "open"),
		LedgerSweep:    getEnvAsDuration("LEDGER_SWEEP", time.Hour),

		StableEmptyDuration: getEnvAsDuration("STABLE_EMPTY_DURATION", 180*time.Second),
		PlatformCooldown:    getEnvAsDuration("PLATFORM_COOLDOWN", 300*time.Second),
	}

	if _, err := stage.Lookup(cfg.Stage); err != nil {
		return nil, fmt.Errorf("STAGE: %w", err)
	}
	switch cfg.QueueBackend {
	case "redis", "postgres":
	default:
		return nil, fmt.Errorf("invalid QUEUE_BACKEND %q", cfg.QueueBackend)
	}
	switch cfg.LedgerBackend {
	case "redis", "postgres":
	default:
		return nil, fmt.Errorf("invalid LEDGER_BACKEND %q", cfg.LedgerBackend)
	}
	if cfg.QueueBackend == "postgres" || cfg.LedgerBackend == "postgres" {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for postgres backends")
		}
	}
	if cfg.QueueBackend == "redis" || cfg.LedgerBackend == "redis" {
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required for redis backends")
		}
	}
	if cfg.HandlerURL == "" {
		return nil, fmt.Errorf("HANDLER_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid BATCH_SIZE: %d", cfg.BatchSize)
	}
	if cfg.MaxParallel <= 0 || cfg.MaxParallel > cfg.BatchSize {
		return nil, fmt.Errorf("MAX_PARALLEL must be in 1..BATCH_SIZE, got %d", cfg.MaxParallel)
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %d", cfg.MaxAttempts)
	}
	if cfg.VisibilitySafetyFactor < 1.0 {
		return nil, fmt.Errorf("VISIBILITY_SAFETY_FACTOR must be >= 1.0, got %g", cfg.VisibilitySafetyFactor)
	}
	if cfg.VisibilityFloor <= 0 || cfg.VisibilityCeiling < cfg.VisibilityFloor {
		return nil, fmt.Errorf("invalid visibility bounds: floor=%s ceiling=%s", cfg.VisibilityFloor, cfg.VisibilityCeiling)
	}
	switch cfg.LedgerFailMode {
	case "open", "closed":
	default:
		return nil, fmt.Errorf("invalid LEDGER_FAIL_MODE %q", cfg.LedgerFailMode)
	}
	// The shutdown signal must fire before the platform's scale-to-zero
	// cooldown would have killed the process anyway; the gap absorbs
	// scheduling jitter.
	if cfg.StableEmptyDuration >= cfg.PlatformCooldown {
		return nil, fmt.Errorf("STABLE_EMPTY_DURATION (%s) must be strictly less than PLATFORM_COOLDOWN (%s)",
			cfg.StableEmptyDuration, cfg.PlatformCooldown)
	}

	return cfg, nil
}
