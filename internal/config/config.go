package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Executor kinds accepted by WECOOK_EXECUTOR.
const (
	ExecutorJetStream = "jetstream"
	ExecutorMemory    = "memory"
)

// LLM providers accepted by LLM_PROVIDER.
const (
	ProviderGroq   = "groq"
	ProviderGemini = "gemini"
)

// Config holds the configuration for the application.
type Config struct {
	HTTPAddr     string
	DatabasePath string
	JWTSecret    string

	// Job executor
	Executor      string
	NATSURL       string
	JobTTL        time.Duration
	BatchTokenTTL time.Duration

	// Title generation
	LLMProvider      string
	GeminiAPIKey     string
	GroqAPIKey       string
	TitleMaxAttempts int

	// Telegram Config
	TelegramBotToken       string
	TelegramWebhookURL     string
	TelegramAllowedUserIDs []int64
	AdminTelegramID        int64

	// Metrics housekeeping
	MetricsRetentionDays   int
	MetricsCleanupSchedule string
}

// NewFromEnv creates a new Config object from environment variables.
func NewFromEnv() (*Config, error) {
	jwtSecret := os.Getenv("WECOOK_JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("WECOOK_JWT_SECRET environment variable not set")
	}

	executor := strings.ToLower(getEnv("WECOOK_EXECUTOR", ExecutorJetStream))
	if executor != ExecutorJetStream && executor != ExecutorMemory {
		return nil, fmt.Errorf("WECOOK_EXECUTOR must be %q or %q, got %q", ExecutorJetStream, ExecutorMemory, executor)
	}

	provider := strings.ToLower(getEnv("LLM_PROVIDER", ProviderGroq))
	groqAPIKey := os.Getenv("GROQ_API_KEY")
	geminiAPIKey := os.Getenv("GEMINI_API_KEY")
	switch provider {
	case ProviderGroq:
		if groqAPIKey == "" {
			return nil, fmt.Errorf("GROQ_API_KEY environment variable not set")
		}
	case ProviderGemini:
		if geminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
		}
	default:
		return nil, fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderGroq, ProviderGemini, provider)
	}

	titleMaxAttempts, err := getInt("TITLE_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	if titleMaxAttempts < 1 {
		return nil, fmt.Errorf("TITLE_MAX_ATTEMPTS must be at least 1, got %d", titleMaxAttempts)
	}

	jobTTL, err := getDuration("JOB_TTL", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	batchTokenTTL, err := getDuration("BATCH_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	retentionDays, err := getInt("METRICS_RETENTION_DAYS", 30)
	if err != nil {
		return nil, err
	}

	// Telegram Config (optional, the bot is only started when a token is present)
	allowed, err := parseIDList(os.Getenv("TELEGRAM_ALLOWED_USER_IDS"))
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_ALLOWED_USER_IDS: %w", err)
	}
	var adminID int64
	if s := os.Getenv("TELEGRAM_ADMIN_ID"); s != "" {
		adminID, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_ADMIN_ID: %w", err)
		}
	}

	return &Config{
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		DatabasePath:           getEnv("DATABASE_PATH", "data/wecook.db"),
		JWTSecret:              jwtSecret,
		Executor:               executor,
		NATSURL:                getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		JobTTL:                 jobTTL,
		BatchTokenTTL:          batchTokenTTL,
		LLMProvider:            provider,
		GeminiAPIKey:           geminiAPIKey,
		GroqAPIKey:             groqAPIKey,
		TitleMaxAttempts:       titleMaxAttempts,
		TelegramBotToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramWebhookURL:     os.Getenv("TELEGRAM_WEBHOOK_URL"),
		TelegramAllowedUserIDs: allowed,
		AdminTelegramID:        adminID,
		MetricsRetentionDays:   retentionDays,
		MetricsCleanupSchedule: getEnv("METRICS_CLEANUP_SCHEDULE", "0 3 * * *"),
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
