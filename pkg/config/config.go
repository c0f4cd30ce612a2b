package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-level configuration. Per-community settings live in
// a Store and are read through Communities.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string // empty selects lite mode (sqlite under DataDir)
	DataDir     string
	RedisURL    string
	CacheTTL    time.Duration

	LLMBaseURL         string
	LLMAPIKey          string
	LLMProvider        string
	DefaultModel       string
	LLMFallbackBaseURL string
	LLMFallbackAPIKey  string
	LLMFallbackModel   string
	ClassifierRPS      float64 // 0 disables the spend limiter
	ClassifierBurst    int

	BridgeURL   string
	BridgeToken string
	BridgeRPS   float64 // 0 disables outbound throttling

	JWTSecret     string
	APIRateLimit  float64
	APIRateBurst  int
	OTLPEndpoint  string
	ProfilePath   string
	ServiceName   string
	SweepInterval time.Duration

	ConfirmationTimeout time.Duration
	AppealEmail         string
	AppealArbiterUserID string

	// Operator contact for failures no moderator can act on. The channel
	// wins when both are set.
	OperatorUserID    string
	OperatorChannelID string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     getenv("WARDEN_DATA_DIR", "data"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CacheTTL:    duration("CACHE_TTL", 5*time.Minute),

		LLMBaseURL:         getenv("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMAPIKey:          os.Getenv("OPENROUTER_API_KEY"),
		LLMProvider:        getenv("LLM_PROVIDER", "openrouter"),
		DefaultModel:       getenv("AI_MODEL", DefaultModel),
		LLMFallbackBaseURL: os.Getenv("LLM_FALLBACK_BASE_URL"),
		LLMFallbackAPIKey:  os.Getenv("LLM_FALLBACK_API_KEY"),
		LLMFallbackModel:   os.Getenv("LLM_FALLBACK_MODEL"),
		ClassifierRPS:      float("CLASSIFIER_RPS", 0),
		ClassifierBurst:    integer("CLASSIFIER_BURST", 5),

		BridgeURL:   getenv("BRIDGE_URL", "http://localhost:8090"),
		BridgeToken: os.Getenv("BRIDGE_TOKEN"),
		BridgeRPS:   float("BRIDGE_RPS", 0),

		JWTSecret:     os.Getenv("WARDEN_JWT_SECRET"),
		APIRateLimit:  float("API_RATE_LIMIT", 10),
		APIRateBurst:  integer("API_RATE_BURST", 20),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProfilePath:   os.Getenv("WARDEN_PROFILE"),
		ServiceName:   getenv("OTEL_SERVICE_NAME", "warden"),
		SweepInterval: duration("CONFIRMATION_SWEEP_INTERVAL", time.Minute),

		ConfirmationTimeout: duration("CONFIRMATION_TIMEOUT", 24*time.Hour),
		AppealEmail:         getenv("APPEAL_EMAIL", "help@learnhelp.co.uk"),
		AppealArbiterUserID: os.Getenv("APPEAL_ARBITER_USER_ID"),

		OperatorUserID:    os.Getenv("OPERATOR_USER_ID"),
		OperatorChannelID: os.Getenv("OPERATOR_CHANNEL_ID"),
	}
}

// LiteMode reports whether no database URL was configured.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return def
}

func float(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f >= 0 {
		return f
	}
	return def
}

func integer(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return def
}
