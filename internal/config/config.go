package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// Tavus conversation provider
	TavusAPIKey           string
	TavusBaseURL          string
	TavusWebhookSecret    string
	TavusReplicaID        string
	TavusPersonaID        string
	TavusTimeout          time.Duration
	TavusStatusTimeout    time.Duration
	TavusRetryMaxAttempts int
	TavusRetryBaseDelay   time.Duration

	// Session lifecycle
	SessionMaxDuration     time.Duration
	FinalizeBudget         time.Duration
	ToolcallUtteranceMatch bool

	// Webhook replay cache
	RedisAddr        string
	RedisPassword    string
	RedisTLS         bool
	WebhookReplayTTL time.Duration

	AdminJWTSecret     string
	CORSAllowedOrigins []string
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		TavusAPIKey:           getEnv("TAVUS_API_KEY", ""),
		TavusBaseURL:          getEnv("TAVUS_BASE_URL", ""),
		TavusWebhookSecret:    getEnv("TAVUS_WEBHOOK_SECRET", ""),
		TavusReplicaID:        getEnv("TAVUS_REPLICA_ID", ""),
		TavusPersonaID:        getEnv("TAVUS_PERSONA_ID", ""),
		TavusTimeout:          getEnvAsDuration("TAVUS_TIMEOUT", 10*time.Second),
		TavusStatusTimeout:    getEnvAsDuration("TAVUS_STATUS_TIMEOUT", 5*time.Second),
		TavusRetryMaxAttempts: getEnvAsInt("TAVUS_RETRY_MAX_ATTEMPTS", 2),
		TavusRetryBaseDelay:   getEnvAsDuration("TAVUS_RETRY_BASE_DELAY", 250*time.Millisecond),

		SessionMaxDuration:     getEnvAsDuration("SESSION_MAX_DURATION", 30*time.Minute),
		FinalizeBudget:         getEnvAsDuration("FINALIZE_BUDGET", 15*time.Second),
		ToolcallUtteranceMatch: getEnvAsBool("TOOLCALL_UTTERANCE_FALLBACK", false),

		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisTLS:         getEnvAsBool("REDIS_TLS", false),
		WebhookReplayTTL: getEnvAsDuration("WEBHOOK_REPLAY_TTL", 24*time.Hour),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		RateLimitPerSecond: getEnvAsFloat("RATE_LIMIT_PER_SECOND", 20),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 40),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
