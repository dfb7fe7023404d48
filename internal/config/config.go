package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds environment-driven configuration. Secrets arrive only through
// the environment (or .env in development); the YAML local config never
// carries keys.
type Config struct {
	// Server
	Port  int
	Debug bool

	// Remote sync
	DatabaseURL string
	SyncEnabled bool

	// Telemetry
	RabbitMQURL      string
	TelemetryEnabled bool

	// AI providers
	GeminiAPIKey    string
	ClaudeAPIKey    string
	OpenAIAPIKey    string
	ProviderTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:             getEnvInt("PORT", 7433),
		Debug:            getEnvBool("DEBUG", false),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		SyncEnabled:      getEnvBool("SYNC_ENABLED", true),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		TelemetryEnabled: getEnvBool("TELEMETRY_ENABLED", false),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		ClaudeAPIKey:     getEnv("CLAUDE_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		ProviderTimeout:  time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 60)) * time.Second,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
