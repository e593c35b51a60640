// Package config provides configuration for the voice orchestration core.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the orchestration core configuration.
type Config struct {
	// Server settings
	HTTPPort  int
	AdminPort int

	// Database
	DatabaseURL string

	// Webhook authentication
	WebhookSecret string

	// Outbound collaborators
	TelephonyAPIURL string
	TelephonyAPIKey string
	STTAPIURL       string
	STTAPIKey       string
	OpenAIAPIKey    string
	PublicBaseURL   string

	// Timeouts
	STTTimeout       time.Duration
	DispatchTimeout  time.Duration
	ResponderTimeout time.Duration

	// Call handling
	MaxRetries         int
	MediaMaxConcurrent int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8085),
		AdminPort:          getEnvInt("ADMIN_PORT", 8086),
		DatabaseURL:        getEnv("DATABASE_URL", "file:voicecore.db?cache=shared&mode=rwc"),
		WebhookSecret:      getEnv("WEBHOOK_SECRET", ""),
		TelephonyAPIURL:    getEnv("TELEPHONY_API_URL", "https://api.telnyx.com/v2"),
		TelephonyAPIKey:    getEnv("TELEPHONY_API_KEY", ""),
		STTAPIURL:          getEnv("STT_API_URL", "https://api.deepgram.com/v1"),
		STTAPIKey:          getEnv("STT_API_KEY", ""),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", "http://localhost:8085"),
		STTTimeout:         time.Duration(getEnvInt("STT_TIMEOUT_MS", 10000)) * time.Millisecond,
		DispatchTimeout:    time.Duration(getEnvInt("DISPATCH_TIMEOUT_MS", 5000)) * time.Millisecond,
		ResponderTimeout:   time.Duration(getEnvInt("RESPONDER_TIMEOUT_MS", 5000)) * time.Millisecond,
		MaxRetries:         getEnvInt("MAX_RETRIES", 2),
		MediaMaxConcurrent: getEnvInt("MEDIA_MAX_CONCURRENT", 100),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
