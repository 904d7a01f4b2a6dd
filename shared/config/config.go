package config

import (
	"os"
	"strconv"
)

// AppConfig holds service-level configuration shared by the control-plane
// binaries: auth secrets, the encryption key for tenant credentials at rest,
// Redis and Kafka endpoints.
type AppConfig struct {
	JWTSecret     string
	EncryptionKey string // 32 bytes, AES-256
	RedisHost     string
	RedisPort     string
	KafkaBroker   string
	TokenTTLHours int
}

// GetAppConfig returns application configuration from environment variables
func GetAppConfig() *AppConfig {
	return &AppConfig{
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret-change-me"),
		EncryptionKey: getEnv("CREDENTIALS_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		KafkaBroker:   getEnv("KAFKA_BROKER", ""),
		TokenTTLHours: getEnvInt("TOKEN_TTL_HOURS", 24),
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
