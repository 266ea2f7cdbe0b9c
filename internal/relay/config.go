// Package relay implements the signaling relay: meeting management over
// HTTP and message routing over websockets. It forwards negotiation
// payloads between sessions without inspecting them.
package relay

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is loaded from the environment.
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string

	// RedisAddr selects the redis-backed meeting store when set. Empty
	// means the in-memory store, which is enough for a single relay.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MeetingTTL time.Duration
}

// LoadConfig reads relay configuration from the environment with
// development defaults.
func LoadConfig() *Config {
	origins := strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"), ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		MeetingTTL:     getEnvDuration("MEETING_TTL", 24*time.Hour),
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
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
