package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	OpenAI         OpenAIConfig
	STUNServers    []string
	Voice          VoiceDefaults
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

// VoiceDefaults are the turn-taking defaults applied to rooms created without
// explicit voice settings.
type VoiceDefaults struct {
	MaxQueueSize    int
	QueueTimeout    time.Duration
	PriorityTimeout time.Duration
	LockTimeout     time.Duration
	MinTurnInterval time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	stunStr := getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302")
	stun := strings.Split(stunStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		OpenAI: OpenAIConfig{
			APIKey: getEnv("OPENAI_API_KEY", ""),
			Model:  getEnv("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		},
		STUNServers: stun,
		Voice: VoiceDefaults{
			MaxQueueSize:    getEnvInt("VOICE_MAX_QUEUE_SIZE", 10),
			QueueTimeout:    getEnvMs("VOICE_QUEUE_TIMEOUT_MS", 60_000),
			PriorityTimeout: getEnvMs("VOICE_PRIORITY_TIMEOUT_MS", 120_000),
			LockTimeout:     getEnvMs("VOICE_LOCK_TIMEOUT_MS", 45_000),
			MinTurnInterval: getEnvMs("VOICE_MIN_TURN_INTERVAL_MS", 0),
		},
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

func getEnvMs(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
