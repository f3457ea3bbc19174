package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr string

	DBDriver string // "sqlite" or "mysql"
	DBDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ModelCacheTTL time.Duration

	RabbitURL   string
	RabbitQueue string

	// AI provider
	AIProvider    string
	GeminiAPIKey  string
	GeminiBaseURL string
	DefaultModel  string

	// ChatContextWindowSize bounds the history sent per generation request;
	// ChatRetentionLimit bounds what is kept in storage. The two are
	// independent knobs.
	ChatContextWindowSize int
	ChatRetentionLimit    int
	MessageBatchSize      int

	// Auth. When AccessPassword is empty the API is open.
	AccessPassword string
	JWTSecret      string
}

func Load() Config {
	// Optional .env for local development; a missing file is fine.
	_ = godotenv.Load()

	return Config{
		Addr: getenv("ADDR", ":8080"),

		DBDriver: getenv("DB_DRIVER", "sqlite"),
		DBDSN:    getenv("DB_DSN", "gemchat.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),
		ModelCacheTTL: time.Duration(getenvInt("MODEL_CACHE_TTL_SECONDS", 3600)) * time.Second,

		RabbitURL:   os.Getenv("RABBIT_URL"),
		RabbitQueue: getenv("RABBIT_QUEUE", "gemchat_jobs"),

		AIProvider:    getenv("AI_PROVIDER", "gemini"),
		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL: getenv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		DefaultModel:  getenv("DEFAULT_MODEL", "gemini-1.5-flash"),

		ChatContextWindowSize: getenvInt("CHAT_CONTEXT_WINDOW_SIZE", 20),
		ChatRetentionLimit:    getenvInt("CHAT_RETENTION_LIMIT", 100),
		MessageBatchSize:      getenvInt("MESSAGE_BATCH_SIZE", 20),

		AccessPassword: os.Getenv("ACCESS_PASSWORD"),
		JWTSecret:      getenv("JWT_SECRET", "dev-secret-change-me"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
