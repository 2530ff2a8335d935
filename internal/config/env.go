package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL     string
	AwsAccessKey    string
	AwsSecretKey    string
	AwsRegion       string
	BucketName      string
	EmbedProvider   string
	AIAPIKey        string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	EmbedModel      string
	EmbedDim        int
	EmbedMaxChars   int
	EmbedRPS        float64
	Port            string
	JWTSecret       string
	CacheBackend    string
	CacheSQLitePath string
	IngestWorkers   int
	MaxUploadMB     int
	CORSOrigins     []string
	Tuning          Tuning
}

// MemoryDatabase as DATABASE_URL keeps documents and chunks in process memory.
const MemoryDatabase = "memory"

// UsesMemoryStore reports whether the in-process store replaces Postgres.
func (c *Config) UsesMemoryStore() bool { return c.DatabaseURL == MemoryDatabase }

// LoadConfig loads .env (if present), the optional YAML tuning file named by
// TUNING_FILE, and the environment. Environment values win over YAML.
func LoadConfig(log *slog.Logger) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		AwsAccessKey:    getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:    getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:       getEnv("AWS_REGION", "eu-west-2"),
		BucketName:      getEnv("BUCKET_NAME", "handover-docs"),
		EmbedProvider:   getEnv("EMBED_PROVIDER", "gemini"),
		AIAPIKey:        getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		EmbedModel:      getEnv("EMBED_MODEL", ""),
		EmbedDim:        getEnvInt("EMBED_DIM", 768, log),
		EmbedMaxChars:   getEnvInt("EMBED_MAX_CHARS", 8000, log),
		EmbedRPS:        getEnvFloat("EMBED_RPS", 20, log),
		Port:            getEnv("PORT", "8080"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		CacheBackend:    getEnv("CACHE_BACKEND", "postgres"),
		CacheSQLitePath: getEnv("CACHE_SQLITE_PATH", "docsearch-cache.db"),
		IngestWorkers:   getEnvInt("INGEST_WORKERS", 4, log),
		MaxUploadMB:     getEnvInt("MAX_UPLOAD_MB", 50, log),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),
	}

	tuning, err := LoadTuning(getEnv("TUNING_FILE", ""))
	if err != nil {
		return nil, err
	}
	tuning.ChunkSize = getEnvInt("CHUNK_SIZE", tuning.ChunkSize, log)
	tuning.ChunkOverlap = getEnvInt("CHUNK_OVERLAP", tuning.ChunkOverlap, log)
	tuning.DocumentConcurrency = getEnvInt("DOC_CONCURRENCY", tuning.DocumentConcurrency, log)
	tuning.ResultCacheTTL = getEnvDuration("SEARCH_CACHE_TTL", tuning.ResultCacheTTL, log)
	tuning.Normalize(log)
	cfg.Tuning = tuning

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL not set")
	}
	switch cfg.CacheBackend {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("CACHE_BACKEND must be postgres or sqlite, got %q", cfg.CacheBackend)
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int, log *slog.Logger) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("env value is not an int, using default", slog.String("key", key), slog.String("value", v), slog.Int("default", def))
		return def
	}
	return n
}

func getEnvFloat(key string, def float64, log *slog.Logger) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn("env value is not a number, using default", slog.String("key", key), slog.String("value", v))
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration, log *slog.Logger) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn("env value is not a duration, using default", slog.String("key", key), slog.String("value", v))
		return def
	}
	return d
}
