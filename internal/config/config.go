package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the question answering service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	StaticDir        string
	AllowAnyOrigin   bool

	MemoryMaxTurns       int
	MemorySessionIdleTTL time.Duration
	MemoryMaxSessions    int
	MemoryRedactPII      bool

	RetrievalBackend      string
	RetrievalCollection   string
	RetrievalBoltPath     string
	RetrievalSQLitePath   string
	RetrievalEmbeddingDim int
	RetrievalTimeout      time.Duration
	DatabaseURL           string
	ChromaURL             string

	GenerationBackend string
	GenerationTimeout time.Duration
	OllamaURL         string
	OllamaModel       string
	OllamaEmbedModel  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "ragchat"),
		StaticDir:        trimmedEnv("APP_STATIC_DIR"),
		AllowAnyOrigin:   false,
		ShutdownTimeout:  15 * time.Second,

		// Counted in messages: 5 keeps two and a half question/answer rounds.
		MemoryMaxTurns:       5,
		MemorySessionIdleTTL: 30 * time.Minute,
		MemoryMaxSessions:    10000,

		RetrievalBackend:    envOrDefault("RETRIEVAL_BACKEND", "bolt"),
		RetrievalCollection: envOrDefault("RETRIEVAL_COLLECTION", "docs"),
		RetrievalBoltPath:   envOrDefault("RETRIEVAL_BOLT_PATH", "db/docs.bolt"),
		RetrievalSQLitePath: envOrDefault("RETRIEVAL_SQLITE_PATH", "db/docs.sqlite"),
		// nomic-embed-text produces 768-dimensional vectors.
		RetrievalEmbeddingDim: 768,
		RetrievalTimeout:      10 * time.Second,
		DatabaseURL:           trimmedEnv("DATABASE_URL"),
		ChromaURL:             trimmedEnv("CHROMA_URL"),

		GenerationBackend: envOrDefault("GENERATION_BACKEND", "ollama"),
		GenerationTimeout: 120 * time.Second,
		OllamaURL:         envOrDefault("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:       envOrDefault("OLLAMA_MODEL", "mistral:latest"),
		OllamaEmbedModel:  envOrDefault("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.MemoryMaxTurns, err = intFromEnv("MEMORY_MAX_TURNS", cfg.MemoryMaxTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.MemorySessionIdleTTL, err = durationFromEnv("MEMORY_SESSION_IDLE_TTL", cfg.MemorySessionIdleTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryMaxSessions, err = intFromEnv("MEMORY_MAX_SESSIONS", cfg.MemoryMaxSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRedactPII, err = boolFromEnv("MEMORY_REDACT_PII", cfg.MemoryRedactPII)
	if err != nil {
		return Config{}, err
	}

	cfg.RetrievalEmbeddingDim, err = intFromEnv("RETRIEVAL_EMBEDDING_DIM", cfg.RetrievalEmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalTimeout, err = durationFromEnv("RETRIEVAL_TIMEOUT", cfg.RetrievalTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTimeout, err = durationFromEnv("GENERATION_TIMEOUT", cfg.GenerationTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.MemoryMaxTurns <= 0 {
		return Config{}, fmt.Errorf("MEMORY_MAX_TURNS must be positive")
	}
	if cfg.MemoryMaxSessions <= 0 {
		return Config{}, fmt.Errorf("MEMORY_MAX_SESSIONS must be positive")
	}
	if cfg.MemorySessionIdleTTL < 0 {
		return Config{}, fmt.Errorf("MEMORY_SESSION_IDLE_TTL must be >= 0")
	}
	if cfg.RetrievalEmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("RETRIEVAL_EMBEDDING_DIM must be positive")
	}
	if cfg.RetrievalTimeout < 0 || cfg.GenerationTimeout < 0 {
		return Config{}, fmt.Errorf("RETRIEVAL_TIMEOUT and GENERATION_TIMEOUT must be >= 0")
	}
	switch strings.ToLower(cfg.RetrievalBackend) {
	case "bolt", "sqlite", "pgvector", "postgres", "chroma", "mock", "memory":
	default:
		return Config{}, fmt.Errorf("invalid RETRIEVAL_BACKEND: %q (expected bolt|sqlite|pgvector|chroma|mock)", cfg.RetrievalBackend)
	}
	switch strings.ToLower(cfg.GenerationBackend) {
	case "ollama", "mock":
	default:
		return Config{}, fmt.Errorf("invalid GENERATION_BACKEND: %q (expected ollama|mock)", cfg.GenerationBackend)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
