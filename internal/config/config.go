package config

import (
	"context"
	"fmt"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the recall service.
type Config struct {
	// Store backend type: "sqlite", "sqlite-vec", "pgvector", "qdrant", or "memory".
	StoreType string

	// DBPath is the SQLite database file, or ":memory:" for an ephemeral store.
	// Used by the sqlite and sqlite-vec backends and the structured store.
	DBPath string

	// DBURL is the Postgres connection URL used by the pgvector backend.
	DBURL string

	// Run store migrations on startup.
	MigrateAtStart bool

	// Embedder type: "openai" or "local".
	EmbedType string

	// OpenAI
	OpenAIAPIKey   string
	ChatModel      string
	EmbeddingModel string
	OpenAIBaseURL  string

	// EmbeddingDimensions overrides the model's native dimension when > 0.
	EmbeddingDimensions int

	// EmbedBatchSize caps how many texts go into a single embeddings request.
	EmbedBatchSize int

	// EmbedCacheSize is the ristretto embedding cache budget in bytes.
	// Zero disables the cache.
	EmbedCacheSize int64

	// Qdrant
	QdrantHost           string
	QdrantPort           int
	QdrantCollectionName string
	QdrantAPIKey         string
	QdrantUseTLS         bool
	QdrantStartupTimeout time.Duration

	// DefaultUserID is the tenant used by MCP tools when the caller omits one.
	DefaultUserID string

	// AgentMaxSteps bounds the tool loop for structured UPDATE/DELETE.
	AgentMaxSteps int

	// Verbose switches the log level to debug.
	Verbose bool

	// ManagementPort serves /health, /ready and /metrics over HTTP when > 0.
	// The MCP transport itself stays on stdio.
	ManagementPort int

	// DB pool (pgvector backend)
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreType:            "sqlite",
		DBPath:               "recall.db",
		MigrateAtStart:       true,
		EmbedType:            "openai",
		ChatModel:            "gpt-5-nano",
		EmbeddingModel:       "text-embedding-3-small",
		OpenAIBaseURL:        "https://api.openai.com/v1",
		EmbedBatchSize:       96,
		EmbedCacheSize:       32 * 1024 * 1024, // 32 MB
		QdrantHost:           "localhost",
		QdrantPort:           6334,
		QdrantCollectionName: "recall-memories",
		QdrantStartupTimeout: 30 * time.Second,
		AgentMaxSteps:        10,
		DBMaxOpenConns:       25,
		DBMaxIdleConns:       5,
	}
}

// Error indicates invalid or missing configuration detected at startup.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config error on %s: %s", e.Field, e.Message)
}
