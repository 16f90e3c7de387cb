package store

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/recallhq/recall/internal/model"
)

// UpdateRequest holds the partial fields for a memory update.
// Nil fields are left untouched.
type UpdateRequest struct {
	// Content replaces the fact text when non-nil.
	Content *string
	// Embedding replaces the stored vector when non-nil. Callers that change
	// Content must supply the re-embedded vector in the same call.
	Embedding []float32
	// Metadata replaces the full metadata bag when non-nil.
	Metadata map[string]string
}

// ListOptions pages a tenant listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// MemoryStore is the pluggable vector store adapter. Every call that touches
// rows is explicit about the tenant; implementations filter to the tenant
// before scoring similarity.
type MemoryStore interface {
	// Insert assigns a new UUID and identical created/updated timestamps.
	Insert(ctx context.Context, userID, content string, embedding []float32, metadata map[string]string) (*model.Memory, error)
	// Update applies a partial update and advances UpdatedAt.
	// Returns NotFoundError when the id is absent.
	Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*model.Memory, error)
	// Delete removes a row. Deleting a missing id is not an error.
	Delete(ctx context.Context, id uuid.UUID) error
	// Get returns the row or nil when absent.
	Get(ctx context.Context, id uuid.UUID) (*model.Memory, error)
	// List returns the tenant's rows sorted by CreatedAt descending,
	// insertion order as the tiebreaker.
	List(ctx context.Context, userID string, opts ListOptions) ([]model.Memory, error)
	// Count returns the tenant's row count.
	Count(ctx context.Context, userID string) (int64, error)
	// Clear removes every row for the tenant.
	Clear(ctx context.Context, userID string) error
	// QueryByEmbedding returns the top-k rows by cosine similarity, descending.
	QueryByEmbedding(ctx context.Context, embedding []float32, userID string, k int) ([]model.Memory, error)
	// Close releases the connection pool or file handle.
	Close() error
	// Name returns the plugin name (e.g. "sqlite", "pgvector").
	Name() string
}

// CosineSimilarity returns sum(a·b) / (|a|·|b|), or 0 for zero vectors or
// mismatched lengths. The brute-force adapters and the client-side threshold
// filter both use this so scoring is uniform across backends.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Loader creates a MemoryStore from config.
type Loader func(ctx context.Context) (MemoryStore, error)

// Plugin represents a memory store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a memory store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown memory store %q; valid: %v", name, Names())
}
