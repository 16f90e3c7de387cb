package model

import (
	"time"

	"github.com/google/uuid"
)

// Metadata keys the pipeline reserves for provenance tracking.
const (
	MetadataSource   = "source"
	MetadataSourceID = "sourceId"
)

// Memory is a single persisted fact about a user.
// Each row carries the third-person fact text plus its embedding vector.
type Memory struct {
	// ID is the primary key (UUID), assigned at insertion.
	ID uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`

	// UserID partitions the store per tenant. Never mutates after insert.
	UserID string `json:"userId" gorm:"not null;index:idx_memories_user_id;column:user_id"`

	// Content is the atomic third-person fact.
	Content string `json:"content" gorm:"not null"`

	// Embedding is the dense vector for Content. Its length is fixed by the
	// embedder for the lifetime of the store; re-embedded whenever Content changes.
	Embedding []float32 `json:"embedding,omitempty" gorm:"-"`

	// Metadata is an open string bag. "source" and "sourceId" are reserved.
	Metadata map[string]string `json:"metadata" gorm:"-"`

	// CreatedAt is when the row was inserted (millisecond precision).
	CreatedAt time.Time `json:"createdAt" gorm:"not null;column:created_at"`

	// UpdatedAt advances on every mutation. Equals CreatedAt at insertion.
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;column:updated_at"`
}

// TableName implements gorm.Tabler.
func (Memory) TableName() string { return "memories" }

// Clone returns a deep copy so adapters can hand out rows without aliasing
// their internal state.
func (m Memory) Clone() Memory {
	out := m
	if m.Embedding != nil {
		out.Embedding = make([]float32, len(m.Embedding))
		copy(out.Embedding, m.Embedding)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Now returns the current time truncated to millisecond precision, the
// granularity every adapter persists.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
