// Package memory provides the in-process MemoryStore used for tests and
// ephemeral runs. It matches the SQL adapters behaviourally except for
// durability.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/recallhq/recall/internal/model"
	registrystore "github.com/recallhq/recall/internal/registry/store"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "memory",
		Loader: func(_ context.Context) (registrystore.MemoryStore, error) {
			return New(), nil
		},
	})
}

type row struct {
	mem model.Memory
	seq uint64
}

// Store is a mutex-guarded map store with brute-force cosine search.
type Store struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]row
	seq  uint64
	dim  int
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{rows: make(map[uuid.UUID]row)}
}

func (s *Store) Name() string { return "memory" }

func (s *Store) Insert(_ context.Context, userID, content string, embedding []float32, metadata map[string]string) (*model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The first insert fixes the store's dimension.
	if s.dim == 0 {
		s.dim = len(embedding)
	} else if len(embedding) != s.dim {
		return nil, &registrystore.DimensionError{Want: s.dim, Got: len(embedding)}
	}

	now := model.Now()
	if metadata == nil {
		metadata = map[string]string{}
	}
	m := model.Memory{
		ID:        uuid.New(),
		UserID:    userID,
		Content:   content,
		Embedding: embedding,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.seq++
	s.rows[m.ID] = row{mem: m.Clone(), seq: s.seq}
	out := m.Clone()
	return &out, nil
}

func (s *Store) Update(_ context.Context, id uuid.UUID, req registrystore.UpdateRequest) (*model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	if req.Content != nil {
		r.mem.Content = *req.Content
	}
	if req.Embedding != nil {
		r.mem.Embedding = append([]float32(nil), req.Embedding...)
	}
	if req.Metadata != nil {
		r.mem.Metadata = req.Metadata
	}
	r.mem.UpdatedAt = model.Now()
	s.rows[id] = row{mem: r.mem.Clone(), seq: r.seq}
	out := r.mem.Clone()
	return &out, nil
}

func (s *Store) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	out := r.mem.Clone()
	return &out, nil
}

func (s *Store) List(_ context.Context, userID string, opts registrystore.ListOptions) ([]model.Memory, error) {
	s.mu.RLock()
	rows := s.tenantRows(userID)
	s.mu.RUnlock()

	// Newest first; equal timestamps keep insertion order.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].mem.CreatedAt.Equal(rows[j].mem.CreatedAt) {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].mem.CreatedAt.After(rows[j].mem.CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			return []model.Memory{}, nil
		}
		rows = rows[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(rows) {
		rows = rows[:opts.Limit]
	}
	out := make([]model.Memory, len(rows))
	for i, r := range rows {
		out[i] = r.mem.Clone()
	}
	return out, nil
}

func (s *Store) Count(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.rows {
		if r.mem.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *Store) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rows {
		if r.mem.UserID == userID {
			delete(s.rows, id)
		}
	}
	return nil
}

func (s *Store) QueryByEmbedding(_ context.Context, embedding []float32, userID string, k int) ([]model.Memory, error) {
	if k <= 0 {
		return []model.Memory{}, nil
	}
	s.mu.RLock()
	rows := s.tenantRows(userID)
	s.mu.RUnlock()

	type scored struct {
		mem   model.Memory
		seq   uint64
		score float64
	}
	scoredRows := make([]scored, 0, len(rows))
	for _, r := range rows {
		scoredRows = append(scoredRows, scored{
			mem:   r.mem,
			seq:   r.seq,
			score: registrystore.CosineSimilarity(embedding, r.mem.Embedding),
		})
	}
	// Equal scores fall back to insertion order, matching the SQL adapters.
	sort.SliceStable(scoredRows, func(i, j int) bool {
		if scoredRows[i].score == scoredRows[j].score {
			return scoredRows[i].seq < scoredRows[j].seq
		}
		return scoredRows[i].score > scoredRows[j].score
	})
	if k < len(scoredRows) {
		scoredRows = scoredRows[:k]
	}
	out := make([]model.Memory, len(scoredRows))
	for i, sr := range scoredRows {
		out[i] = sr.mem.Clone()
	}
	return out, nil
}

// tenantRows must be called with the lock held; returned rows alias store
// state and are cloned before leaving the adapter.
func (s *Store) tenantRows(userID string) []row {
	rows := make([]row, 0, len(s.rows))
	for _, r := range s.rows {
		if r.mem.UserID == userID {
			rows = append(rows, r)
		}
	}
	return rows
}

func (s *Store) Close() error { return nil }

var _ registrystore.MemoryStore = (*Store)(nil)
