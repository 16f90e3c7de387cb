// Package sqlitevec provides a SQLite MemoryStore that delegates k-NN to the
// sqlite-vec extension instead of scanning rows in Go. Rows live in a plain
// memories table; embeddings live in a vec0 shadow table with a cosine
// distance metric.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/model"
	registrymigrate "github.com/recallhq/recall/internal/registry/migrate"
	registrystore "github.com/recallhq/recall/internal/registry/store"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

const defaultDimension = 1536 // text-embedding-3-small

var vecInitOnce sync.Once

func openDB(path string) (*sql.DB, error) {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver
	// before the first connection is opened.
	vecInitOnce.Do(func() { vec.Auto() })
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// An in-memory database vanishes with its connection; pin the pool to one.
	db.SetMaxOpenConns(1)
	return db, nil
}

func schemaSQL(dim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memories (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    content    TEXT NOT NULL,
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user_id ON memories(user_id);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_vec USING vec0(
    memory_id TEXT PRIMARY KEY,
    user_id   TEXT,
    embedding float[%d] distance_metric=cosine
);
`, dim)
}

func effectiveDimension(cfg *config.Config) int {
	if cfg.EmbeddingDimensions > 0 {
		return cfg.EmbeddingDimensions
	}
	return defaultDimension
}

type sqlitevecMigrator struct{}

func (m *sqlitevecMigrator) Name() string { return "sqlite-vec" }
func (m *sqlitevecMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.MigrateAtStart || cfg.StoreType != "sqlite-vec" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("sqlite-vec migrate: %w", err)
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, schemaSQL(effectiveDimension(cfg)))
	return err
}

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "sqlite-vec",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqlitevecMigrator{}})
}

func load(ctx context.Context) (registrystore.MemoryStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("sqlite-vec: missing config in context")
	}
	db, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite-vec: %w", err)
	}
	return NewStore(db, effectiveDimension(cfg))
}

// Store implements MemoryStore over database/sql + sqlite-vec.
type Store struct {
	db  *sql.DB
	dim int
}

// NewStore wraps an open handle and ensures the schema exists for dim.
func NewStore(db *sql.DB, dim int) (*Store, error) {
	if _, err := db.Exec(schemaSQL(dim)); err != nil {
		return nil, &registrystore.StorageError{Op: "init", Err: err}
	}
	return &Store{db: db, dim: dim}, nil
}

func (s *Store) Name() string { return "sqlite-vec" }

func (s *Store) Insert(ctx context.Context, userID, content string, embedding []float32, metadata map[string]string) (*model.Memory, error) {
	if len(embedding) != s.dim {
		return nil, &registrystore.DimensionError{Want: s.dim, Got: len(embedding)}
	}
	blob, err := vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "insert", Err: err}
	}
	now := model.Now()
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "insert", Err: err}
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "insert", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	ts := now.Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memories (id, user_id, content, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		m.ID.String(), userID, content, string(meta), ts, ts,
	); err != nil {
		return nil, &registrystore.StorageError{Op: "insert", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memories_vec (memory_id, user_id, embedding) VALUES (?, ?, vec_f32(?))",
		m.ID.String(), userID, blob,
	); err != nil {
		return nil, &registrystore.StorageError{Op: "insert", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &registrystore.StorageError{Op: "insert", Err: err}
	}
	out := m.Clone()
	return &out, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, req registrystore.UpdateRequest) (*model.Memory, error) {
	if req.Embedding != nil && len(req.Embedding) != s.dim {
		return nil, &registrystore.DimensionError{Want: s.dim, Got: len(req.Embedding)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "update", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	sets := []string{"updated_at = ?"}
	args := []any{model.Now().Format(timeLayout)}
	if req.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *req.Content)
	}
	if req.Metadata != nil {
		meta, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, &registrystore.StorageError{Op: "update", Err: err}
		}
		sets = append(sets, "metadata = ?")
		args = append(args, string(meta))
	}
	args = append(args, id.String())

	res, err := tx.ExecContext(ctx,
		"UPDATE memories SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "update", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	if req.Embedding != nil {
		blob, err := vec.SerializeFloat32(req.Embedding)
		if err != nil {
			return nil, &registrystore.StorageError{Op: "update", Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE memories_vec SET embedding = vec_f32(?) WHERE memory_id = ?",
			blob, id.String(),
		); err != nil {
			return nil, &registrystore.StorageError{Op: "update", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, &registrystore.StorageError{Op: "update", Err: err}
	}
	return s.Get(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &registrystore.StorageError{Op: "delete", Err: err}
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id.String()); err != nil {
		return &registrystore.StorageError{Op: "delete", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memories_vec WHERE memory_id = ?", id.String()); err != nil {
		return &registrystore.StorageError{Op: "delete", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &registrystore.StorageError{Op: "delete", Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, content, metadata, created_at, updated_at FROM memories WHERE id = ?",
		id.String())
	m, err := scanMemory(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadEmbedding(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) List(ctx context.Context, userID string, opts registrystore.ListOptions) ([]model.Memory, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, metadata, created_at, updated_at
		FROM memories
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid ASC
		LIMIT ? OFFSET ?`,
		userID, limit, opts.Offset)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	out := []model.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, &registrystore.StorageError{Op: "list", Err: err}
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return 0, &registrystore.StorageError{Op: "count", Err: err}
	}
	return n, nil
}

func (s *Store) Clear(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &registrystore.StorageError{Op: "clear", Err: err}
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE user_id = ?", userID); err != nil {
		return &registrystore.StorageError{Op: "clear", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memories_vec WHERE user_id = ?", userID); err != nil {
		return &registrystore.StorageError{Op: "clear", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &registrystore.StorageError{Op: "clear", Err: err}
	}
	return nil
}

func (s *Store) QueryByEmbedding(ctx context.Context, embedding []float32, userID string, k int) ([]model.Memory, error) {
	if k <= 0 {
		return []model.Memory{}, nil
	}
	if len(embedding) != s.dim {
		return nil, &registrystore.DimensionError{Want: s.dim, Got: len(embedding)}
	}
	blob, err := vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "query", Err: err}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id
		FROM memories_vec
		WHERE embedding MATCH vec_f32(?) AND k = ? AND user_id = ?
		ORDER BY distance`,
		blob, k, userID)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &registrystore.StorageError{Op: "query", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &registrystore.StorageError{Op: "query", Err: err}
	}

	// Fetch the rows and return them in the index's distance order.
	out := make([]model.Memory, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, &registrystore.StorageError{Op: "query", Err: fmt.Errorf("bad id %q: %w", idStr, err)}
		}
		m, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

// loadEmbedding hydrates m.Embedding from the vec0 shadow table.
func (s *Store) loadEmbedding(ctx context.Context, m *model.Memory) error {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT embedding FROM memories_vec WHERE memory_id = ?", m.ID.String()).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return &registrystore.StorageError{Op: "get", Err: err}
	}
	m.Embedding = deserializeFloat32(blob)
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func scanMemory(scan func(dest ...any) error) (*model.Memory, error) {
	var idStr, userID, content, metaStr, createdStr, updatedStr string
	if err := scan(&idStr, &userID, &content, &metaStr, &createdStr, &updatedStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, &registrystore.StorageError{Op: "scan", Err: err}
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "decode", Err: fmt.Errorf("bad id %q: %w", idStr, err)}
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(metaStr), &metadata); err != nil {
		return nil, &registrystore.StorageError{Op: "decode", Err: fmt.Errorf("bad metadata for %s: %w", idStr, err)}
	}
	createdAt, err := time.Parse(timeLayout, createdStr)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "decode", Err: fmt.Errorf("bad created_at for %s: %w", idStr, err)}
	}
	updatedAt, err := time.Parse(timeLayout, updatedStr)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "decode", Err: fmt.Errorf("bad updated_at for %s: %w", idStr, err)}
	}
	return &model.Memory{
		ID:        id,
		UserID:    userID,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

// deserializeFloat32 reverses vec.SerializeFloat32 (little-endian float32s).
func deserializeFloat32(blob []byte) []float32 {
	out := make([]float32, len(blob)/4)
	for i := range out {
		bits := uint32(blob[i*4]) | uint32(blob[i*4+1])<<8 | uint32(blob[i*4+2])<<16 | uint32(blob[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

var _ registrystore.MemoryStore = (*Store)(nil)
