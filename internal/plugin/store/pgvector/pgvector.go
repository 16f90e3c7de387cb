// Package pgvector provides the Postgres MemoryStore backed by the pgvector
// extension. Similarity search runs through the native HNSW cosine index
// instead of a client-side scan.
package pgvector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	pgvec "github.com/pgvector/pgvector-go"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/model"
	registrymigrate "github.com/recallhq/recall/internal/registry/migrate"
	registrystore "github.com/recallhq/recall/internal/registry/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const defaultDimension = 1536 // text-embedding-3-small

type pgvectorMigrator struct{}

func (m *pgvectorMigrator) Name() string { return "pgvector" }
func (m *pgvectorMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.MigrateAtStart || cfg.StoreType != "pgvector" || cfg.DBURL == "" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openDB(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}
	return db.WithContext(ctx).Exec(schemaSQL(effectiveDimension(cfg))).Error
}

func schemaSQL(dim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id         UUID PRIMARY KEY,
    user_id    TEXT NOT NULL,
    content    TEXT NOT NULL,
    embedding  vector(%d) NOT NULL,
    metadata   JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    seq        BIGSERIAL
);

CREATE INDEX IF NOT EXISTS idx_memories_user_id ON memories(user_id);
CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);
`, dim)
}

func effectiveDimension(cfg *config.Config) int {
	if cfg.EmbeddingDimensions > 0 {
		return cfg.EmbeddingDimensions
	}
	return defaultDimension
}

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "pgvector",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: &pgvectorMigrator{}})
}

func load(ctx context.Context) (registrystore.MemoryStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("pgvector: missing config in context")
	}
	if cfg.DBURL == "" {
		return nil, &config.Error{Field: "db-url", Message: "required for the pgvector store"}
	}
	db, err := openDB(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	return &Store{db: db, dim: effectiveDimension(cfg)}, nil
}

func openDB(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
}

// Store implements MemoryStore using GORM + Postgres + pgvector.
type Store struct {
	db  *gorm.DB
	dim int
}

// NewStore wraps an open GORM handle, creating the schema for the given
// dimension if needed.
func NewStore(db *gorm.DB, dim int) (*Store, error) {
	if err := db.Exec(schemaSQL(dim)).Error; err != nil {
		return nil, &registrystore.StorageError{Op: "init", Err: err}
	}
	return &Store{db: db, dim: dim}, nil
}

func (s *Store) Name() string { return "pgvector" }

func (s *Store) Insert(ctx context.Context, userID, content string, embedding []float32, metadata map[string]string) (*model.Memory, error) {
	if len(embedding) != s.dim {
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
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "insert", Err: err}
	}
	err = s.db.WithContext(ctx).Exec(`
		INSERT INTO memories (id, user_id, content, embedding, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?::jsonb, ?, ?)`,
		m.ID, userID, content, pgvec.NewVector(embedding), string(meta), now, now,
	).Error
	if err != nil {
		return nil, wrapPgError("insert", err)
	}
	out := m.Clone()
	return &out, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, req registrystore.UpdateRequest) (*model.Memory, error) {
	sets := []string{"updated_at = ?"}
	now := model.Now()
	args := []any{now}
	if req.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *req.Content)
	}
	if req.Embedding != nil {
		if len(req.Embedding) != s.dim {
			return nil, &registrystore.DimensionError{Want: s.dim, Got: len(req.Embedding)}
		}
		sets = append(sets, "embedding = ?")
		args = append(args, pgvec.NewVector(req.Embedding))
	}
	if req.Metadata != nil {
		meta, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, &registrystore.StorageError{Op: "update", Err: err}
		}
		sets = append(sets, "metadata = ?::jsonb")
		args = append(args, string(meta))
	}
	args = append(args, id)

	res := s.db.WithContext(ctx).Exec(
		"UPDATE memories SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if res.Error != nil {
		return nil, wrapPgError("update", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	return s.Get(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Exec("DELETE FROM memories WHERE id = ?", id).Error; err != nil {
		return wrapPgError("delete", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT id, user_id, content, embedding, metadata, created_at, updated_at
		FROM memories WHERE id = ?`, id).Rows()
	if err != nil {
		return nil, wrapPgError("get", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	m, err := scanMemory(rows.Scan)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) List(ctx context.Context, userID string, opts registrystore.ListOptions) ([]model.Memory, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // LIMIT ALL
	}
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT id, user_id, content, embedding, metadata, created_at, updated_at
		FROM memories
		WHERE user_id = ?
		ORDER BY created_at DESC, seq ASC
		LIMIT NULLIF(?, -1) OFFSET ?`,
		userID, limit, opts.Offset,
	).Rows()
	if err != nil {
		return nil, wrapPgError("list", err)
	}
	defer rows.Close()
	return collectRows(rows.Next, rows.Scan)
}

func (s *Store) Count(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Raw("SELECT COUNT(*) FROM memories WHERE user_id = ?", userID).Scan(&n).Error
	if err != nil {
		return 0, wrapPgError("count", err)
	}
	return n, nil
}

func (s *Store) Clear(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Exec("DELETE FROM memories WHERE user_id = ?", userID).Error; err != nil {
		return wrapPgError("clear", err)
	}
	return nil
}

func (s *Store) QueryByEmbedding(ctx context.Context, embedding []float32, userID string, k int) ([]model.Memory, error) {
	if k <= 0 {
		return []model.Memory{}, nil
	}
	vec := pgvec.NewVector(embedding)
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT id, user_id, content, embedding, metadata, created_at, updated_at
		FROM memories
		WHERE user_id = ?
		ORDER BY embedding <=> ?
		LIMIT ?`,
		userID, vec, k,
	).Rows()
	if err != nil {
		return nil, wrapPgError("query", err)
	}
	defer rows.Close()
	return collectRows(rows.Next, rows.Scan)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func scanMemory(scan func(dest ...any) error) (*model.Memory, error) {
	var m model.Memory
	var vec pgvec.Vector
	var meta []byte
	if err := scan(&m.ID, &m.UserID, &m.Content, &vec, &meta, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, &registrystore.StorageError{Op: "scan", Err: err}
	}
	m.Embedding = vec.Slice()
	if err := json.Unmarshal(meta, &m.Metadata); err != nil {
		return nil, &registrystore.StorageError{Op: "decode", Err: fmt.Errorf("bad metadata for %s: %w", m.ID, err)}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func collectRows(next func() bool, scan func(dest ...any) error) ([]model.Memory, error) {
	out := []model.Memory{}
	for next() {
		m, err := scanMemory(scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// wrapPgError keeps the Postgres error code visible in the wrapped message.
func wrapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &registrystore.StorageError{Op: op, Err: fmt.Errorf("%s (%s)", pgErr.Message, pgErr.Code)}
	}
	return &registrystore.StorageError{Op: op, Err: err}
}

var _ registrystore.MemoryStore = (*Store)(nil)
