// Package sqlite provides the embedded SQLite MemoryStore. Vectors are
// persisted as JSON text and searched with a brute-force cosine scan, which
// keeps the adapter dependency-free of native vector extensions.
package sqlite

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/model"
	registrymigrate "github.com/recallhq/recall/internal/registry/migrate"
	registrystore "github.com/recallhq/recall/internal/registry/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

//go:embed db/sqlite-schema.sql
var schemaSQL string

// timeLayout keeps timestamps lexicographically sortable at millisecond
// precision, matching what the other SQL adapters persist.
const timeLayout = "2006-01-02T15:04:05.000Z"

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.MigrateAtStart || cfg.StoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return db.Exec(schemaSQL).Error
}

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "sqlite",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

func load(ctx context.Context) (registrystore.MemoryStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("sqlite: missing config in context")
	}
	db, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return NewStore(db)
}

func openDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// An in-memory database vanishes with its connection; pin the pool to one.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// memoryRow is the persisted shape of a model.Memory.
type memoryRow struct {
	ID        string `gorm:"primaryKey;column:id"`
	UserID    string `gorm:"column:user_id"`
	Content   string `gorm:"column:content"`
	Embedding string `gorm:"column:embedding"`
	Metadata  string `gorm:"column:metadata"`
	CreatedAt string `gorm:"column:created_at"`
	UpdatedAt string `gorm:"column:updated_at"`
}

func (memoryRow) TableName() string { return "memories" }

// Store implements MemoryStore over GORM + SQLite.
type Store struct {
	db  *gorm.DB
	dim int
}

// NewStore wraps an open GORM handle and ensures the schema exists.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.Exec(schemaSQL).Error; err != nil {
		return nil, &registrystore.StorageError{Op: "init", Err: err}
	}
	return &Store{db: db}, nil
}

func (s *Store) Name() string { return "sqlite" }

func (s *Store) Insert(ctx context.Context, userID, content string, embedding []float32, metadata map[string]string) (*model.Memory, error) {
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
	row, err := toRow(m)
	if err != nil {
		return nil, &registrystore.StorageError{Op: "insert", Err: err}
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, &registrystore.StorageError{Op: "insert", Err: err}
	}
	out := m.Clone()
	return &out, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, req registrystore.UpdateRequest) (*model.Memory, error) {
	var row memoryRow
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	if err != nil {
		return nil, &registrystore.StorageError{Op: "update", Err: err}
	}

	if req.Content != nil {
		row.Content = *req.Content
	}
	if req.Embedding != nil {
		b, err := json.Marshal(req.Embedding)
		if err != nil {
			return nil, &registrystore.StorageError{Op: "update", Err: err}
		}
		row.Embedding = string(b)
	}
	if req.Metadata != nil {
		b, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, &registrystore.StorageError{Op: "update", Err: err}
		}
		row.Metadata = string(b)
	}
	row.UpdatedAt = model.Now().UTC().Format(timeLayout)

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return nil, &registrystore.StorageError{Op: "update", Err: err}
	}
	m, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Exec("DELETE FROM memories WHERE id = ?", id.String()).Error; err != nil {
		return &registrystore.StorageError{Op: "delete", Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	var row memoryRow
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, &registrystore.StorageError{Op: "get", Err: err}
	}
	m, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) List(ctx context.Context, userID string, opts registrystore.ListOptions) ([]model.Memory, error) {
	q := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, rowid ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	var rows []memoryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, &registrystore.StorageError{Op: "list", Err: err}
	}
	return fromRows(rows)
}

func (s *Store) Count(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&memoryRow{}).Where("user_id = ?", userID).Count(&n).Error
	if err != nil {
		return 0, &registrystore.StorageError{Op: "count", Err: err}
	}
	return n, nil
}

func (s *Store) Clear(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Exec("DELETE FROM memories WHERE user_id = ?", userID).Error; err != nil {
		return &registrystore.StorageError{Op: "clear", Err: err}
	}
	return nil
}

func (s *Store) QueryByEmbedding(ctx context.Context, embedding []float32, userID string, k int) ([]model.Memory, error) {
	if k <= 0 {
		return []model.Memory{}, nil
	}
	var rows []memoryRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, &registrystore.StorageError{Op: "query", Err: err}
	}
	memories, err := fromRows(rows)
	if err != nil {
		return nil, err
	}
	type scored struct {
		mem   model.Memory
		score float64
	}
	scoredRows := make([]scored, len(memories))
	for i, m := range memories {
		scoredRows[i] = scored{mem: m, score: registrystore.CosineSimilarity(embedding, m.Embedding)}
	}
	sort.SliceStable(scoredRows, func(i, j int) bool {
		return scoredRows[i].score > scoredRows[j].score
	})
	if k < len(scoredRows) {
		scoredRows = scoredRows[:k]
	}
	out := make([]model.Memory, len(scoredRows))
	for i, sr := range scoredRows {
		out[i] = sr.mem
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(m model.Memory) (memoryRow, error) {
	emb, err := json.Marshal(m.Embedding)
	if err != nil {
		return memoryRow{}, err
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return memoryRow{}, err
	}
	return memoryRow{
		ID:        m.ID.String(),
		UserID:    m.UserID,
		Content:   m.Content,
		Embedding: string(emb),
		Metadata:  string(meta),
		CreatedAt: m.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: m.UpdatedAt.UTC().Format(timeLayout),
	}, nil
}

// fromRow decodes a persisted row. Malformed JSON in the embedding or
// metadata columns means the database was corrupted outside this process and
// is surfaced as a StorageError rather than skipped.
func fromRow(row memoryRow) (model.Memory, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return model.Memory{}, &registrystore.StorageError{Op: "decode", Err: fmt.Errorf("bad id %q: %w", row.ID, err)}
	}
	var embedding []float32
	if err := json.Unmarshal([]byte(row.Embedding), &embedding); err != nil {
		return model.Memory{}, &registrystore.StorageError{Op: "decode", Err: fmt.Errorf("bad embedding for %s: %w", row.ID, err)}
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(row.Metadata), &metadata); err != nil {
		return model.Memory{}, &registrystore.StorageError{Op: "decode", Err: fmt.Errorf("bad metadata for %s: %w", row.ID, err)}
	}
	createdAt, err := time.Parse(timeLayout, row.CreatedAt)
	if err != nil {
		return model.Memory{}, &registrystore.StorageError{Op: "decode", Err: fmt.Errorf("bad created_at for %s: %w", row.ID, err)}
	}
	updatedAt, err := time.Parse(timeLayout, row.UpdatedAt)
	if err != nil {
		return model.Memory{}, &registrystore.StorageError{Op: "decode", Err: fmt.Errorf("bad updated_at for %s: %w", row.ID, err)}
	}
	return model.Memory{
		ID:        id,
		UserID:    row.UserID,
		Content:   row.Content,
		Embedding: embedding,
		Metadata:  metadata,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func fromRows(rows []memoryRow) ([]model.Memory, error) {
	out := make([]model.Memory, 0, len(rows))
	for _, row := range rows {
		m, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

var _ registrystore.MemoryStore = (*Store)(nil)
