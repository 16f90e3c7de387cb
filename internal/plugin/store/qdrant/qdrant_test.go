package qdrant

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/internal/config"
	registrystore "github.com/recallhq/recall/internal/registry/store"
	"github.com/recallhq/recall/internal/testutil/testqdrant"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	host, port := testqdrant.StartQdrant(t)

	cfg := config.DefaultConfig()
	cfg.StoreType = "qdrant"
	cfg.QdrantHost = host
	cfg.QdrantPort = port
	cfg.QdrantCollectionName = "recall-test-" + uuid.NewString()
	cfg.EmbeddingDimensions = 3
	cfg.MigrateAtStart = true

	ctx := config.WithContext(context.Background(), &cfg)
	require.NoError(t, (&qdrantMigrator{}).Migrate(ctx))

	st, err := load(ctx)
	require.NoError(t, err)
	s := st.(*Store)
	t.Cleanup(func() { _ = s.Close() })
	return s, ctx
}

func TestRoundTrip(t *testing.T) {
	s, ctx := newTestStore(t)

	m, err := s.Insert(ctx, "alice", "User trains MMA", []float32{0.9, 0.1, 0.1}, map[string]string{"source": "test"})
	require.NoError(t, err)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "User trains MMA", got.Content)
	require.Equal(t, "alice", got.UserID)
	require.Equal(t, map[string]string{"source": "test"}, got.Metadata)
	require.Equal(t, m.CreatedAt, got.CreatedAt)

	content := "User trains MMA twice a week"
	updated, err := s.Update(ctx, m.ID, registrystore.UpdateRequest{
		Content:   &content,
		Embedding: []float32{0.8, 0.2, 0.1},
	})
	require.NoError(t, err)
	require.Equal(t, content, updated.Content)
	require.Equal(t, map[string]string{"source": "test"}, updated.Metadata)

	require.NoError(t, s.Delete(ctx, m.ID))
	got, err = s.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdateMissingIDIsNotFound(t *testing.T) {
	s, ctx := newTestStore(t)

	content := "anything"
	_, err := s.Update(ctx, uuid.New(), registrystore.UpdateRequest{Content: &content})
	require.True(t, registrystore.IsNotFound(err))
}

func TestQueryByEmbeddingFiltersTenant(t *testing.T) {
	s, ctx := newTestStore(t)

	closest, err := s.Insert(ctx, "alice", "closest", []float32{0.9, 0.1, 0.1}, nil)
	require.NoError(t, err)
	_, err = s.Insert(ctx, "alice", "farthest", []float32{0.1, 0.9, 0.1}, nil)
	require.NoError(t, err)
	_, err = s.Insert(ctx, "bob", "other tenant", []float32{0.9, 0.1, 0.1}, nil)
	require.NoError(t, err)

	hits, err := s.QueryByEmbedding(ctx, []float32{1, 0, 0}, "alice", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, closest.ID, hits[0].ID)

	n, err := s.Count(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, s.Clear(ctx, "alice"))
	n, err = s.Count(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	n, err = s.Count(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
