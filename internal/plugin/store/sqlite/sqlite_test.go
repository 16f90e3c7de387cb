package sqlite

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	registrystore "github.com/recallhq/recall/internal/registry/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := openDB(":memory:")
	require.NoError(t, err)
	st, err := NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	m, err := st.Insert(ctx, "alice", "User works at Google", []float32{1, 0, 0}, map[string]string{"source": "test"})
	require.NoError(t, err)

	got, err := st.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.Content, got.Content)
	require.Equal(t, []float32{1, 0, 0}, got.Embedding)
	require.Equal(t, "test", got.Metadata["source"])
	require.True(t, got.CreatedAt.Equal(m.CreatedAt), "millisecond precision must survive the round trip")

	content := "User works at Anthropic"
	updated, err := st.Update(ctx, m.ID, registrystore.UpdateRequest{
		Content:   &content,
		Embedding: []float32{0, 1, 0},
	})
	require.NoError(t, err)
	require.Equal(t, content, updated.Content)
	require.Equal(t, []float32{0, 1, 0}, updated.Embedding)
	require.Equal(t, "test", updated.Metadata["source"])

	require.NoError(t, st.Delete(ctx, m.ID))
	got, err = st.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, st.Delete(ctx, m.ID))
}

func TestGetMissingReturnsNil(t *testing.T) {
	st := newTestStore(t)
	got, err := st.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdateMissingIDIsNotFound(t *testing.T) {
	st := newTestStore(t)
	content := "x"
	_, err := st.Update(context.Background(), uuid.New(), registrystore.UpdateRequest{Content: &content})
	require.True(t, registrystore.IsNotFound(err))
}

func TestDimensionFixedOnFirstInsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, "alice", "a", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	_, err = st.Insert(ctx, "alice", "b", []float32{1, 0}, nil)
	var dimErr *registrystore.DimensionError
	require.ErrorAs(t, err, &dimErr)
}

func TestTenantIsolation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, "alice", "alice fact", []float32{1, 0, 0}, nil)
	require.NoError(t, err)
	_, err = st.Insert(ctx, "bob", "bob fact", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	list, err := st.List(ctx, "alice", registrystore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "alice fact", list[0].Content)

	hits, err := st.QueryByEmbedding(ctx, []float32{1, 0, 0}, "bob", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "bob fact", hits[0].Content)

	require.NoError(t, st.Clear(ctx, "alice"))
	n, err := st.Count(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
	n, err = st.Count(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestListPagesNewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		_, err := st.Insert(ctx, "alice", content, []float32{1, 0, 0}, nil)
		require.NoError(t, err)
	}

	all, err := st.List(ctx, "alice", registrystore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	page, err := st.List(ctx, "alice", registrystore.ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, all[1].ID, page[0].ID)
	require.Equal(t, all[2].ID, page[1].ID)
}

func TestQueryByEmbeddingOrdersBySimilarity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, "alice", "closest", []float32{0.9, 0.1, 0.1}, nil)
	require.NoError(t, err)
	_, err = st.Insert(ctx, "alice", "middle", []float32{0.5, 0.5, 0.5}, nil)
	require.NoError(t, err)
	_, err = st.Insert(ctx, "alice", "farthest", []float32{0.1, 0.9, 0.1}, nil)
	require.NoError(t, err)

	hits, err := st.QueryByEmbedding(ctx, []float32{1, 0, 0}, "alice", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "closest", hits[0].Content)
	require.Equal(t, "middle", hits[1].Content)
}
