package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	memstore "github.com/recallhq/recall/internal/plugin/store/memory"
	registrystore "github.com/recallhq/recall/internal/registry/store"
	"github.com/recallhq/recall/internal/testutil/fakes"
)

func newTestClient(p *fakes.Provider) (*Client, *memstore.Store, *fakes.Embedder) {
	st := memstore.New()
	emb := fakes.NewEmbedder(3)
	return NewClient(st, emb, p), st, emb
}

func extractResponse(facts ...string) string {
	out := `{"facts":[`
	for i, f := range facts {
		if i > 0 {
			out += ","
		}
		out += `{"content":"` + f + `"}`
	}
	return out + `]}`
}

func TestExtractAddsNewFact(t *testing.T) {
	p := &fakes.Provider{Completions: []string{
		extractResponse("User works at Google"),
		// no consolidation completion needed: the store is empty
	}}
	client, st, _ := newTestClient(p)

	results, err := client.Extract(context.Background(), "I work at Google", ExtractOptions{
		UserID: "alice", Source: "mcp", SourceID: "conv-1",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "User works at Google", results[0].Content)
	require.Equal(t, "alice", results[0].UserID)
	require.Equal(t, "mcp", results[0].Metadata["source"])
	require.Equal(t, "conv-1", results[0].Metadata["sourceId"])

	n, err := st.Count(context.Background(), "alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestExtractUpdateRemapsOrdinalToRealID(t *testing.T) {
	p := &fakes.Provider{}
	client, st, emb := newTestClient(p)

	emb.Pin("User's name is John", []float32{1, 0, 0})
	emb.Pin("User's name is John Doe", []float32{0.99, 0.1, 0})
	emb.Pin("User's name is John Doe.", []float32{0.98, 0.12, 0})
	existing, err := st.Insert(context.Background(), "alice", "User's name is John", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	p.Completions = []string{
		extractResponse("User's name is John Doe"),
		`{"action":"UPDATE","id":"0","content":"User's name is John Doe."}`,
	}

	results, err := client.Extract(context.Background(), "Actually my full name is John Doe", ExtractOptions{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, existing.ID, results[0].ID)
	require.Equal(t, "User's name is John Doe.", results[0].Content)

	// Consolidation saw the ordinal, never the UUID.
	require.Len(t, p.CompleteCalls, 2)
	require.Contains(t, p.CompleteCalls[1].User, `"id":"0"`)
	require.NotContains(t, p.CompleteCalls[1].User, existing.ID.String())

	n, err := st.Count(context.Background(), "alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestExtractUnknownOrdinalDegradesToAdd(t *testing.T) {
	p := &fakes.Provider{}
	client, st, emb := newTestClient(p)

	emb.Pin("User works at Google", []float32{1, 0, 0})
	_, err := st.Insert(context.Background(), "alice", "User works at Google", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	p.Completions = []string{
		extractResponse("User lives in Paris"),
		// "7" is outside the candidate set: a hallucinated id.
		`{"action":"UPDATE","id":"7","content":"merged nonsense"}`,
	}

	results, err := client.Extract(context.Background(), "I live in Paris", ExtractOptions{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "User lives in Paris", results[0].Content)

	n, err := st.Count(context.Background(), "alice")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestExtractEmptyContentUpdateDegradesToAdd(t *testing.T) {
	p := &fakes.Provider{}
	client, st, emb := newTestClient(p)

	emb.Pin("User's name is John", []float32{1, 0, 0})
	emb.Pin("User's name is John Doe", []float32{0.99, 0.1, 0})
	existing, err := st.Insert(context.Background(), "alice", "User's name is John", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	p.Completions = []string{
		extractResponse("User's name is John Doe"),
		// Merged content is mandatory for UPDATE; without it the target
		// would be overwritten with an empty string.
		`{"action":"UPDATE","id":"0","content":""}`,
	}

	results, err := client.Extract(context.Background(), "Actually my full name is John Doe", ExtractOptions{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "User's name is John Doe", results[0].Content)

	// The existing memory is untouched and the fact was added beside it.
	got, err := st.Get(context.Background(), existing.ID)
	require.NoError(t, err)
	require.Equal(t, "User's name is John", got.Content)

	n, err := st.Count(context.Background(), "alice")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestExtractDeleteRemovesMemory(t *testing.T) {
	p := &fakes.Provider{}
	client, st, emb := newTestClient(p)

	emb.Pin("User no longer works at Google", []float32{0.9, 0.1, 0})
	_, err := st.Insert(context.Background(), "alice", "User works at Google", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	p.Completions = []string{
		extractResponse("User no longer works at Google"),
		`{"action":"DELETE","id":"0"}`,
	}

	results, err := client.Extract(context.Background(), "I quit Google", ExtractOptions{UserID: "alice"})
	require.NoError(t, err)
	require.Empty(t, results)

	n, err := st.Count(context.Background(), "alice")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestExtractNoneLeavesStoreUntouched(t *testing.T) {
	p := &fakes.Provider{}
	client, st, emb := newTestClient(p)

	emb.Pin("User works at Google", []float32{1, 0, 0})
	_, err := st.Insert(context.Background(), "alice", "User works at Google", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	p.Completions = []string{
		extractResponse("User works at Google"),
		`{"action":"NONE"}`,
	}

	results, err := client.Extract(context.Background(), "I work at Google", ExtractOptions{UserID: "alice"})
	require.NoError(t, err)
	require.Empty(t, results)

	n, err := st.Count(context.Background(), "alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestUpdateReembedsOnlyOnContentChange(t *testing.T) {
	p := &fakes.Provider{}
	client, st, emb := newTestClient(p)

	existing, err := st.Insert(context.Background(), "alice", "User works at Google", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	before := emb.Calls
	_, err = client.Update(context.Background(), existing.ID, UpdateOptions{
		Metadata: map[string]string{"source": "manual"},
	})
	require.NoError(t, err)
	require.Equal(t, before, emb.Calls, "metadata-only update must not embed")

	content := "User works at Anthropic"
	updated, err := client.Update(context.Background(), existing.ID, UpdateOptions{Content: &content})
	require.NoError(t, err)
	require.Equal(t, before+1, emb.Calls, "content update embeds exactly once")
	require.Equal(t, content, updated.Content)
	// Metadata from the earlier update survives a content-only change.
	require.Equal(t, "manual", updated.Metadata["source"])
}

func TestQueryThresholdFiltersLowScores(t *testing.T) {
	p := &fakes.Provider{}
	client, st, emb := newTestClient(p)

	emb.Pin("what does the user do", []float32{1, 0, 0})
	_, err := st.Insert(context.Background(), "alice", "User works at Google", []float32{0.9, 0.1, 0.1}, nil)
	require.NoError(t, err)
	_, err = st.Insert(context.Background(), "alice", "User has a dog", []float32{0.1, 0.9, 0.1}, nil)
	require.NoError(t, err)

	threshold := 0.8
	results, err := client.Query(context.Background(), "what does the user do", QueryOptions{
		UserID: "alice", Threshold: &threshold,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "User works at Google", results[0].Content)
	require.GreaterOrEqual(t, results[0].Score, threshold)
}

func TestQueryScopedToTenant(t *testing.T) {
	p := &fakes.Provider{}
	client, st, emb := newTestClient(p)

	emb.Pin("anything", []float32{1, 0, 0})
	_, err := st.Insert(context.Background(), "alice", "User works at Google", []float32{1, 0, 0}, nil)
	require.NoError(t, err)
	_, err = st.Insert(context.Background(), "bob", "User works at Meta", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	results, err := client.Query(context.Background(), "anything", QueryOptions{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "alice", results[0].UserID)
}

func TestListDelegatesNewestFirst(t *testing.T) {
	p := &fakes.Provider{}
	client, st, _ := newTestClient(p)

	first, err := st.Insert(context.Background(), "alice", "first", []float32{1, 0, 0}, nil)
	require.NoError(t, err)
	second, err := st.Insert(context.Background(), "alice", "second", []float32{0, 1, 0}, nil)
	require.NoError(t, err)

	list, err := client.List(context.Background(), "alice", registrystore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	// Same-millisecond inserts fall back to insertion order, oldest last.
	if list[0].CreatedAt.Equal(list[1].CreatedAt) {
		require.Equal(t, first.ID, list[0].ID)
		require.Equal(t, second.ID, list[1].ID)
	} else {
		require.Equal(t, second.ID, list[0].ID)
	}
}
