package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/internal/memory"
	memstore "github.com/recallhq/recall/internal/plugin/store/memory"
	registrystore "github.com/recallhq/recall/internal/registry/store"
	"github.com/recallhq/recall/internal/testutil/fakes"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestServer(t *testing.T, defaultUserID string, p *fakes.Provider) (*Server, *memory.Client) {
	t.Helper()
	if p == nil {
		p = &fakes.Provider{}
	}
	client := memory.NewClient(memstore.New(), fakes.NewEmbedder(3), p)
	return New(client, defaultUserID, nil), client
}

func callReq(tool string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	return req
}

func decode(t *testing.T, res *mcp.CallToolResult) envelope {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(text.Text), &env))
	return env
}

func TestHandleAddStoresExtractedFacts(t *testing.T) {
	p := &fakes.Provider{Completions: []string{
		`{"facts":[{"content":"User trains MMA"}]}`,
	}}
	s, client := newTestServer(t, "alice", p)

	res, err := s.handleAdd(context.Background(), callReq("recall_add", map[string]any{
		"text":     "I started MMA training last month",
		"sourceId": "conv-1",
	}))
	require.NoError(t, err)
	env := decode(t, res)
	require.True(t, env.Success)

	var data struct {
		Count    int          `json:"count"`
		Memories []memoryView `json:"memories"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, 1, data.Count)
	require.Equal(t, "User trains MMA", data.Memories[0].Content)
	require.Equal(t, "alice", data.Memories[0].UserID)
	require.Equal(t, "mcp", data.Memories[0].Metadata["source"])
	require.Equal(t, "conv-1", data.Memories[0].Metadata["sourceId"])

	stored, err := client.List(context.Background(), "alice", registrystore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestHandleAddRequiresText(t *testing.T) {
	s, _ := newTestServer(t, "alice", nil)

	res, err := s.handleAdd(context.Background(), callReq("recall_add", map[string]any{}))
	require.NoError(t, err)
	env := decode(t, res)
	require.False(t, env.Success)
	require.Contains(t, env.Error, "text")
}

func TestResolveUserIDFallsBackToDefault(t *testing.T) {
	s, _ := newTestServer(t, "alice", nil)

	userID, err := s.resolveUserID(callReq("recall_list", map[string]any{}))
	require.NoError(t, err)
	require.Equal(t, "alice", userID)

	userID, err = s.resolveUserID(callReq("recall_list", map[string]any{"userId": "bob"}))
	require.NoError(t, err)
	require.Equal(t, "bob", userID)
}

func TestResolveUserIDRequiredWithoutDefault(t *testing.T) {
	s, _ := newTestServer(t, "", nil)

	res, err := s.handleClear(context.Background(), callReq("recall_clear", map[string]any{}))
	require.NoError(t, err)
	env := decode(t, res)
	require.False(t, env.Success)
	require.Contains(t, env.Error, "userId is required")
}

func TestHandleGetUnknownIDFails(t *testing.T) {
	s, _ := newTestServer(t, "alice", nil)

	res, err := s.handleGet(context.Background(), callReq("recall_get", map[string]any{
		"id": uuid.NewString(),
	}))
	require.NoError(t, err)
	env := decode(t, res)
	require.False(t, env.Success)
	require.Contains(t, env.Error, "not found")
}

func TestHandleDeleteRejectsMalformedID(t *testing.T) {
	s, _ := newTestServer(t, "alice", nil)

	res, err := s.handleDelete(context.Background(), callReq("recall_delete", map[string]any{
		"id": "nope",
	}))
	require.NoError(t, err)
	env := decode(t, res)
	require.False(t, env.Success)
	require.Contains(t, env.Error, "invalid memory id")
}

func TestHandleUpdateRequiresContentOrMetadata(t *testing.T) {
	s, _ := newTestServer(t, "alice", nil)

	res, err := s.handleUpdate(context.Background(), callReq("recall_update", map[string]any{
		"id": uuid.NewString(),
	}))
	require.NoError(t, err)
	env := decode(t, res)
	require.False(t, env.Success)
	require.Contains(t, env.Error, "update requires content or metadata")
}

func TestHandleQueryReturnsScoredViews(t *testing.T) {
	p := &fakes.Provider{Completions: []string{
		`{"facts":[{"content":"User trains MMA"}]}`,
	}}
	s, _ := newTestServer(t, "alice", p)

	res, err := s.handleAdd(context.Background(), callReq("recall_add", map[string]any{
		"text": "I train MMA",
	}))
	require.NoError(t, err)
	require.True(t, decode(t, res).Success)

	res, err = s.handleQuery(context.Background(), callReq("recall_query", map[string]any{
		"query": "what sports does the user do",
		"limit": float64(5),
	}))
	require.NoError(t, err)
	env := decode(t, res)
	require.True(t, env.Success)

	var data struct {
		Count   int          `json:"count"`
		Results []memoryView `json:"results"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, 1, data.Count)
	require.NotNil(t, data.Results[0].Score)
}
