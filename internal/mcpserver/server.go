// Package mcpserver exposes the memory layer over the Model Context
// Protocol on stdio, one recall_* tool per operation.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/recallhq/recall/internal/memory"
	"github.com/recallhq/recall/internal/model"
	registrystore "github.com/recallhq/recall/internal/registry/store"
)

const serverVersion = "0.1.0"

// Server wires the memory client into an MCP stdio server.
type Server struct {
	mcp           *server.MCPServer
	client        *memory.Client
	defaultUserID string
	logger        *log.Logger
}

// New builds the server and registers the recall_* tools. defaultUserID
// backs tool calls that omit userId; empty means every call must carry one.
func New(client *memory.Client, defaultUserID string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		client:        client,
		defaultUserID: defaultUserID,
		logger:        logger,
	}
	s.mcp = server.NewMCPServer("recall", serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// ServeStdio blocks reading MCP requests from stdin until EOF or a fatal
// transport error.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.mcp)
}

// memoryView is the wire shape of a memory. Embeddings stay server-side.
type memoryView struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"createdAt"`
	UpdatedAt string            `json:"updatedAt"`
	Score     *float64          `json:"score,omitempty"`
}

const viewTimeLayout = "2006-01-02T15:04:05.000Z"

func toView(m model.Memory, score *float64) memoryView {
	return memoryView{
		ID:        m.ID.String(),
		UserID:    m.UserID,
		Content:   m.Content,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt.UTC().Format(viewTimeLayout),
		UpdatedAt: m.UpdatedAt.UTC().Format(viewTimeLayout),
		Score:     score,
	}
}

// ok wraps data in the success envelope.
func ok(data any) (*mcp.CallToolResult, error) {
	buf, err := json.Marshal(map[string]any{"success": true, "data": data})
	if err != nil {
		return fail(fmt.Errorf("encode result: %w", err)), nil
	}
	return mcp.NewToolResultText(string(buf)), nil
}

// fail wraps an error in the failure envelope. Tool failures are reported as
// results, not protocol errors, so the calling model can react to them.
func fail(err error) *mcp.CallToolResult {
	buf, _ := json.Marshal(map[string]any{"success": false, "error": err.Error()})
	return mcp.NewToolResultText(string(buf))
}

// resolveUserID applies the server default when the call omits userId.
func (s *Server) resolveUserID(req mcp.CallToolRequest) (string, error) {
	userID := req.GetString("userId", "")
	if userID == "" {
		userID = s.defaultUserID
	}
	if userID == "" {
		return "", fmt.Errorf("userId is required: no default user id is configured")
	}
	return userID, nil
}

func parseID(req mcp.CallToolRequest) (uuid.UUID, error) {
	raw, err := req.RequireString("id")
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid memory id %q", raw)
	}
	return id, nil
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("recall_add",
		mcp.WithDescription("Extract memories from conversation text and store them. Returns the memories that were added or updated."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Conversation text to extract memories from.")),
		mcp.WithString("userId", mcp.Description("User the memories belong to. Falls back to the server default.")),
		mcp.WithString("source", mcp.Description("Origin label stored on each extracted memory.")),
		mcp.WithString("sourceId", mcp.Description("Identifier within the source, e.g. a conversation id.")),
	), s.handleAdd)

	s.mcp.AddTool(mcp.NewTool("recall_query",
		mcp.WithDescription("Search memories by semantic similarity."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language search query.")),
		mcp.WithString("userId", mcp.Description("User whose memories to search. Falls back to the server default.")),
		mcp.WithNumber("limit", mcp.Description("Maximum results, default 10.")),
		mcp.WithNumber("threshold", mcp.Description("Minimum cosine similarity between 0 and 1.")),
	), s.handleQuery)

	s.mcp.AddTool(mcp.NewTool("recall_list",
		mcp.WithDescription("List a user's memories, most recent first."),
		mcp.WithString("userId", mcp.Description("User whose memories to list. Falls back to the server default.")),
		mcp.WithNumber("limit", mcp.Description("Maximum results; omit for all.")),
		mcp.WithNumber("offset", mcp.Description("Rows to skip.")),
	), s.handleList)

	s.mcp.AddTool(mcp.NewTool("recall_get",
		mcp.WithDescription("Fetch one memory by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Memory id.")),
	), s.handleGet)

	s.mcp.AddTool(mcp.NewTool("recall_update",
		mcp.WithDescription("Update a memory's content and/or metadata. Content changes are re-embedded."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Memory id.")),
		mcp.WithString("content", mcp.Description("Replacement content.")),
		mcp.WithObject("metadata", mcp.Description("Replacement metadata; replaces the whole map.")),
	), s.handleUpdate)

	s.mcp.AddTool(mcp.NewTool("recall_delete",
		mcp.WithDescription("Delete one memory by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Memory id.")),
	), s.handleDelete)

	s.mcp.AddTool(mcp.NewTool("recall_clear",
		mcp.WithDescription("Delete all memories of a user. Destructive and irreversible; call only after the user confirms."),
		mcp.WithString("userId", mcp.Description("User whose memories to clear. Falls back to the server default.")),
	), s.handleClear)
}

func (s *Server) handleAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return fail(err), nil
	}
	userID, err := s.resolveUserID(req)
	if err != nil {
		return fail(err), nil
	}
	memories, err := s.client.Extract(ctx, text, memory.ExtractOptions{
		UserID:   userID,
		Source:   req.GetString("source", "mcp"),
		SourceID: req.GetString("sourceId", ""),
	})
	if err != nil {
		return fail(err), nil
	}
	views := make([]memoryView, len(memories))
	for i, m := range memories {
		views[i] = toView(m, nil)
	}
	return ok(map[string]any{"memories": views, "count": len(views)})
}

func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return fail(err), nil
	}
	userID, err := s.resolveUserID(req)
	if err != nil {
		return fail(err), nil
	}
	opts := memory.QueryOptions{
		UserID: userID,
		Limit:  req.GetInt("limit", 0),
	}
	if raw, found := req.GetArguments()["threshold"]; found {
		if t, ok := raw.(float64); ok {
			opts.Threshold = &t
		}
	}
	results, err := s.client.Query(ctx, query, opts)
	if err != nil {
		return fail(err), nil
	}
	views := make([]memoryView, len(results))
	for i, r := range results {
		score := r.Score
		views[i] = toView(r.Memory, &score)
	}
	return ok(map[string]any{"results": views, "count": len(views)})
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := s.resolveUserID(req)
	if err != nil {
		return fail(err), nil
	}
	memories, err := s.client.List(ctx, userID, registrystore.ListOptions{
		Limit:  req.GetInt("limit", 0),
		Offset: req.GetInt("offset", 0),
	})
	if err != nil {
		return fail(err), nil
	}
	views := make([]memoryView, len(memories))
	for i, m := range memories {
		views[i] = toView(m, nil)
	}
	return ok(map[string]any{"memories": views, "count": len(views)})
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := parseID(req)
	if err != nil {
		return fail(err), nil
	}
	m, err := s.client.Get(ctx, id)
	if err != nil {
		return fail(err), nil
	}
	if m == nil {
		return fail(&registrystore.NotFoundError{Resource: "memory", ID: id.String()}), nil
	}
	return ok(toView(*m, nil))
}

func (s *Server) handleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := parseID(req)
	if err != nil {
		return fail(err), nil
	}
	var opts memory.UpdateOptions
	args := req.GetArguments()
	if raw, found := args["content"]; found {
		content, ok := raw.(string)
		if !ok {
			return fail(fmt.Errorf("content must be a string")), nil
		}
		opts.Content = &content
	}
	if raw, found := args["metadata"]; found {
		obj, ok := raw.(map[string]any)
		if !ok {
			return fail(fmt.Errorf("metadata must be an object of strings")), nil
		}
		md := make(map[string]string, len(obj))
		for k, v := range obj {
			sv, ok := v.(string)
			if !ok {
				return fail(fmt.Errorf("metadata value for %q must be a string", k)), nil
			}
			md[k] = sv
		}
		opts.Metadata = md
	}
	if opts.Content == nil && opts.Metadata == nil {
		return fail(fmt.Errorf("update requires content or metadata")), nil
	}
	m, err := s.client.Update(ctx, id, opts)
	if err != nil {
		return fail(err), nil
	}
	return ok(toView(*m, nil))
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := parseID(req)
	if err != nil {
		return fail(err), nil
	}
	if err := s.client.Delete(ctx, id); err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"deleted": id.String()})
}

func (s *Server) handleClear(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := s.resolveUserID(req)
	if err != nil {
		return fail(err), nil
	}
	if err := s.client.Clear(ctx, userID); err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"cleared": userID})
}
