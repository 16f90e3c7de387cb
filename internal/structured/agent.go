package structured

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/recallhq/recall/internal/metrics"
	registryllm "github.com/recallhq/recall/internal/registry/llm"
	regstore "github.com/recallhq/recall/internal/registry/store"
)

const (
	defaultMaxSteps   = 10
	searchScanWindow  = 100
	listDefaultLimit  = 10
	agentSystemPrompt = `You manage a user's structured records through the provided tools.

Carry out the user's request, then answer in one or two plain sentences.
Use listSchemas first if you are unsure which schemas exist. Locate records
with listRecords or searchRecords before updating or deleting; record ids in
tool results are the ids to pass back. Validate nothing yourself; if a tool
reports a validation error, adjust the arguments and retry once, otherwise
report the problem.

Today's date: %s`
)

// Agent resolves update and delete requests through tool calls instead of a
// single-shot extraction, letting the model inspect records first.
type Agent struct {
	provider registryllm.Provider
	store    *Store
	maxSteps int
	logger   *log.Logger
}

// AgentResult is the outcome of one agent run.
type AgentResult struct {
	Text         string
	Steps        int
	ToolCalls    []AgentToolCall
	DataModified bool
}

// AgentToolCall records one executed tool call for inspection.
type AgentToolCall struct {
	Tool   string
	Args   string
	Result string
}

func NewAgent(provider registryllm.Provider, store *Store, maxSteps int, logger *log.Logger) *Agent {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Agent{provider: provider, store: store, maxSteps: maxSteps, logger: logger}
}

func dataSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"description":          "Field values keyed by field name. Use the schema's declared types.",
		"additionalProperties": true,
	}
}

func (a *Agent) tools() []registryllm.Tool {
	schemaProp := map[string]any{"type": "string", "description": "Name of a declared schema."}
	idProp := map[string]any{"type": "string", "description": "Record id from a previous tool result."}
	return []registryllm.Tool{
		{
			Name:        "listSchemas",
			Description: "List the declared schemas with their fields.",
			Parameters: map[string]any{
				"type": "object", "properties": map[string]any{}, "additionalProperties": false,
			},
		},
		{
			Name:        "listRecords",
			Description: "List the user's records for a schema, most recent first.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"schema": schemaProp,
					"limit":  map[string]any{"type": "integer", "description": "Most recent N records, default 10."},
				},
				"required":             []string{"schema"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "getRecord",
			Description: "Fetch one record by id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"schema": schemaProp,
					"id":     idProp,
				},
				"required":             []string{"schema", "id"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "searchRecords",
			Description: "Find records whose field contains a value, case-insensitive.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"schema": schemaProp,
					"field":  map[string]any{"type": "string"},
					"value":  map[string]any{"type": "string"},
				},
				"required":             []string{"schema", "field", "value"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "insertRecord",
			Description: "Insert a new record.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"schema": schemaProp,
					"data":   dataSchema(),
				},
				"required":             []string{"schema", "data"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "updateRecord",
			Description: "Update fields of an existing record.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"schema": schemaProp,
					"id":     idProp,
					"data":   dataSchema(),
				},
				"required":             []string{"schema", "id", "data"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "deleteRecord",
			Description: "Delete a record by id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"schema": schemaProp,
					"id":     idProp,
				},
				"required":             []string{"schema", "id"},
				"additionalProperties": false,
			},
		},
	}
}

// run context: ordinal ids shield real record ids from the model.
type agentRun struct {
	userID     string
	byOrdinal  map[string]string
	byRecordID map[string]string
	modified   bool
}

func (r *agentRun) ordinalFor(recordID string) string {
	if ord, ok := r.byRecordID[recordID]; ok {
		return ord
	}
	ord := strconv.Itoa(len(r.byOrdinal))
	r.byOrdinal[ord] = recordID
	r.byRecordID[recordID] = ord
	return ord
}

func (r *agentRun) resolve(ordinal string) (string, bool) {
	id, ok := r.byOrdinal[strings.TrimSpace(ordinal)]
	return id, ok
}

// Run executes the agent loop for one message. The loop stops when the model
// answers without tool calls or the step bound is reached.
func (a *Agent) Run(ctx context.Context, userID, text string, now time.Time) (*AgentResult, error) {
	run := &agentRun{
		userID:     userID,
		byOrdinal:  make(map[string]string),
		byRecordID: make(map[string]string),
	}
	messages := []registryllm.Message{
		{Role: registryllm.RoleSystem, Content: fmt.Sprintf(agentSystemPrompt, now.Format("2006-01-02"))},
		{Role: registryllm.RoleUser, Content: text},
	}
	result := &AgentResult{}
	tools := a.tools()

	for result.Steps < a.maxSteps {
		resp, err := a.provider.Chat(ctx, registryllm.ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			return nil, fmt.Errorf("agent step: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			result.Text = resp.Content
			result.DataModified = run.modified
			return result, nil
		}
		messages = append(messages, registryllm.Message{
			Role:      registryllm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			if result.Steps >= a.maxSteps {
				break
			}
			result.Steps++
			metrics.CountAgentTool(tc.Name)
			out := a.execute(ctx, run, tc)
			a.logger.Debug("agent tool call", "tool", tc.Name, "args", string(tc.Arguments))
			result.ToolCalls = append(result.ToolCalls, AgentToolCall{
				Tool: tc.Name, Args: string(tc.Arguments), Result: out,
			})
			messages = append(messages, registryllm.Message{
				Role:       registryllm.RoleTool,
				Content:    out,
				ToolCallID: tc.ID,
			})
		}
	}
	result.Text = "Stopped before finishing: too many tool calls."
	result.DataModified = run.modified
	return result, nil
}

func (a *Agent) execute(ctx context.Context, run *agentRun, tc registryllm.ToolCall) string {
	out, err := a.dispatch(ctx, run, tc.Name, tc.Arguments)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return toolJSON(map[string]any{"error": "validation failed", "issues": verr.Issues})
		}
		if regstore.IsNotFound(err) {
			return toolJSON(map[string]any{"error": "record not found"})
		}
		return toolJSON(map[string]any{"error": err.Error()})
	}
	return toolJSON(out)
}

func (a *Agent) dispatch(ctx context.Context, run *agentRun, name string, rawArgs json.RawMessage) (any, error) {
	var args struct {
		Schema string         `json:"schema"`
		ID     string         `json:"id"`
		Field  string         `json:"field"`
		Value  string         `json:"value"`
		Limit  int            `json:"limit"`
		Data   map[string]any `json:"data"`
	}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("malformed tool arguments: %w", err)
		}
	}

	if name == "listSchemas" {
		out := make([]map[string]any, 0, len(a.store.schemas))
		for _, sname := range a.store.SchemaNames() {
			s, _ := a.store.Schema(sname)
			fields := make(map[string]string, len(s.Fields))
			for _, fname := range s.FieldNames() {
				fields[fname] = string(s.Fields[fname].Type)
			}
			out = append(out, map[string]any{"name": s.Name, "description": s.Description, "fields": fields})
		}
		return out, nil
	}

	schema, ok := a.store.Schema(args.Schema)
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", args.Schema)
	}

	switch name {
	case "listRecords":
		limit := args.Limit
		if limit <= 0 {
			limit = listDefaultLimit
		}
		recs, err := a.store.List(ctx, schema, run.userID, limit, 0)
		if err != nil {
			return nil, err
		}
		return run.project(recs), nil
	case "getRecord":
		id, ok := run.resolve(args.ID)
		if !ok {
			return nil, fmt.Errorf("unknown record id %q; list or search first", args.ID)
		}
		rec, err := a.store.Get(ctx, schema, run.userID, id)
		if err != nil {
			return nil, err
		}
		return run.projectOne(*rec), nil
	case "searchRecords":
		recs, err := a.store.List(ctx, schema, run.userID, searchScanWindow, 0)
		if err != nil {
			return nil, err
		}
		needle := strings.ToLower(args.Value)
		var hits []Record
		for _, rec := range recs {
			v, ok := rec.Data[args.Field]
			if !ok {
				continue
			}
			if strings.Contains(strings.ToLower(fmt.Sprint(v)), needle) {
				hits = append(hits, rec)
			}
		}
		return run.project(hits), nil
	case "insertRecord":
		rec, err := a.store.Insert(ctx, schema, run.userID, args.Data)
		if err != nil {
			return nil, err
		}
		run.modified = true
		return run.projectOne(*rec), nil
	case "updateRecord":
		id, ok := run.resolve(args.ID)
		if !ok {
			return nil, fmt.Errorf("unknown record id %q; list or search first", args.ID)
		}
		rec, err := a.store.Update(ctx, schema, run.userID, id, args.Data)
		if err != nil {
			return nil, err
		}
		run.modified = true
		return run.projectOne(*rec), nil
	case "deleteRecord":
		id, ok := run.resolve(args.ID)
		if !ok {
			return nil, fmt.Errorf("unknown record id %q; list or search first", args.ID)
		}
		if err := a.store.Delete(ctx, schema, run.userID, id); err != nil {
			return nil, err
		}
		run.modified = true
		return map[string]any{"deleted": true}, nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

// project replaces real record ids with per-run ordinals before the records
// reach the model.
func (r *agentRun) project(recs []Record) []map[string]any {
	out := make([]map[string]any, len(recs))
	for i, rec := range recs {
		out[i] = r.projectOne(rec)
	}
	return out
}

func (r *agentRun) projectOne(rec Record) map[string]any {
	return map[string]any{
		"id":        r.ordinalFor(rec.ID),
		"data":      rec.Data,
		"createdAt": rec.CreatedAt,
	}
}

func toolJSON(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return `{"error":"unserialisable tool result"}`
	}
	return string(buf)
}
