package structured

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/recallhq/recall/internal/model"
	registryllm "github.com/recallhq/recall/internal/registry/llm"
	regstore "github.com/recallhq/recall/internal/registry/store"
)

// Handler is a side-effect hook fired after a mutation commits. A handler
// error surfaces as the operation's error even though the row is written.
type Handler func(ctx context.Context, schema string, record *Record) error

// Handlers groups the per-schema hooks.
type Handlers struct {
	OnInsert Handler
	OnUpdate Handler
	OnDelete Handler
}

// Client orchestrates the structured pipeline: intent detection, validated
// CRUD, query generation and the optional agent path.
type Client struct {
	store    *Store
	detector *IntentDetector
	querygen *QueryGenerator
	agent    *Agent
	handlers map[string]Handlers
	logger   *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAgent routes update and delete intents through the tool-using agent
// instead of the direct match-criteria path.
func WithAgent(maxSteps int, provider registryllm.Provider) Option {
	return func(c *Client) {
		c.agent = NewAgent(provider, c.store, maxSteps, c.logger)
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(store *Store, provider registryllm.Provider, opts ...Option) *Client {
	c := &Client{
		store:    store,
		handlers: make(map[string]Handlers),
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.detector = NewIntentDetector(provider, store, c.logger)
	c.querygen = NewQueryGenerator(provider, store)
	return c
}

// RegisterHandlers installs side-effect hooks for one schema.
func (c *Client) RegisterHandlers(schema string, h Handlers) {
	c.handlers[schema] = h
}

// ProcessResult describes what Process did with a message.
type ProcessResult struct {
	Matched     bool         `json:"matched"`
	Intent      string       `json:"intent"`
	Schema      string       `json:"schema,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Record      *Record      `json:"record,omitempty"`
	SQL         string       `json:"sql,omitempty"`
	Result      any          `json:"result,omitempty"`
	Explanation string       `json:"explanation,omitempty"`
	Agent       *AgentResult `json:"-"`
}

// Process classifies one message and carries out the implied action.
func (c *Client) Process(ctx context.Context, userID, text string) (*ProcessResult, error) {
	now := model.Now()
	ex, err := c.detector.Detect(ctx, text, now)
	if err != nil {
		return nil, err
	}
	res := &ProcessResult{Matched: ex.Matched, Intent: ex.Intent, Schema: ex.Schema, Reason: ex.Reason}
	if !ex.Matched || ex.Intent == IntentNone {
		return res, nil
	}
	schema, ok := c.store.Schema(ex.Schema)
	if !ok {
		// Detect demotes undeclared schemas; reaching here means matched
		// raced a schema change.
		res.Matched = false
		res.Intent = IntentNone
		return res, nil
	}

	switch ex.Intent {
	case IntentInsert:
		data, err := CoerceFields(schema, ex.Data)
		if err != nil {
			return nil, err
		}
		rec, err := c.Insert(ctx, userID, schema.Name, data)
		if err != nil {
			return nil, err
		}
		res.Record = rec
		return res, nil
	case IntentQuery:
		question := ex.Query
		if question == "" {
			question = text
		}
		value, gq, err := c.querygen.Run(ctx, question, userID)
		if err != nil {
			return nil, err
		}
		res.SQL = gq.SQL
		res.Result = value
		res.Explanation = gq.Explanation
		return res, nil
	case IntentUpdate, IntentDelete:
		if c.agent != nil {
			ar, err := c.agent.Run(ctx, userID, agentBrief(ex, text), now)
			if err != nil {
				return nil, err
			}
			res.Agent = ar
			res.Explanation = ar.Text
			return res, nil
		}
		target, err := c.resolveTarget(ctx, schema, userID, ex.MatchCriteria)
		if err != nil {
			return nil, err
		}
		if ex.Intent == IntentDelete {
			if err := c.Delete(ctx, userID, schema.Name, target.ID); err != nil {
				return nil, err
			}
			res.Record = target
			return res, nil
		}
		data, err := CoerceFields(schema, ex.UpdateData)
		if err != nil {
			return nil, err
		}
		rec, err := c.Update(ctx, userID, schema.Name, target.ID, data)
		if err != nil {
			return nil, err
		}
		res.Record = rec
		return res, nil
	default:
		return res, nil
	}
}

// agentBrief prefixes the raw message with what intent detection already
// worked out so the agent skips re-extraction and goes straight to the
// search-then-mutate hop.
func agentBrief(ex *Extraction, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The message below is a %s against the %q schema.\n", ex.Intent, ex.Schema)
	if mc := ex.MatchCriteria; mc != nil && mc.Field != "" {
		fmt.Fprintf(&b, "Target hint: %s matches %q (recency: %s).\n", mc.Field, mc.Value, mc.Recency)
	}
	if len(ex.UpdateData) > 0 {
		b.WriteString("Fields to change:\n")
		for _, fv := range ex.UpdateData {
			fmt.Fprintf(&b, "- %s = %s\n", fv.Field, fv.Value)
		}
	}
	b.WriteString("\nMessage: ")
	b.WriteString(text)
	return b.String()
}

// resolveTarget locates the record an update or delete refers to. With no
// usable criteria the most recent record is assumed.
func (c *Client) resolveTarget(ctx context.Context, schema *Schema, userID string, mc *MatchCriteria) (*Record, error) {
	if mc == nil || mc.Field == "" {
		return c.store.MostRecent(ctx, schema, userID)
	}
	v, err := schema.CoerceValue(mc.Field, mc.Value)
	if err != nil {
		return c.store.MostRecent(ctx, schema, userID)
	}
	recs, err := c.store.FindByField(ctx, schema, userID, mc.Field, v)
	if err != nil {
		return nil, err
	}
	recs = filterRecency(recs, mc.Recency)
	if len(recs) == 0 {
		return nil, &regstore.NotFoundError{Resource: "record", ID: fmt.Sprintf("%s=%v", mc.Field, mc.Value)}
	}
	// FindByField orders most recent first, which also satisfies the
	// "most_recent" recency hint.
	return &recs[0], nil
}

// filterRecency narrows candidates to the requested time window. Timestamps
// are lexicographically sortable ISO strings, so string comparison suffices.
func filterRecency(recs []Record, recency string) []Record {
	var cutoff string
	switch recency {
	case RecencyToday:
		cutoff = model.Now().Truncate(24 * time.Hour).Format(timeLayout)
	case RecencyThisWeek:
		cutoff = model.Now().AddDate(0, 0, -7).Format(timeLayout)
	default:
		return recs
	}
	var out []Record
	for _, r := range recs {
		if r.CreatedAt >= cutoff {
			out = append(out, r)
		}
	}
	return out
}

// Insert validates and writes a record, then fires the schema's OnInsert
// hook.
func (c *Client) Insert(ctx context.Context, userID, schemaName string, data map[string]any) (*Record, error) {
	schema, ok := c.store.Schema(schemaName)
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", schemaName)
	}
	rec, err := c.store.Insert(ctx, schema, userID, data)
	if err != nil {
		return nil, err
	}
	if h := c.handlers[schemaName].OnInsert; h != nil {
		if err := h(ctx, schemaName, rec); err != nil {
			return rec, fmt.Errorf("insert handler: %w", err)
		}
	}
	return rec, nil
}

// Get returns one record.
func (c *Client) Get(ctx context.Context, userID, schemaName, id string) (*Record, error) {
	schema, ok := c.store.Schema(schemaName)
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", schemaName)
	}
	return c.store.Get(ctx, schema, userID, id)
}

// List returns the user's records, most recent first.
func (c *Client) List(ctx context.Context, userID, schemaName string, limit, offset int) ([]Record, error) {
	schema, ok := c.store.Schema(schemaName)
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", schemaName)
	}
	return c.store.List(ctx, schema, userID, limit, offset)
}

// Update applies a partial payload and fires OnUpdate.
func (c *Client) Update(ctx context.Context, userID, schemaName, id string, data map[string]any) (*Record, error) {
	schema, ok := c.store.Schema(schemaName)
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", schemaName)
	}
	rec, err := c.store.Update(ctx, schema, userID, id, data)
	if err != nil {
		return nil, err
	}
	if h := c.handlers[schemaName].OnUpdate; h != nil {
		if err := h(ctx, schemaName, rec); err != nil {
			return rec, fmt.Errorf("update handler: %w", err)
		}
	}
	return rec, nil
}

// Delete removes a record and fires OnDelete with the deleted row.
func (c *Client) Delete(ctx context.Context, userID, schemaName, id string) error {
	schema, ok := c.store.Schema(schemaName)
	if !ok {
		return fmt.Errorf("unknown schema %q", schemaName)
	}
	rec, err := c.store.Get(ctx, schema, userID, id)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, schema, userID, id); err != nil {
		return err
	}
	if h := c.handlers[schemaName].OnDelete; h != nil {
		if err := h(ctx, schemaName, rec); err != nil {
			return fmt.Errorf("delete handler: %w", err)
		}
	}
	return nil
}

// Query answers a natural-language question over the schema tables.
func (c *Client) Query(ctx context.Context, userID, question string) (any, *GeneratedQuery, error) {
	return c.querygen.Run(ctx, question, userID)
}
