package structured

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/recallhq/recall/internal/metrics"
	registryllm "github.com/recallhq/recall/internal/registry/llm"
)

// Intent labels the structured action implied by a message.
const (
	IntentInsert = "insert"
	IntentQuery  = "query"
	IntentUpdate = "update"
	IntentDelete = "delete"
	IntentNone   = "none"
)

// FieldValue is one extracted field. Values travel as strings and are
// coerced server-side so the model cannot pick the wire type.
type FieldValue struct {
	Field string `json:"field"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// Recency values a MatchCriteria may carry.
const (
	RecencyMostRecent = "most_recent"
	RecencyToday      = "today"
	RecencyThisWeek   = "this_week"
	RecencyAny        = "any"
)

// MatchCriteria identifies the record an update or delete targets.
type MatchCriteria struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Recency string `json:"recency"`
}

// Extraction is the intent detector's full verdict over one message.
type Extraction struct {
	Matched       bool           `json:"matched"`
	Schema        string         `json:"schema"`
	Confidence    float64        `json:"confidence"`
	Reason        string         `json:"reason"`
	Intent        string         `json:"intent"`
	Data          []FieldValue   `json:"data"`
	Query         string         `json:"query"`
	MatchCriteria *MatchCriteria `json:"matchCriteria"`
	UpdateData    []FieldValue   `json:"updateData"`
}

// IntentDetector classifies messages against the declared schemas.
type IntentDetector struct {
	provider registryllm.Provider
	store    *Store
	logger   *log.Logger
}

func NewIntentDetector(provider registryllm.Provider, store *Store, logger *log.Logger) *IntentDetector {
	if logger == nil {
		logger = log.Default()
	}
	return &IntentDetector{provider: provider, store: store, logger: logger}
}

var extractionSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"matched":    map[string]any{"type": "boolean"},
		"schema":     map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "number"},
		"reason":     map[string]any{"type": "string"},
		"intent": map[string]any{
			"type": "string",
			"enum": []string{IntentInsert, IntentQuery, IntentUpdate, IntentDelete, IntentNone},
		},
		"data": map[string]any{
			"type":  "array",
			"items": fieldValueSchema,
		},
		"query": map[string]any{"type": "string"},
		"matchCriteria": map[string]any{
			"type":                 []string{"object", "null"},
			"additionalProperties": false,
			"properties": map[string]any{
				"field":   map[string]any{"type": "string"},
				"value":   map[string]any{"type": "string"},
				"recency": map[string]any{"type": "string", "enum": []string{"most_recent", "today", "this_week", "any"}},
			},
			"required": []string{"field", "value", "recency"},
		},
		"updateData": map[string]any{
			"type":  "array",
			"items": fieldValueSchema,
		},
	},
	"required": []string{"matched", "schema", "confidence", "reason", "intent", "data", "query", "matchCriteria", "updateData"},
}

var fieldValueSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"field": map[string]any{"type": "string"},
		"value": map[string]any{"type": "string"},
		"type":  map[string]any{"type": "string"},
	},
	"required": []string{"field", "value", "type"},
}

func (d *IntentDetector) systemPrompt(now time.Time) string {
	var b strings.Builder
	b.WriteString(`You classify a user message against declared data schemas and extract structured data.

Decide one intent:
- "insert": the message states a new fact that fits a schema (a purchase, a workout, a payment).
- "query": the message asks a question answerable from stored records.
- "update": the message corrects or changes a previously stated record.
- "delete": the message asks to remove a previously stated record.
- "none": nothing above applies. Also use "none" when no schema fits.

Rules:
- Set matched=true only when a declared schema clearly applies; set schema to its exact name.
- For insert, fill data with one entry per extracted field. Every value is a string; set type to the field's declared type. Convert amounts to bare numbers ("$150" -> "150") and dates to ISO-8601 using today's date for relative expressions.
- For update and delete, fill matchCriteria with the field and value that identify the target record. Set recency to "most_recent" for the latest one, "today" or "this_week" for a time window, otherwise "any". For update also fill updateData with the changed fields only.
- For query, restate the question in query.
- When several schemas could apply, pick the one whose required fields the message actually provides.
- Report confidence between 0 and 1 and a one-sentence reason.

Today's date: `)
	b.WriteString(now.Format("2006-01-02"))
	b.WriteString("\n\nDeclared schemas:\n")
	for _, name := range d.store.SchemaNames() {
		s, _ := d.store.Schema(name)
		fmt.Fprintf(&b, "- %s: %s\n%s", s.Name, s.Description, s.PromptFields())
	}
	return b.String()
}

// Detect classifies one message. Undeclared schema names demote the match;
// unparseable model output degrades to a non-match rather than an error.
func (d *IntentDetector) Detect(ctx context.Context, text string, now time.Time) (*Extraction, error) {
	raw, err := d.provider.Complete(ctx, registryllm.CompletionRequest{
		System:     d.systemPrompt(now),
		User:       text,
		SchemaName: "intent_extraction",
		Schema:     extractionSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("intent detection: %w", err)
	}
	var ex Extraction
	if err := json.Unmarshal(raw, &ex); err != nil {
		d.logger.Warn("intent extraction returned unparseable JSON", "err", err)
		return &Extraction{Matched: false, Intent: IntentNone, Reason: "unparseable model output"}, nil
	}
	if ex.Matched {
		if _, ok := d.store.Schema(ex.Schema); !ok {
			d.logger.Warn("intent named an undeclared schema", "schema", ex.Schema)
			ex.Matched = false
			ex.Intent = IntentNone
			ex.Reason = fmt.Sprintf("schema %q is not declared", ex.Schema)
		}
	}
	if !ex.Matched {
		ex.Intent = IntentNone
	}
	metrics.CountIntent(ex.Intent)
	return &ex, nil
}

// CoerceFields converts transported field values into a typed payload using
// the schema's declared types.
func CoerceFields(schema *Schema, fields []FieldValue) (map[string]any, error) {
	data := make(map[string]any, len(fields))
	var issues []FieldIssue
	for _, fv := range fields {
		v, err := schema.CoerceValue(fv.Field, fv.Value)
		if err != nil {
			issues = append(issues, FieldIssue{Field: fv.Field, Message: err.Error()})
			continue
		}
		data[fv.Field] = v
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Schema: schema.Name, Issues: issues}
	}
	return data, nil
}
