package structured

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	registryllm "github.com/recallhq/recall/internal/registry/llm"
)

// GeneratedQuery is the query generator's verdict for one question.
type GeneratedQuery struct {
	CanAnswer   bool   `json:"canAnswer"`
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// QueryError reports a question the generator declined to answer.
type QueryError struct {
	Question string
	Reason   string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("cannot answer %q: %s", e.Question, e.Reason)
}

// QueryGenerator turns natural-language questions into tenant-scoped SELECT
// statements over the schema tables.
type QueryGenerator struct {
	provider registryllm.Provider
	store    *Store
}

func NewQueryGenerator(provider registryllm.Provider, store *Store) *QueryGenerator {
	return &QueryGenerator{provider: provider, store: store}
}

var querySchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"canAnswer":   map[string]any{"type": "boolean"},
		"sql":         map[string]any{"type": "string"},
		"explanation": map[string]any{"type": "string"},
	},
	"required": []string{"canAnswer", "sql", "explanation"},
}

func (g *QueryGenerator) systemPrompt() string {
	var b strings.Builder
	b.WriteString(`You translate a question into a single SQLite SELECT statement over the tables below.

Rules:
- Emit exactly one SELECT statement. Never emit INSERT, UPDATE, DELETE, DROP or DDL.
- Use only the tables and columns listed below.
- Aggregate (SUM, COUNT, AVG, MIN, MAX) when the question asks for a total, count or average.
- Do not add a user_id condition; it is enforced outside the model.
- If the question cannot be answered from these tables, set canAnswer=false and explain why.

Tables:
`)
	for _, name := range g.store.SchemaNames() {
		s, _ := g.store.Schema(name)
		cols := []string{"id TEXT", "user_id TEXT"}
		for _, fname := range s.FieldNames() {
			cols = append(cols, sanitizeIdent(fname)+" "+columnType(s.Fields[fname].Type))
		}
		cols = append(cols, "created_at TEXT", "updated_at TEXT")
		fmt.Fprintf(&b, "- %s(%s)\n", s.TableName(), strings.Join(cols, ", "))
	}
	return b.String()
}

// Generate produces a tenant-scoped SELECT for the question. The user_id
// clause is injected here, never trusted from the model.
func (g *QueryGenerator) Generate(ctx context.Context, question, userID string) (*GeneratedQuery, error) {
	raw, err := g.provider.Complete(ctx, registryllm.CompletionRequest{
		System:     g.systemPrompt(),
		User:       question,
		SchemaName: "sql_query",
		Schema:     querySchema,
	})
	if err != nil {
		return nil, fmt.Errorf("query generation: %w", err)
	}
	var gq GeneratedQuery
	if err := json.Unmarshal(raw, &gq); err != nil {
		return nil, fmt.Errorf("query generation: unparseable model output: %w", err)
	}
	if !gq.CanAnswer || strings.TrimSpace(gq.SQL) == "" {
		return nil, &QueryError{Question: question, Reason: gq.Explanation}
	}
	gq.SQL = ensureTenantScope(gq.SQL, userID)
	return &gq, nil
}

// Run generates and executes the query. Single-row single-column results are
// unwrapped to the scalar.
func (g *QueryGenerator) Run(ctx context.Context, question, userID string) (any, *GeneratedQuery, error) {
	gq, err := g.Generate(ctx, question, userID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := g.store.Query(ctx, gq.SQL)
	if err != nil {
		return nil, gq, err
	}
	if len(rows) == 1 && len(rows[0]) == 1 {
		for _, v := range rows[0] {
			return v, gq, nil
		}
	}
	return rows, gq, nil
}

// ensureTenantScope guarantees the statement filters on user_id. Statements
// already mentioning the column pass through unchanged; otherwise the clause
// is spliced into the existing WHERE, or a new WHERE is inserted before any
// GROUP BY / ORDER BY / LIMIT tail, or appended.
func ensureTenantScope(sqlText, userID string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(sqlText), "; \t\n")
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "user_id") {
		return trimmed
	}
	clause := fmt.Sprintf("user_id = '%s'", strings.ReplaceAll(userID, "'", "''"))

	if idx := strings.Index(lower, " where "); idx >= 0 {
		head := trimmed[:idx+len(" where ")]
		rest := trimmed[idx+len(" where "):]
		cond, tail := splitTail(rest)
		return head + clause + " AND (" + strings.TrimSpace(cond) + ")" + tail
	}
	body, tail := splitTail(trimmed)
	return body + " WHERE " + clause + tail
}

// splitTail separates a GROUP BY / ORDER BY / LIMIT tail from what precedes
// it so new conditions land before the tail.
func splitTail(s string) (body, tail string) {
	lower := strings.ToLower(s)
	tailIdx := len(s)
	for _, kw := range []string{" group by ", " order by ", " limit "} {
		if i := strings.Index(lower, kw); i >= 0 && i < tailIdx {
			tailIdx = i
		}
	}
	return s[:tailIdx], s[tailIdx:]
}
