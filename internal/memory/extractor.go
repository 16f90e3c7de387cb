package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	registryllm "github.com/recallhq/recall/internal/registry/llm"
)

// Consolidation actions.
const (
	ActionAdd    = "ADD"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
	ActionNone   = "NONE"
)

const extractSystemPrompt = `You are a memory extraction system. Extract meaningful, persistent facts about the user from the conversation text.

Rules:
- Only extract facts worth remembering long-term: identity, preferences, relationships, possessions, plans, health, work.
- One atomic fact per item. Never combine two facts into one item.
- Phrase every fact in the third person, e.g. "User works at Google", "User's wife is named Ana".
- The user's name is high-priority information; always extract it when mentioned.
- Skip pure greetings, small talk, and questions that reveal nothing about the user.
- If nothing is worth remembering, return an empty list.`

const consolidateSystemPrompt = `You are a memory consolidation system. Given a new fact and a list of existing memories, decide exactly one action.

Actions:
- ADD: the fact is genuinely new information not covered by any existing memory. Return the fact as "content".
- UPDATE: the fact enriches or corrects one specific existing memory. Return that memory's "id" and the merged "content".
- DELETE: the fact contradicts or invalidates one existing memory. Return that memory's "id".
- NONE: the fact is already captured by an existing memory; nothing changes.

Examples:
- New fact "User works at Google", no related memories -> {"action":"ADD","content":"User works at Google"}
- New fact "User's name is John Doe", memory {"id":"0","content":"User's name is John"} -> {"action":"UPDATE","id":"0","content":"User's name is John Doe"}
- New fact "User no longer works at Google", memory {"id":"1","content":"User works at Google"} -> {"action":"DELETE","id":"1"}
- New fact "User's name is John", memory {"id":"0","content":"User's name is John"} -> {"action":"NONE"}

Return exactly one action per invocation.`

var extractSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"facts"},
	"properties": map[string]any{
		"facts": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"content"},
				"properties": map[string]any{
					"content": map[string]any{"type": "string"},
				},
			},
		},
	},
}

var consolidateSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"action", "id", "content"},
	"properties": map[string]any{
		"action": map[string]any{
			"type": "string",
			"enum": []string{ActionAdd, ActionUpdate, ActionDelete, ActionNone},
		},
		"id":      map[string]any{"type": "string"},
		"content": map[string]any{"type": "string"},
	},
}

// Candidate is an existing memory presented to the consolidation call.
// ID is the per-call ordinal, never the real identifier.
type Candidate struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Decision is the consolidation outcome. ID references a Candidate ordinal.
type Decision struct {
	Action  string `json:"action"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
}

// Extractor wraps the two LLM round-trips of the unstructured pipeline.
type Extractor struct {
	llm registryllm.Provider
}

// NewExtractor returns an Extractor over the given provider.
func NewExtractor(provider registryllm.Provider) *Extractor {
	return &Extractor{llm: provider}
}

// ExtractFacts atomises conversation text into third-person facts.
// An unparseable or empty response yields an empty slice, not an error.
func (e *Extractor) ExtractFacts(ctx context.Context, text string) ([]string, error) {
	raw, err := e.llm.Complete(ctx, registryllm.CompletionRequest{
		System:     extractSystemPrompt,
		User:       text,
		SchemaName: "extracted_facts",
		Schema:     extractSchema,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Facts []struct {
			Content string `json:"content"`
		} `json:"facts"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil
	}
	facts := make([]string, 0, len(parsed.Facts))
	for _, f := range parsed.Facts {
		if strings.TrimSpace(f.Content) != "" {
			facts = append(facts, f.Content)
		}
	}
	return facts, nil
}

// Consolidate classifies a new fact against its neighbours. With no
// candidates the LLM call is skipped and ADD is returned locally. Any
// provider failure or malformed response also degrades to ADD with the raw
// fact so the pipeline never crashes on a bad completion.
func (e *Extractor) Consolidate(ctx context.Context, fact string, candidates []Candidate) Decision {
	if len(candidates) == 0 {
		return Decision{Action: ActionAdd, Content: fact}
	}

	existing, err := json.Marshal(candidates)
	if err != nil {
		return Decision{Action: ActionAdd, Content: fact}
	}
	user := fmt.Sprintf("New fact: %s\n\nExisting memories:\n%s", fact, existing)

	raw, err := e.llm.Complete(ctx, registryllm.CompletionRequest{
		System:     consolidateSystemPrompt,
		User:       user,
		SchemaName: "consolidation_decision",
		Schema:     consolidateSchema,
	})
	if err != nil {
		return Decision{Action: ActionAdd, Content: fact}
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{Action: ActionAdd, Content: fact}
	}
	switch d.Action {
	case ActionAdd, ActionUpdate, ActionDelete, ActionNone:
	default:
		return Decision{Action: ActionAdd, Content: fact}
	}
	if d.Action == ActionAdd && d.Content == "" {
		d.Content = fact
	}
	return d
}
