package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/internal/testutil/fakes"
)

func TestExtractFactsParsesAndTrims(t *testing.T) {
	p := &fakes.Provider{Completions: []string{
		`{"facts":[{"content":"User works at Google"},{"content":"   "},{"content":"User's wife is named Ana"}]}`,
	}}
	e := NewExtractor(p)

	facts, err := e.ExtractFacts(context.Background(), "I work at Google, my wife Ana says hi")
	require.NoError(t, err)
	require.Equal(t, []string{"User works at Google", "User's wife is named Ana"}, facts)
}

func TestExtractFactsUnparseableYieldsEmpty(t *testing.T) {
	p := &fakes.Provider{Completions: []string{`this is not json`}}
	e := NewExtractor(p)

	facts, err := e.ExtractFacts(context.Background(), "hello")
	require.NoError(t, err)
	require.Empty(t, facts)
}

func TestExtractFactsProviderError(t *testing.T) {
	p := &fakes.Provider{Err: fmt.Errorf("upstream timeout")}
	e := NewExtractor(p)

	_, err := e.ExtractFacts(context.Background(), "hello")
	require.Error(t, err)
}

func TestConsolidateNoCandidatesSkipsLLM(t *testing.T) {
	p := &fakes.Provider{}
	e := NewExtractor(p)

	d := e.Consolidate(context.Background(), "User works at Google", nil)
	require.Equal(t, ActionAdd, d.Action)
	require.Equal(t, "User works at Google", d.Content)
	require.Empty(t, p.CompleteCalls)
}

func TestConsolidateUpdateDecision(t *testing.T) {
	p := &fakes.Provider{Completions: []string{
		`{"action":"UPDATE","id":"1","content":"User's name is John Doe"}`,
	}}
	e := NewExtractor(p)

	candidates := []Candidate{
		{ID: "0", Content: "User works at Google"},
		{ID: "1", Content: "User's name is John"},
	}
	d := e.Consolidate(context.Background(), "User's name is John Doe", candidates)
	require.Equal(t, ActionUpdate, d.Action)
	require.Equal(t, "1", d.ID)
	require.Equal(t, "User's name is John Doe", d.Content)

	// The prompt carries ordinals, not real identifiers.
	require.Len(t, p.CompleteCalls, 1)
	require.Contains(t, p.CompleteCalls[0].User, `"id":"0"`)
	require.Contains(t, p.CompleteCalls[0].User, `"id":"1"`)
}

func TestConsolidateDegradesToAddOnFailure(t *testing.T) {
	candidates := []Candidate{{ID: "0", Content: "User works at Google"}}

	for name, p := range map[string]*fakes.Provider{
		"provider error": {Err: fmt.Errorf("boom")},
		"malformed json": {Completions: []string{`{{{`}},
		"unknown action": {Completions: []string{`{"action":"MERGE","id":"0","content":"x"}`}},
	} {
		t.Run(name, func(t *testing.T) {
			e := NewExtractor(p)
			d := e.Consolidate(context.Background(), "User lives in Paris", candidates)
			require.Equal(t, ActionAdd, d.Action)
			require.Equal(t, "User lives in Paris", d.Content)
		})
	}
}

func TestConsolidateAddBackfillsContent(t *testing.T) {
	p := &fakes.Provider{Completions: []string{`{"action":"ADD","id":"","content":""}`}}
	e := NewExtractor(p)

	d := e.Consolidate(context.Background(), "User lives in Paris", []Candidate{{ID: "0", Content: "x"}})
	require.Equal(t, ActionAdd, d.Action)
	require.Equal(t, "User lives in Paris", d.Content)
}
