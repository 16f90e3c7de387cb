package structured

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	registryllm "github.com/recallhq/recall/internal/registry/llm"
	"github.com/recallhq/recall/internal/testutil/fakes"
)

func TestAgentSearchThenUpdate(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	schema, _ := st.Schema("payments")

	jayden, err := st.Insert(ctx, schema, "alice", map[string]any{"recipient": "Jayden", "amount": 150.0})
	require.NoError(t, err)
	_, err = st.Insert(ctx, schema, "alice", map[string]any{"recipient": "Bob", "amount": 20.0})
	require.NoError(t, err)

	p := &fakes.Provider{ChatResponses: []registryllm.ChatResponse{
		{ToolCalls: []registryllm.ToolCall{{
			ID: "c1", Name: "searchRecords",
			Arguments: json.RawMessage(`{"schema":"payments","field":"recipient","value":"jayden"}`),
		}}},
		{ToolCalls: []registryllm.ToolCall{{
			ID: "c2", Name: "updateRecord",
			Arguments: json.RawMessage(`{"schema":"payments","id":"0","data":{"amount":200}}`),
		}}},
		{Content: "Updated the Jayden payment to $200."},
	}}
	agent := NewAgent(p, st, 0, nil)

	res, err := agent.Run(ctx, "alice", "Actually that payment to Jayden was $200", testNow)
	require.NoError(t, err)
	require.Equal(t, "Updated the Jayden payment to $200.", res.Text)
	require.Equal(t, 2, res.Steps)
	require.True(t, res.DataModified)
	require.Len(t, res.ToolCalls, 2)

	// The ordinal, not the real id, is what travels through the loop.
	require.Contains(t, res.ToolCalls[0].Result, `"id":"0"`)
	require.NotContains(t, res.ToolCalls[0].Result, jayden.ID)

	// Tool results are fed back linked to the call that produced them.
	second := p.ChatCalls[1].Messages
	last := second[len(second)-1]
	require.Equal(t, registryllm.RoleTool, last.Role)
	require.Equal(t, "c1", last.ToolCallID)

	got, err := st.Get(ctx, schema, "alice", jayden.ID)
	require.NoError(t, err)
	require.Equal(t, 200.0, got.Data["amount"])
}

func TestAgentRejectsUnknownOrdinal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p := &fakes.Provider{ChatResponses: []registryllm.ChatResponse{
		{ToolCalls: []registryllm.ToolCall{{
			ID: "c1", Name: "deleteRecord",
			Arguments: json.RawMessage(`{"schema":"payments","id":"7"}`),
		}}},
		{Content: "I could not find that record."},
	}}
	agent := NewAgent(p, st, 0, nil)

	res, err := agent.Run(ctx, "alice", "Delete my last payment", testNow)
	require.NoError(t, err)
	require.False(t, res.DataModified)
	require.Contains(t, res.ToolCalls[0].Result, "unknown record id")
}

func TestAgentValidationErrorIsToolResult(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p := &fakes.Provider{ChatResponses: []registryllm.ChatResponse{
		{ToolCalls: []registryllm.ToolCall{{
			ID: "c1", Name: "insertRecord",
			Arguments: json.RawMessage(`{"schema":"payments","data":{"recipient":"Jayden","amount":"a lot"}}`),
		}}},
		{Content: "The amount has to be a number."},
	}}
	agent := NewAgent(p, st, 0, nil)

	res, err := agent.Run(ctx, "alice", "Log a payment to Jayden", testNow)
	require.NoError(t, err)
	require.False(t, res.DataModified)
	require.Contains(t, res.ToolCalls[0].Result, "validation failed")
	require.Contains(t, res.ToolCalls[0].Result, "amount")
}

func TestAgentStopsAtStepBound(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	list := registryllm.ChatResponse{ToolCalls: []registryllm.ToolCall{{
		ID: "c", Name: "listRecords",
		Arguments: json.RawMessage(`{"schema":"payments"}`),
	}}}
	p := &fakes.Provider{ChatResponses: []registryllm.ChatResponse{list, list, list}}
	agent := NewAgent(p, st, 3, nil)

	res, err := agent.Run(ctx, "alice", "Clean up my payments", testNow)
	require.NoError(t, err)
	require.Equal(t, 3, res.Steps)
	require.Equal(t, "Stopped before finishing: too many tool calls.", res.Text)
}
