package structured

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/internal/testutil/fakes"
)

func TestEnsureTenantScope(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "no where clause",
			in:   "SELECT SUM(amount) FROM payments",
			want: "SELECT SUM(amount) FROM payments WHERE user_id = 'alice'",
		},
		{
			name: "extends existing where",
			in:   "SELECT * FROM payments WHERE recipient LIKE '%Jayden%'",
			want: "SELECT * FROM payments WHERE user_id = 'alice' AND (recipient LIKE '%Jayden%')",
		},
		{
			name: "inserted before group by",
			in:   "SELECT recipient, SUM(amount) FROM payments GROUP BY recipient",
			want: "SELECT recipient, SUM(amount) FROM payments WHERE user_id = 'alice' GROUP BY recipient",
		},
		{
			name: "inserted before order by and limit",
			in:   "SELECT * FROM payments ORDER BY created_at DESC LIMIT 5",
			want: "SELECT * FROM payments WHERE user_id = 'alice' ORDER BY created_at DESC LIMIT 5",
		},
		{
			name: "where with tail keeps tail outside",
			in:   "SELECT recipient, SUM(amount) FROM payments WHERE amount > 10 GROUP BY recipient",
			want: "SELECT recipient, SUM(amount) FROM payments WHERE user_id = 'alice' AND (amount > 10) GROUP BY recipient",
		},
		{
			name: "already scoped passes through",
			in:   "SELECT * FROM payments WHERE user_id = 'alice'",
			want: "SELECT * FROM payments WHERE user_id = 'alice'",
		},
		{
			name: "trailing semicolon stripped",
			in:   "SELECT SUM(amount) FROM payments;",
			want: "SELECT SUM(amount) FROM payments WHERE user_id = 'alice'",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ensureTenantScope(tc.in, "alice"))
		})
	}
}

func TestEnsureTenantScopeEscapesQuotes(t *testing.T) {
	out := ensureTenantScope("SELECT * FROM payments", "o'brien")
	require.Contains(t, out, "user_id = 'o''brien'")
}

func TestGenerateDeclinedQuestion(t *testing.T) {
	st := newTestStore(t)
	p := &fakes.Provider{Completions: []string{
		`{"canAnswer":false,"sql":"","explanation":"no table stores weather"}`,
	}}
	g := NewQueryGenerator(p, st)

	_, err := g.Generate(context.Background(), "what's the weather", "alice")
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	require.Contains(t, qerr.Reason, "weather")
}

func TestRunUnwrapsScalarAggregate(t *testing.T) {
	st := newTestStore(t)
	schema, _ := st.Schema("payments")
	ctx := context.Background()

	for _, amount := range []float64{150, 200} {
		_, err := st.Insert(ctx, schema, "alice", map[string]any{"recipient": "Jayden", "amount": amount})
		require.NoError(t, err)
	}
	// A different tenant's rows must not leak into the aggregate.
	_, err := st.Insert(ctx, schema, "bob", map[string]any{"recipient": "Jayden", "amount": 999.0})
	require.NoError(t, err)

	p := &fakes.Provider{Completions: []string{
		`{"canAnswer":true,"sql":"SELECT SUM(amount) AS total FROM payments WHERE recipient = 'Jayden'","explanation":"sums payments to Jayden"}`,
	}}
	g := NewQueryGenerator(p, st)

	value, gq, err := g.Run(ctx, "how much have I paid Jayden?", "alice")
	require.NoError(t, err)
	require.Contains(t, gq.SQL, "user_id = 'alice'")
	require.EqualValues(t, 350.0, value)
}

func TestRunReturnsRowsForMultiColumnResults(t *testing.T) {
	st := newTestStore(t)
	schema, _ := st.Schema("payments")
	ctx := context.Background()

	_, err := st.Insert(ctx, schema, "alice", map[string]any{"recipient": "Jayden", "amount": 150.0})
	require.NoError(t, err)

	p := &fakes.Provider{Completions: []string{
		`{"canAnswer":true,"sql":"SELECT recipient, amount FROM payments","explanation":"lists payments"}`,
	}}
	g := NewQueryGenerator(p, st)

	value, _, err := g.Run(ctx, "list my payments", "alice")
	require.NoError(t, err)
	rows, ok := value.([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	require.Equal(t, "Jayden", rows[0]["recipient"])
}
