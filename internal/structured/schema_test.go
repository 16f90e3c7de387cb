package structured

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func paymentsSchema() *Schema {
	return &Schema{
		Name:        "payments",
		Description: "Money the user paid to someone",
		Fields: map[string]Field{
			"recipient":   {Type: FieldString, Required: true, Description: "Who was paid"},
			"amount":      {Type: FieldNumber, Required: true, Description: "Amount in dollars"},
			"description": {Type: FieldString},
			"date":        {Type: FieldDate},
			"recurring":   {Type: FieldBoolean},
			"method":      {Type: FieldEnum, Values: []string{"cash", "card", "transfer"}},
			"details":     {Type: FieldObject},
		},
	}
}

func TestSanitizeIdent(t *testing.T) {
	require.Equal(t, "my_payments", sanitizeIdent("My Payments"))
	require.Equal(t, "a_b_c", sanitizeIdent("a;b--c"))
	require.Equal(t, "drop_table_x", sanitizeIdent("DROP TABLE x"))
}

func TestDDLDerivation(t *testing.T) {
	ddl := paymentsSchema().DDL()
	require.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS payments")
	require.Contains(t, ddl, "id TEXT PRIMARY KEY")
	require.Contains(t, ddl, "user_id TEXT NOT NULL")
	require.Contains(t, ddl, "amount REAL")
	require.Contains(t, ddl, "recurring INTEGER")
	require.Contains(t, ddl, "recipient TEXT")
	require.Contains(t, ddl, "created_at TEXT NOT NULL")
	require.Contains(t, ddl, "idx_payments_user_id")
}

func TestValidateFullPayload(t *testing.T) {
	s := paymentsSchema()

	require.NoError(t, s.Validate(map[string]any{
		"recipient": "Jayden",
		"amount":    150.0,
	}, false))

	err := s.Validate(map[string]any{"recipient": "Jayden"}, false)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Issues, 1)
	require.Equal(t, "amount", verr.Issues[0].Field)
	require.Contains(t, verr.Issues[0].Message, "required")
}

func TestValidatePartialAllowsMissingRequired(t *testing.T) {
	s := paymentsSchema()
	require.NoError(t, s.Validate(map[string]any{"amount": 200.0}, true))
}

func TestValidateRejectsUnknownAndMistyped(t *testing.T) {
	s := paymentsSchema()
	err := s.Validate(map[string]any{
		"recipient": "Jayden",
		"amount":    "a lot",
		"surprise":  1,
	}, true)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Issues, 2)
	// Issues are sorted by field for stable messages.
	require.Equal(t, "amount", verr.Issues[0].Field)
	require.Equal(t, "surprise", verr.Issues[1].Field)
}

func TestValidateEnumAndDate(t *testing.T) {
	s := paymentsSchema()

	require.NoError(t, s.Validate(map[string]any{"method": "cash"}, true))
	require.Error(t, s.Validate(map[string]any{"method": "bitcoin"}, true))

	require.NoError(t, s.Validate(map[string]any{"date": "2026-08-26"}, true))
	require.NoError(t, s.Validate(map[string]any{"date": "2026-08-26T10:00:00Z"}, true))
	require.Error(t, s.Validate(map[string]any{"date": "yesterday"}, true))
}

func TestCoerceValue(t *testing.T) {
	s := paymentsSchema()

	v, err := s.CoerceValue("amount", "$1,150.50")
	require.NoError(t, err)
	require.Equal(t, 1150.50, v)

	_, err = s.CoerceValue("amount", "a lot")
	require.Error(t, err)

	for raw, want := range map[string]bool{"true": true, "Yes": true, "1": true, "no": false, "false": false} {
		v, err = s.CoerceValue("recurring", raw)
		require.NoError(t, err)
		require.Equal(t, want, v, raw)
	}

	v, err = s.CoerceValue("details", `{"invoice":"A-17"}`)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"invoice": "A-17"}, v)

	v, err = s.CoerceValue("recipient", "Jayden")
	require.NoError(t, err)
	require.Equal(t, "Jayden", v)

	_, err = s.CoerceValue("nope", "x")
	require.Error(t, err)
}
