// Package structured implements the structured memory pipeline: intent
// detection over declared schemas, dynamic per-user SQL tables, safe
// LLM-generated queries and a bounded tool-using agent.
package structured

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FieldType enumerates the supported field types of a schema declaration.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldEnum    FieldType = "enum"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

// Field declares one typed field of a schema.
type Field struct {
	Type        FieldType
	Required    bool
	Description string
	// Values restricts an enum field.
	Values []string
}

// Schema is a named record shape. It is the single source of truth for the
// table DDL, the prompt field listing and the row validator.
type Schema struct {
	Name        string
	Description string
	Fields      map[string]Field
}

var identRe = regexp.MustCompile(`[^a-z0-9_]+`)

// sanitizeIdent reduces a name to [a-z0-9_]+ so it is safe to interpolate
// into DDL. Model output never reaches SQL unsanitised.
func sanitizeIdent(s string) string {
	return identRe.ReplaceAllString(strings.ToLower(s), "_")
}

// TableName returns the sanitised SQL table name.
func (s *Schema) TableName() string {
	return sanitizeIdent(s.Name)
}

// FieldNames returns the schema's field names in deterministic order.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func columnType(t FieldType) string {
	switch t {
	case FieldNumber:
		return "REAL"
	case FieldBoolean:
		return "INTEGER"
	default:
		// dates, enums, strings and JSON-encoded objects/arrays all persist
		// as text.
		return "TEXT"
	}
}

// DDL returns the idempotent CREATE TABLE statement for the schema.
func (s *Schema) DDL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", s.TableName())
	b.WriteString("    id TEXT PRIMARY KEY,\n")
	b.WriteString("    user_id TEXT NOT NULL,\n")
	for _, name := range s.FieldNames() {
		fmt.Fprintf(&b, "    %s %s,\n", sanitizeIdent(name), columnType(s.Fields[name].Type))
	}
	b.WriteString("    created_at TEXT NOT NULL,\n")
	b.WriteString("    updated_at TEXT NOT NULL\n")
	b.WriteString(");\n")
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_user_id ON %s(user_id);\n", s.TableName(), s.TableName())
	return b.String()
}

// FieldIssue is one per-field validation message.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a payload against the declared schema.
type ValidationError struct {
	Schema string
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		msgs[i] = iss.Field + ": " + iss.Message
	}
	return fmt.Sprintf("schema %s validation failed: %s", e.Schema, strings.Join(msgs, "; "))
}

// Validate checks a payload against the schema. With partial set, missing
// required fields are allowed (used by updates); unknown fields are always
// rejected.
func (s *Schema) Validate(data map[string]any, partial bool) error {
	var issues []FieldIssue
	for name := range data {
		if _, ok := s.Fields[name]; !ok {
			issues = append(issues, FieldIssue{Field: name, Message: "unknown field"})
		}
	}
	if !partial {
		for _, name := range s.FieldNames() {
			f := s.Fields[name]
			if f.Required {
				if _, ok := data[name]; !ok {
					issues = append(issues, FieldIssue{Field: name, Message: "required field missing"})
				}
			}
		}
	}
	for name, value := range data {
		f, ok := s.Fields[name]
		if !ok {
			continue
		}
		if msg := checkType(f, value); msg != "" {
			issues = append(issues, FieldIssue{Field: name, Message: msg})
		}
	}
	if len(issues) > 0 {
		sort.Slice(issues, func(i, j int) bool { return issues[i].Field < issues[j].Field })
		return &ValidationError{Schema: s.Name, Issues: issues}
	}
	return nil
}

func checkType(f Field, value any) string {
	switch f.Type {
	case FieldString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected string, got %T", value)
		}
	case FieldNumber:
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Sprintf("expected number, got %T", value)
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", value)
		}
	case FieldDate:
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("expected ISO date string, got %T", value)
		}
		if _, err := parseISODate(s); err != nil {
			return fmt.Sprintf("invalid date %q", s)
		}
	case FieldEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("expected enum string, got %T", value)
		}
		for _, v := range f.Values {
			if v == s {
				return ""
			}
		}
		return fmt.Sprintf("%q is not one of %v", s, f.Values)
	case FieldObject:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("expected object, got %T", value)
		}
	case FieldArray:
		if _, ok := value.([]any); !ok {
			return fmt.Sprintf("expected array, got %T", value)
		}
	}
	return ""
}

func parseISODate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 date: %q", s)
}

var moneyCleaner = strings.NewReplacer("$", "", ",", "", " ", "")

// CoerceValue converts an LLM-transported string value into the field's Go
// type. Values travel as strings so the model cannot emit unexpected shapes.
func (s *Schema) CoerceValue(field, raw string) (any, error) {
	f, ok := s.Fields[field]
	if !ok {
		return nil, fmt.Errorf("unknown field %q", field)
	}
	switch f.Type {
	case FieldNumber:
		n, err := strconv.ParseFloat(moneyCleaner.Replace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %q is not a number", field, raw)
		}
		return n, nil
	case FieldBoolean:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "yes", "1":
			return true, nil
		default:
			return false, nil
		}
	case FieldObject:
		var v map[string]any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("field %s: invalid JSON object", field)
		}
		return v, nil
	case FieldArray:
		var v []any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("field %s: invalid JSON array", field)
		}
		return v, nil
	default:
		return raw, nil
	}
}

// PromptFields renders the field listing the intent prompt embeds.
func (s *Schema) PromptFields() string {
	var b strings.Builder
	for _, name := range s.FieldNames() {
		f := s.Fields[name]
		req := "optional"
		if f.Required {
			req = "required"
		}
		fmt.Fprintf(&b, "  - %s (%s, %s)", name, f.Type, req)
		if f.Type == FieldEnum {
			fmt.Fprintf(&b, " one of %v", f.Values)
		}
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
