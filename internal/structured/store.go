package structured

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/recallhq/recall/internal/model"
	regstore "github.com/recallhq/recall/internal/registry/store"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// Record is one row of a schema table with the storage columns projected
// back into schema types.
type Record struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	CreatedAt string         `json:"createdAt"`
	UpdatedAt string         `json:"updatedAt"`
}

// Store persists schema records in per-schema SQL tables. All reads and
// writes are scoped to a user id.
type Store struct {
	db      *gorm.DB
	schemas map[string]*Schema
}

// NewStore materialises a table per schema and returns the store.
func NewStore(db *gorm.DB, schemas []*Schema) (*Store, error) {
	byName := make(map[string]*Schema, len(schemas))
	for _, s := range schemas {
		if err := db.Exec(s.DDL()).Error; err != nil {
			return nil, &regstore.StorageError{Op: "migrate " + s.TableName(), Err: err}
		}
		byName[s.Name] = s
	}
	return &Store{db: db, schemas: byName}, nil
}

// Schema returns the declared schema by name.
func (st *Store) Schema(name string) (*Schema, bool) {
	s, ok := st.schemas[name]
	return s, ok
}

// SchemaNames returns the declared schema names in deterministic order.
func (st *Store) SchemaNames() []string {
	names := make([]string, 0, len(st.schemas))
	for name := range st.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Insert validates data against the schema and writes a new row.
func (st *Store) Insert(ctx context.Context, schema *Schema, userID string, data map[string]any) (*Record, error) {
	if err := schema.Validate(data, false); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	now := model.Now().Format(timeLayout)

	cols := []string{"id", "user_id"}
	args := []any{id, userID}
	for _, name := range schema.FieldNames() {
		v, ok := data[name]
		if !ok {
			continue
		}
		cols = append(cols, sanitizeIdent(name))
		args = append(args, toColumn(schema.Fields[name], v))
	}
	cols = append(cols, "created_at", "updated_at")
	args = append(args, now, now)

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		schema.TableName(), strings.Join(cols, ", "), placeholders(len(cols)))
	if err := st.db.WithContext(ctx).Exec(q, args...).Error; err != nil {
		return nil, &regstore.StorageError{Op: "insert " + schema.TableName(), Err: err}
	}
	return st.Get(ctx, schema, userID, id)
}

// Get returns one record by id, tenant-scoped.
func (st *Store) Get(ctx context.Context, schema *Schema, userID, id string) (*Record, error) {
	q := fmt.Sprintf("SELECT * FROM %s WHERE id = ? AND user_id = ?", schema.TableName())
	recs, err := st.scan(ctx, schema, q, id, userID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &regstore.NotFoundError{Resource: "record", ID: id}
	}
	return &recs[0], nil
}

// List returns the user's records, most recent first.
func (st *Store) List(ctx context.Context, schema *Schema, userID string, limit, offset int) ([]Record, error) {
	q := fmt.Sprintf(
		"SELECT * FROM %s WHERE user_id = ? ORDER BY created_at DESC, id ASC LIMIT NULLIF(?, -1) OFFSET ?",
		schema.TableName())
	if limit <= 0 {
		limit = -1
	}
	return st.scan(ctx, schema, q, userID, limit, offset)
}

// Update validates a partial payload and applies it to one row.
func (st *Store) Update(ctx context.Context, schema *Schema, userID, id string, data map[string]any) (*Record, error) {
	if err := schema.Validate(data, true); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return st.Get(ctx, schema, userID, id)
	}
	sets := make([]string, 0, len(data)+1)
	args := make([]any, 0, len(data)+3)
	for _, name := range schema.FieldNames() {
		v, ok := data[name]
		if !ok {
			continue
		}
		sets = append(sets, sanitizeIdent(name)+" = ?")
		args = append(args, toColumn(schema.Fields[name], v))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, model.Now().Format(timeLayout), id, userID)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND user_id = ?",
		schema.TableName(), strings.Join(sets, ", "))
	res := st.db.WithContext(ctx).Exec(q, args...)
	if res.Error != nil {
		return nil, &regstore.StorageError{Op: "update " + schema.TableName(), Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return nil, &regstore.NotFoundError{Resource: "record", ID: id}
	}
	return st.Get(ctx, schema, userID, id)
}

// Delete removes one row, tenant-scoped.
func (st *Store) Delete(ctx context.Context, schema *Schema, userID, id string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE id = ? AND user_id = ?", schema.TableName())
	res := st.db.WithContext(ctx).Exec(q, id, userID)
	if res.Error != nil {
		return &regstore.StorageError{Op: "delete " + schema.TableName(), Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &regstore.NotFoundError{Resource: "record", ID: id}
	}
	return nil
}

// FindByField returns the user's records whose field equals value, most
// recent first. The value is coerced to the field's column representation
// before comparison.
func (st *Store) FindByField(ctx context.Context, schema *Schema, userID, field string, value any) ([]Record, error) {
	f, ok := schema.Fields[field]
	if !ok {
		return nil, &ValidationError{Schema: schema.Name, Issues: []FieldIssue{{Field: field, Message: "unknown field"}}}
	}
	q := fmt.Sprintf(
		"SELECT * FROM %s WHERE user_id = ? AND %s = ? ORDER BY created_at DESC, id ASC",
		schema.TableName(), sanitizeIdent(field))
	return st.scan(ctx, schema, q, userID, toColumn(f, value))
}

// MostRecent returns the user's newest record or a NotFoundError.
func (st *Store) MostRecent(ctx context.Context, schema *Schema, userID string) (*Record, error) {
	recs, err := st.List(ctx, schema, userID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &regstore.NotFoundError{Resource: "record", ID: "most recent"}
	}
	return &recs[0], nil
}

// Query executes a read-only statement and returns generic rows. Anything
// whose first token is not SELECT is rejected before it reaches the driver.
func (st *Store) Query(ctx context.Context, sqlText string) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(sqlText)
	var first string
	if fields := strings.Fields(trimmed); len(fields) > 0 {
		first = fields[0]
	}
	if !strings.EqualFold(first, "SELECT") {
		return nil, fmt.Errorf("only SELECT statements are allowed, got %q", first)
	}
	rows, err := st.db.WithContext(ctx).Raw(trimmed).Rows()
	if err != nil {
		return nil, &regstore.StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &regstore.StorageError{Op: "query columns", Err: err}
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &regstore.StorageError{Op: "query scan", Err: err}
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeSQLValue(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (st *Store) scan(ctx context.Context, schema *Schema, q string, args ...any) ([]Record, error) {
	rows, err := st.db.WithContext(ctx).Raw(q, args...).Rows()
	if err != nil {
		return nil, &regstore.StorageError{Op: "select " + schema.TableName(), Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &regstore.StorageError{Op: "select columns", Err: err}
	}
	var out []Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &regstore.StorageError{Op: "select scan", Err: err}
		}
		rec := Record{Data: make(map[string]any, len(schema.Fields))}
		for i, c := range cols {
			v := normalizeSQLValue(vals[i])
			switch c {
			case "id":
				rec.ID, _ = v.(string)
			case "user_id":
				// tenancy column, not part of the projected payload
			case "created_at":
				rec.CreatedAt, _ = v.(string)
			case "updated_at":
				rec.UpdatedAt, _ = v.(string)
			default:
				if f, ok := fieldByColumn(schema, c); ok && v != nil {
					rec.Data[f.name] = fromColumn(f.field, v)
				}
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type namedField struct {
	name  string
	field Field
}

func fieldByColumn(schema *Schema, col string) (namedField, bool) {
	for name, f := range schema.Fields {
		if sanitizeIdent(name) == col {
			return namedField{name: name, field: f}, true
		}
	}
	return namedField{}, false
}

// toColumn converts a validated schema value to its storage representation.
func toColumn(f Field, v any) any {
	switch f.Type {
	case FieldBoolean:
		if b, ok := v.(bool); ok {
			if b {
				return 1
			}
			return 0
		}
	case FieldObject, FieldArray:
		buf, err := json.Marshal(v)
		if err == nil {
			return string(buf)
		}
	}
	return v
}

// fromColumn converts a stored column value back to the schema type.
func fromColumn(f Field, v any) any {
	switch f.Type {
	case FieldBoolean:
		switch n := v.(type) {
		case int64:
			return n != 0
		case float64:
			return n != 0
		case bool:
			return n
		}
	case FieldNumber:
		switch n := v.(type) {
		case int64:
			return float64(n)
		case float64:
			return n
		}
	case FieldObject:
		if s, ok := v.(string); ok {
			var m map[string]any
			if json.Unmarshal([]byte(s), &m) == nil {
				return m
			}
		}
	case FieldArray:
		if s, ok := v.(string); ok {
			var a []any
			if json.Unmarshal([]byte(s), &a) == nil {
				return a
			}
		}
	}
	return v
}

func normalizeSQLValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
