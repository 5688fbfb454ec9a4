package types

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateColumn   = errors.New("types: duplicate column name")
	ErrInvalidPrimaryKey = errors.New("types: invalid primary key")
)

// SourceDefinition records where a column came from.
type SourceDefinition struct {
	Connection string
	Table      string
}

// FieldDefinition declares one column of a schema.
type FieldDefinition struct {
	Name     string
	Type     FieldType
	Nullable bool
	Source   SourceDefinition
}

// Schema is an ordered sequence of column definitions plus the positions of
// the primary key columns. Schemas are immutable after build; treat them as
// read-only everywhere past the DAG builder.
type Schema struct {
	Fields       []FieldDefinition
	PrimaryIndex []int
}

// NewSchema builds and validates a schema.
func NewSchema(fields []FieldDefinition, primaryIndex []int) (Schema, error) {
	s := Schema{Fields: fields, PrimaryIndex: primaryIndex}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

// Validate checks the schema invariants: unique names, primary index positions
// in range, no nullable primary key columns.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateColumn, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	for _, idx := range s.PrimaryIndex {
		if idx < 0 || idx >= len(s.Fields) {
			return fmt.Errorf("%w: position %d out of range", ErrInvalidPrimaryKey, idx)
		}
		if s.Fields[idx].Nullable {
			return fmt.Errorf("%w: column %q is nullable", ErrInvalidPrimaryKey, s.Fields[idx].Name)
		}
	}
	return nil
}

// FieldIndex returns the position of the named column, or -1.
func (s Schema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Field returns the definition of the named column.
func (s Schema) Field(name string) (FieldDefinition, bool) {
	i := s.FieldIndex(name)
	if i < 0 {
		return FieldDefinition{}, false
	}
	return s.Fields[i], true
}

// Clone returns a deep copy. The builder clones before rewriting; everybody
// else shares.
func (s Schema) Clone() Schema {
	out := Schema{
		Fields:       make([]FieldDefinition, len(s.Fields)),
		PrimaryIndex: make([]int, len(s.PrimaryIndex)),
	}
	copy(out.Fields, s.Fields)
	copy(out.PrimaryIndex, s.PrimaryIndex)
	return out
}

// Record is an ordered sequence of field values matching a schema.
type Record []Field

// ErrSchemaMismatch is returned when a record does not fit its schema.
var ErrSchemaMismatch = errors.New("types: record does not match schema")

// Check validates a record against a schema: length, per-column type, and
// nullability.
func (r Record) Check(s Schema) error {
	if len(r) != len(s.Fields) {
		return fmt.Errorf("%w: got %d values, schema has %d columns", ErrSchemaMismatch, len(r), len(s.Fields))
	}
	for i, f := range r {
		def := s.Fields[i]
		if f.Kind == TypeNull {
			if !def.Nullable {
				return fmt.Errorf("%w: null in non-nullable column %q", ErrSchemaMismatch, def.Name)
			}
			continue
		}
		if f.Kind != def.Type {
			return fmt.Errorf("%w: column %q expects %s, got %s", ErrSchemaMismatch, def.Name, def.Type, f.Kind)
		}
	}
	return nil
}

// PrimaryKey extracts the primary key fields in index order.
func (r Record) PrimaryKey(s Schema) []Field {
	key := make([]Field, len(s.PrimaryIndex))
	for i, idx := range s.PrimaryIndex {
		key[i] = r[idx]
	}
	return key
}

// Clone returns a copy of the record. Field payloads that alias memory
// (Binary) are copied too.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	copy(out, r)
	for i := range out {
		if out[i].Kind == TypeBinary && out[i].Binary != nil {
			b := make([]byte, len(out[i].Binary))
			copy(b, out[i].Binary)
			out[i].Binary = b
		}
	}
	return out
}

// Equal compares two records structurally.
func (r Record) Equal(o Record) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}
