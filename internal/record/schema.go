package record

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// FieldType is the declared type of a record field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "boolean"
	TypeTime   FieldType = "timestamp"
)

// ParseFieldType accepts the canonical names plus the aliases used by the
// dashboard forms (text, select, bool, time).
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "text", "select":
		return TypeString, nil
	case "number", "numeric", "float", "int":
		return TypeNumber, nil
	case "boolean", "bool":
		return TypeBool, nil
	case "timestamp", "time", "datetime":
		return TypeTime, nil
	}
	return "", fmt.Errorf("unknown field type %q (must be one of: string, number, boolean, timestamp)", s)
}

// Schema is the set of known record fields and their declared types.
// It is immutable once built.
type Schema struct {
	fields map[string]FieldType
}

// NewSchema builds a schema from a field→type map. The built-in "id" and
// "status" fields are always present.
func NewSchema(fields map[string]FieldType) *Schema {
	s := &Schema{fields: make(map[string]FieldType, len(fields)+2)}
	maps.Copy(s.fields, fields)
	s.fields["id"] = TypeString
	s.fields["status"] = TypeString
	return s
}

// DefaultSchema is the testimonial schema: form fields, derived lengths and
// the classifier score fields.
func DefaultSchema() *Schema {
	return NewSchema(map[string]FieldType{
		"name":            TypeString,
		"email":           TypeString,
		"text":            TypeString,
		"category":        TypeString,
		"source":          TypeString,
		"user_agent":      TypeString,
		"ip_address":      TypeString,
		"rating":          TypeNumber,
		"length":          TypeNumber,
		"text_length":     TypeNumber,
		"has_video":       TypeBool,
		"has_photo":       TypeBool,
		"submission_time": TypeTime,
		"created_at":      TypeTime,
		"last_activity":   TypeTime,
		"sentiment":       TypeNumber,
		"quality":         TypeNumber,
	})
}

// With returns a new schema extended (or overridden) by extra.
func (s *Schema) With(extra map[string]FieldType) *Schema {
	merged := maps.Clone(s.fields)
	maps.Copy(merged, extra)
	return NewSchema(merged)
}

// Lookup returns the declared type of field.
func (s *Schema) Lookup(field string) (FieldType, bool) {
	t, ok := s.fields[field]
	return t, ok
}

// Names returns the known field names, sorted.
func (s *Schema) Names() []string {
	out := make([]string, 0, len(s.fields))
	for k := range s.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Fields returns a copy of the field→type map.
func (s *Schema) Fields() map[string]FieldType {
	return maps.Clone(s.fields)
}
