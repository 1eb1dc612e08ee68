package colpack

import (
	"fmt"
	"strings"

	"github.com/zzcclp/blaze/colpack/format"
)

// Field describes one column of a schema.
type Field struct {
	Name     string
	Kind     Kind
	Nullable bool
}

func (f Field) String() string {
	if f.Nullable {
		return fmt.Sprintf("%s %s NULLABLE", f.Name, f.Kind)
	}
	return fmt.Sprintf("%s %s", f.Name, f.Kind)
}

// Schema is an ordered list of uniquely named fields. Colpack schemas are
// flat; there are no groups or repeated columns.
type Schema struct {
	fields []Field
	names  map[string]int
}

// NewSchema constructs a schema from the given fields, validating that field
// names are non-empty and unique and that field kinds are known.
func NewSchema(fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("schemas must have at least one field")
	}
	if len(fields) > maxColumnCount {
		return nil, fmt.Errorf("too many fields in schema: %d", len(fields))
	}
	s := &Schema{
		fields: make([]Field, len(fields)),
		names:  make(map[string]int, len(fields)),
	}
	copy(s.fields, fields)
	for i, f := range s.fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has no name", i)
		}
		if _, exists := s.names[f.Name]; exists {
			return nil, fmt.Errorf("duplicate field name: %q", f.Name)
		}
		if f.Kind < Boolean || f.Kind > ByteArray {
			return nil, fmt.Errorf("field %q has unsupported kind: %d", f.Name, int32(f.Kind))
		}
		s.names[f.Name] = i
	}
	return s, nil
}

// NumFields returns the number of fields of the schema.
func (s *Schema) NumFields() int { return len(s.fields) }

// Field returns the field at the given index.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Fields returns the fields of the schema. The returned slice is shared and
// must not be modified.
func (s *Schema) Fields() []Field { return s.fields }

// Lookup returns the index of the field with the given name.
func (s *Schema) Lookup(name string) (int, bool) {
	i, ok := s.names[name]
	return i, ok
}

func (s *Schema) String() string {
	b := new(strings.Builder)
	b.WriteString("schema {")
	for i, f := range s.fields {
		if i > 0 {
			b.WriteString(";")
		}
		b.WriteString(" ")
		b.WriteString(f.String())
	}
	b.WriteString(" }")
	return b.String()
}

func (s *Schema) formatElements() []format.SchemaElement {
	elements := make([]format.SchemaElement, len(s.fields))
	for i, f := range s.fields {
		elements[i] = format.SchemaElement{
			Name:     f.Name,
			Kind:     f.Kind,
			Nullable: f.Nullable,
		}
	}
	return elements
}

func schemaOf(elements []format.SchemaElement) (*Schema, error) {
	fields := make([]Field, len(elements))
	for i, e := range elements {
		fields[i] = Field{
			Name:     e.Name,
			Kind:     e.Kind,
			Nullable: e.Nullable,
		}
	}
	return NewSchema(fields...)
}
