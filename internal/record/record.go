// Package record defines recipient schemas and the records rendered by the template engine.
package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// fieldNamePattern is the set of names that are safe to reference from a template
var fieldNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// SchemaValidationError is returned when a field violates the schema
type SchemaValidationError struct {
	Field  string
	Reason string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("field %q %s", e.Field, e.Reason)
}

// ValidateFieldName checks a single field name against the naming rule
func ValidateFieldName(name string) error {
	if !fieldNamePattern.MatchString(name) {
		return &SchemaValidationError{
			Field:  name,
			Reason: "must be lowercase alphanumeric characters or underscore",
		}
	}
	return nil
}

// validateValue rejects values the fingerprint cannot represent exactly
func validateValue(name, value string) error {
	if !utf8.ValidString(value) {
		return &SchemaValidationError{Field: name, Reason: "is not valid UTF-8"}
	}
	return nil
}

// Schema is an ordered set of declared field names
type Schema struct {
	fields []string
	index  map[string]int
}

// NewSchema creates a schema, validating every field name
func NewSchema(fields ...string) (*Schema, error) {
	s := &Schema{
		fields: make([]string, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}

	for _, name := range fields {
		if err := ValidateFieldName(name); err != nil {
			return nil, err
		}
		if _, dup := s.index[name]; dup {
			return nil, &SchemaValidationError{Field: name, Reason: "is declared more than once"}
		}
		s.index[name] = len(s.fields)
		s.fields = append(s.fields, name)
	}

	return s, nil
}

// MustSchema is like NewSchema but panics on error
func MustSchema(fields ...string) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns the declared field names in declaration order
func (s *Schema) Fields() []string {
	out := make([]string, len(s.fields))
	copy(out, s.fields)
	return out
}

// Has reports whether the field is declared
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Len returns the number of declared fields
func (s *Schema) Len() int {
	return len(s.fields)
}

// New creates a record from field values. Every declared field must be present
// and no undeclared field may be given.
func (s *Schema) New(values map[string]string) (*Record, error) {
	for name := range values {
		if err := ValidateFieldName(name); err != nil {
			return nil, err
		}
		if !s.Has(name) {
			return nil, &SchemaValidationError{Field: name, Reason: "is not declared in the schema"}
		}
	}

	r := &Record{
		schema: s,
		values: make([]string, len(s.fields)),
	}
	for i, name := range s.fields {
		v, ok := values[name]
		if !ok {
			return nil, &SchemaValidationError{Field: name, Reason: "is missing a value"}
		}
		if err := validateValue(name, v); err != nil {
			return nil, err
		}
		r.values[i] = v
	}

	return r, nil
}

// Record holds one recipient's substitution values. It is read-only after construction.
type Record struct {
	schema *Schema
	values []string
}

// Schema returns the schema the record was built from
func (r *Record) Schema() *Schema {
	return r.schema
}

// Get returns the value of a declared field
func (r *Record) Get(name string) (string, bool) {
	i, ok := r.schema.index[name]
	if !ok {
		return "", false
	}
	return r.values[i], true
}

// Fields returns a fresh name to value mapping of all declared fields
func (r *Record) Fields() map[string]string {
	out := make(map[string]string, len(r.values))
	for i, name := range r.schema.fields {
		out[name] = r.values[i]
	}
	return out
}

// Fingerprint returns a canonical JSON object of the field values in declaration order.
// Records with the same schema and values always produce the same fingerprint.
func (r *Record) Fingerprint() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	var out bytes.Buffer
	out.WriteByte('{')
	for i, name := range r.schema.fields {
		if i > 0 {
			out.WriteByte(',')
		}
		writeJSONString(&out, enc, &buf, name)
		out.WriteByte(':')
		writeJSONString(&out, enc, &buf, r.values[i])
	}
	out.WriteByte('}')

	return out.String()
}

// Digest returns the hex SHA-256 of the fingerprint
func (r *Record) Digest() string {
	sum := sha256.Sum256([]byte(r.Fingerprint()))
	return hex.EncodeToString(sum[:])
}

// String implements fmt.Stringer
func (r *Record) String() string {
	return r.Fingerprint()
}

func writeJSONString(out *bytes.Buffer, enc *json.Encoder, scratch *bytes.Buffer, s string) {
	scratch.Reset()
	// Encoding a string cannot fail
	_ = enc.Encode(s)
	out.Write(bytes.TrimSuffix(scratch.Bytes(), []byte("\n")))
}
