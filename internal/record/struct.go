package record

import (
	"fmt"
	"reflect"
	"sync"
)

// structSchemas caches the schema derived for each struct type
var structSchemas sync.Map // reflect.Type -> *structSchema

type structSchema struct {
	schema *Schema
	index  []int // struct field index per schema field
	err    error
}

// FromStruct builds a record from a struct (or pointer to struct) whose exported
// fields are strings. The field name is taken from the `merge` tag, or the Go field
// name when untagged. Fields tagged `merge:"-"` are ignored.
func FromStruct(v any) (*Record, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("record: nil %s", rv.Type())
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("record: expected struct, got %s", rv.Kind())
	}

	ss := schemaForType(rv.Type())
	if ss.err != nil {
		return nil, ss.err
	}

	r := &Record{
		schema: ss.schema,
		values: make([]string, len(ss.index)),
	}
	for i, fi := range ss.index {
		v := rv.Field(fi).String()
		if err := validateValue(ss.schema.fields[i], v); err != nil {
			return nil, err
		}
		r.values[i] = v
	}
	return r, nil
}

// SchemaOf returns the schema derived from a struct type
func SchemaOf(v any) (*Schema, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("record: expected struct type, got %v", t)
	}
	ss := schemaForType(t)
	return ss.schema, ss.err
}

func schemaForType(t reflect.Type) *structSchema {
	if cached, ok := structSchemas.Load(t); ok {
		return cached.(*structSchema)
	}

	ss := buildStructSchema(t)
	actual, _ := structSchemas.LoadOrStore(t, ss)
	return actual.(*structSchema)
}

func buildStructSchema(t reflect.Type) *structSchema {
	var names []string
	var index []int

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}

		name := f.Name
		if tag, ok := f.Tag.Lookup("merge"); ok {
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}

		if f.Type.Kind() != reflect.String {
			return &structSchema{err: &SchemaValidationError{
				Field:  name,
				Reason: fmt.Sprintf("has unsupported type %s, only strings are allowed", f.Type),
			}}
		}

		names = append(names, name)
		index = append(index, i)
	}

	schema, err := NewSchema(names...)
	if err != nil {
		return &structSchema{err: err}
	}
	return &structSchema{schema: schema, index: index}
}
