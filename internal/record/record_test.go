package record

import (
	"errors"
	"strings"
	"testing"
)

func TestNewSchema(t *testing.T) {
	tests := []struct {
		name      string
		fields    []string
		wantErr   bool
		wantField string
	}{
		{name: "lowercase", fields: []string{"name", "committee", "email"}},
		{name: "digits and underscore", fields: []string{"first_name", "address2", "_x"}},
		{name: "uppercase", fields: []string{"name", "fullName"}, wantErr: true, wantField: "fullName"},
		{name: "hyphen", fields: []string{"first-name"}, wantErr: true, wantField: "first-name"},
		{name: "space", fields: []string{"first name"}, wantErr: true, wantField: "first name"},
		{name: "dot", fields: []string{"a.b"}, wantErr: true, wantField: "a.b"},
		{name: "empty name", fields: []string{""}, wantErr: true, wantField: ""},
		{name: "non ascii", fields: []string{"naïve"}, wantErr: true, wantField: "naïve"},
		{name: "duplicate", fields: []string{"name", "name"}, wantErr: true, wantField: "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSchema(tt.fields...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var sve *SchemaValidationError
				if !errors.As(err, &sve) {
					t.Fatalf("NewSchema() error type = %T, want *SchemaValidationError", err)
				}
				if sve.Field != tt.wantField {
					t.Errorf("SchemaValidationError.Field = %q, want %q", sve.Field, tt.wantField)
				}
				if !strings.Contains(err.Error(), tt.wantField) {
					t.Errorf("error %q does not name field %q", err.Error(), tt.wantField)
				}
				return
			}
			if s.Len() != len(tt.fields) {
				t.Errorf("Len() = %d, want %d", s.Len(), len(tt.fields))
			}
		})
	}
}

func TestSchema_New(t *testing.T) {
	schema := MustSchema("name", "committee", "email")

	t.Run("valid", func(t *testing.T) {
		rec, err := schema.New(map[string]string{
			"name":      "Test User",
			"committee": "UNDP",
			"email":     "test@example.com",
		})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if v, _ := rec.Get("committee"); v != "UNDP" {
			t.Errorf("Get(committee) = %q, want UNDP", v)
		}
		if _, ok := rec.Get("missing"); ok {
			t.Error("Get(missing) should report false")
		}
	})

	t.Run("missing field", func(t *testing.T) {
		_, err := schema.New(map[string]string{"name": "A", "email": "a@example.com"})
		var sve *SchemaValidationError
		if !errors.As(err, &sve) || sve.Field != "committee" {
			t.Errorf("New() error = %v, want SchemaValidationError for committee", err)
		}
	})

	t.Run("undeclared field", func(t *testing.T) {
		_, err := schema.New(map[string]string{
			"name": "A", "committee": "UNDP", "email": "a@example.com", "extra": "x",
		})
		var sve *SchemaValidationError
		if !errors.As(err, &sve) || sve.Field != "extra" {
			t.Errorf("New() error = %v, want SchemaValidationError for extra", err)
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := schema.New(map[string]string{
			"name": "A", "committee": "UNDP", "email": "a@example.com", "Email": "x",
		})
		var sve *SchemaValidationError
		if !errors.As(err, &sve) || sve.Field != "Email" {
			t.Errorf("New() error = %v, want SchemaValidationError for Email", err)
		}
	})
}

func TestRecord_Fields(t *testing.T) {
	schema := MustSchema("name", "email")
	rec, err := schema.New(map[string]string{"name": "A", "email": "a@example.com"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	fields := rec.Fields()
	fields["name"] = "changed"

	if v, _ := rec.Get("name"); v != "A" {
		t.Errorf("record mutated through Fields(): name = %q", v)
	}
}

func TestRecord_Fingerprint(t *testing.T) {
	schema := MustSchema("name", "committee", "email")

	a, _ := schema.New(map[string]string{"email": "a@example.com", "committee": "UNDP", "name": "A"})
	b, _ := schema.New(map[string]string{"name": "A", "committee": "UNDP", "email": "a@example.com"})
	c, _ := schema.New(map[string]string{"name": "A", "committee": "ECOSOC", "email": "a@example.com"})

	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("Fingerprint() differs for identical values: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}
	if a.Digest() != b.Digest() {
		t.Error("Digest() differs for identical values")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("Fingerprint() should change when a value changes")
	}
	if a.Digest() == c.Digest() {
		t.Error("Digest() should change when a value changes")
	}

	want := `{"name":"A","committee":"UNDP","email":"a@example.com"}`
	if got := a.Fingerprint(); got != want {
		t.Errorf("Fingerprint() = %s, want %s", got, want)
	}
}

func TestRecord_FingerprintEscaping(t *testing.T) {
	schema := MustSchema("note")
	rec, _ := schema.New(map[string]string{"note": "<b>\"quoted\"</b> & more\n"})

	want := `{"note":"<b>\"quoted\"</b> & more\n"}`
	if got := rec.Fingerprint(); got != want {
		t.Errorf("Fingerprint() = %s, want %s", got, want)
	}
}

func TestRecord_FingerprintDeclarationOrder(t *testing.T) {
	ab, _ := MustSchema("a", "b").New(map[string]string{"a": "1", "b": "2"})
	ba, _ := MustSchema("b", "a").New(map[string]string{"a": "1", "b": "2"})

	if ab.Fingerprint() == ba.Fingerprint() {
		t.Error("Fingerprint() should follow schema declaration order")
	}
}

func TestSchema_NewRejectsInvalidUTF8(t *testing.T) {
	schema := MustSchema("name", "email")

	for _, name := range []string{"Jos\xe9", "Jos\xe8"} {
		_, err := schema.New(map[string]string{"name": name, "email": "a@example.com"})
		var sve *SchemaValidationError
		if !errors.As(err, &sve) {
			t.Fatalf("New(%q) error = %v, want SchemaValidationError", name, err)
		}
		if sve.Field != "name" {
			t.Errorf("SchemaValidationError.Field = %q, want name", sve.Field)
		}
	}

	// Valid multi-byte values keep distinct fingerprints
	a, err := schema.New(map[string]string{"name": "José", "email": "a@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := schema.New(map[string]string{"name": "Josè", "email": "a@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest() == b.Digest() {
		t.Error("Digest() should differ for José and Josè")
	}
}
