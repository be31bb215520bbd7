package record

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads recipients from a CSV, YAML or JSON file. The schema is taken from
// the CSV header, or from the key order of the first YAML/JSON mapping.
func Load(path string) (*Schema, []*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open recipients file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(f)
	case ".yaml", ".yml", ".json":
		return LoadYAML(f)
	default:
		return nil, nil, fmt.Errorf("unsupported recipients file type %q", filepath.Ext(path))
	}
}

// LoadCSV reads recipients from CSV with a header row
func LoadCSV(r io.Reader) (*Schema, []*Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("recipients file is empty")
		}
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	// Strip a UTF-8 BOM left by spreadsheet exports
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	schema, err := NewSchema(header...)
	if err != nil {
		return nil, nil, err
	}

	var records []*Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read recipients: %w", err)
		}

		values := make(map[string]string, len(header))
		for i, name := range header {
			values[name] = row[i]
		}
		rec, err := schema.New(values)
		if err != nil {
			line, _ := cr.FieldPos(0)
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}

	return schema, records, nil
}

// LoadYAML reads recipients from a YAML (or JSON) sequence of mappings
func LoadYAML(r io.Reader) (*Schema, []*Record, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("recipients file is empty")
		}
		return nil, nil, fmt.Errorf("failed to parse recipients: %w", err)
	}

	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.SequenceNode {
		return nil, nil, fmt.Errorf("recipients must be a list, got %s", nodeKind(root))
	}
	if len(root.Content) == 0 {
		return nil, nil, fmt.Errorf("recipients list is empty")
	}

	var schema *Schema
	records := make([]*Record, 0, len(root.Content))

	for i, item := range root.Content {
		if item.Kind != yaml.MappingNode {
			return nil, nil, fmt.Errorf("recipient %d (line %d): expected mapping, got %s", i, item.Line, nodeKind(item))
		}

		names := make([]string, 0, len(item.Content)/2)
		values := make(map[string]string, len(item.Content)/2)
		for j := 0; j+1 < len(item.Content); j += 2 {
			key, val := item.Content[j], item.Content[j+1]
			if val.Kind != yaml.ScalarNode {
				return nil, nil, fmt.Errorf("recipient %d (line %d): field %q must be a scalar", i, val.Line, key.Value)
			}
			if _, dup := values[key.Value]; dup {
				return nil, nil, fmt.Errorf("recipient %d (line %d): field %q is given more than once", i, key.Line, key.Value)
			}
			names = append(names, key.Value)
			// null (~, null or no value) is an empty field, like an empty CSV cell
			if val.ShortTag() == "!!null" {
				values[key.Value] = ""
			} else {
				values[key.Value] = val.Value
			}
		}

		if schema == nil {
			var err error
			if schema, err = NewSchema(names...); err != nil {
				return nil, nil, err
			}
		}

		rec, err := schema.New(values)
		if err != nil {
			return nil, nil, fmt.Errorf("recipient %d (line %d): %w", i, item.Line, err)
		}
		records = append(records, rec)
	}

	return schema, records, nil
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "list"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}
