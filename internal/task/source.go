package task

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a task source document.
type File struct {
	Tasks []*Task `yaml:"tasks"`
}

// LoadFile reads a YAML task document from path.
// Missing timestamps are stamped with now.
func LoadFile(path string, now time.Time) ([]*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	return Parse(data, now)
}

// Parse decodes a YAML task document. Unknown fields are rejected.
func Parse(data []byte, now time.Time) ([]*Task, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}

	seen := make(map[string]bool, len(f.Tasks))
	for _, t := range f.Tasks {
		if t == nil {
			return nil, fmt.Errorf("task file contains an empty entry")
		}
		t.Normalize()
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = t.CreatedAt
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return f.Tasks, nil
}

// WriteFile saves tasks as a YAML task document.
func WriteFile(path string, tasks []*Task) error {
	data, err := yaml.Marshal(File{Tasks: tasks})
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	return nil
}
