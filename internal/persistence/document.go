package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/taskvisor/taskvisor/internal/anomaly"
	"github.com/taskvisor/taskvisor/internal/config"
	"github.com/taskvisor/taskvisor/internal/scheduler"
	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/status"
	"github.com/taskvisor/taskvisor/internal/task"
)

// DocumentVersion is the current export format version.
const DocumentVersion = 1

// Document is the full supervision state as one structured value.
type Document struct {
	Version    int                `json:"version"`
	ExportedAt time.Time          `json:"exported_at"`
	Tasks      []*task.Task       `json:"tasks"`
	Sessions   []*session.Session `json:"sessions"`
	Rules      []anomaly.Rule     `json:"rules"`
	Config     *config.Config     `json:"config,omitempty"`
	Status     *status.Snapshot   `json:"status,omitempty"` // Informational; ignored on import
}

// Export reads everything from the store into a Document.
func (s *SQLiteStore) Export(ctx context.Context, now time.Time) (*Document, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := s.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := s.LoadConfig(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	doc := &Document{
		Version:    DocumentVersion,
		ExportedAt: now,
		Tasks:      tasks,
		Sessions:   sessions,
		Rules:      rules,
		Config:     cfg,
	}
	minQuality := config.DefaultConfig().Supervision.MinQualityScore
	if cfg != nil {
		minQuality = cfg.Supervision.MinQualityScore
	}
	snap := status.Aggregate(tasks, sessions, minQuality, now)
	doc.Status = &snap
	return doc, nil
}

// Validate checks that the document describes a consistent state: a known
// version, an acyclic graph with no dangling references, and sessions that
// point at existing tasks.
func (d *Document) Validate() error {
	if d.Version != DocumentVersion {
		return fmt.Errorf("unsupported document version %d", d.Version)
	}
	for _, t := range d.Tasks {
		if t == nil {
			return fmt.Errorf("document contains a null task")
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	// Dependencies already include implicit edges; rebuild without rules.
	if _, err := scheduler.Build(d.Tasks, scheduler.WithRules()); err != nil {
		return err
	}

	known := make(map[string]bool, len(d.Tasks))
	for _, t := range d.Tasks {
		known[t.ID] = true
	}
	for _, sess := range d.Sessions {
		if sess == nil || !known[sess.TaskID] {
			return fmt.Errorf("session references unknown task")
		}
	}
	if d.Config != nil {
		if err := d.Config.Validate(); err != nil {
			return err
		}
	}
	if _, err := anomaly.Prepare(d.Rules); err != nil {
		return err
	}
	return nil
}

// Import replaces the store contents with the document in one transaction.
func (s *SQLiteStore) Import(ctx context.Context, d *Document) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	rules, err := anomaly.Prepare(d.Rules)
	if err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"sessions", "task_dependencies", "tasks"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		for _, t := range d.Tasks {
			if err := upsertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, t := range d.Tasks {
			if err := replaceDependencies(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, sess := range d.Sessions {
			if err := upsertSession(ctx, tx, sess); err != nil {
				return err
			}
		}
		if err := replaceRules(ctx, tx, rules); err != nil {
			return err
		}
		if d.Config != nil {
			return putConfig(ctx, tx, d.Config)
		}
		return nil
	})
}

// WriteDocument encodes d as indented JSON.
func WriteDocument(w io.Writer, d *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	return nil
}

// ReadDocument decodes a JSON document, rejecting unknown fields.
func ReadDocument(r io.Reader) (*Document, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var d Document
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return &d, nil
}
