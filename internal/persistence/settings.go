package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/taskvisor/taskvisor/internal/anomaly"
	"github.com/taskvisor/taskvisor/internal/config"
)

const configKey = "config"

// SaveRules replaces the stored anomaly rule set, keeping its order.
func (s *SQLiteStore) SaveRules(ctx context.Context, rules []anomaly.Rule) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return replaceRules(ctx, tx, rules)
	})
}

func replaceRules(ctx context.Context, tx *sql.Tx, rules []anomaly.Rule) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM anomaly_rules`); err != nil {
		return fmt.Errorf("failed to delete rules: %w", err)
	}
	for i, r := range rules {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding rule %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO anomaly_rules (id, position, body) VALUES (?, ?, ?)
		`, r.ID, i, string(body)); err != nil {
			return fmt.Errorf("failed to insert rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// ListRules returns the stored rules in their saved order.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]anomaly.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM anomaly_rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rules := []anomaly.Rule{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var r anomaly.Rule
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("decoding rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

// SaveConfig stores the configuration as YAML.
func (s *SQLiteStore) SaveConfig(ctx context.Context, cfg *config.Config) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putConfig(ctx, tx, cfg)
	})
}

func putConfig(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, configKey, string(data))
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// LoadConfig returns the stored configuration, or an error wrapping ErrNotFound.
func (s *SQLiteStore) LoadConfig(ctx context.Context) (*config.Config, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, configKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("config: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query config: %w", err)
	}

	cfg := &config.Config{}
	if err := yaml.Unmarshal([]byte(value), cfg); err != nil {
		return nil, fmt.Errorf("parsing stored config: %w", err)
	}
	return cfg, nil
}
