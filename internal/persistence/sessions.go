package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskvisor/taskvisor/internal/session"
)

// SaveSession stores a session snapshot.
// Uses ON CONFLICT to upsert; sessions are mutated in place across retries.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *session.Session) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertSession(ctx, tx, sess)
	})
}

func upsertSession(ctx context.Context, tx *sql.Tx, sess *session.Session) error {
	result, err := marshalOptional(sess.Result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	quality, err := marshalOptional(sess.Quality)
	if err != nil {
		return fmt.Errorf("encoding quality: %w", err)
	}
	errs, err := json.Marshal(nonNil(sess.Errors))
	if err != nil {
		return fmt.Errorf("encoding errors: %w", err)
	}
	attempts, err := json.Marshal(nonNil(sess.Attempts))
	if err != nil {
		return fmt.Errorf("encoding attempts: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, task_id, status, created_at, started_at, completed_at, retry_count,
			max_retries, api_calls, progress, transitions, result, quality, errors, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			api_calls = excluded.api_calls,
			progress = excluded.progress,
			transitions = excluded.transitions,
			result = excluded.result,
			quality = excluded.quality,
			errors = excluded.errors,
			attempts = excluded.attempts
	`, sess.ID, sess.TaskID, string(sess.Status), formatTime(sess.CreatedAt), formatTime(sess.StartedAt),
		formatTime(sess.CompletedAt), sess.RetryCount, sess.MaxRetries, sess.APICalls, sess.Progress,
		sess.Transitions, result, quality, string(errs), string(attempts))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

const sessionColumns = `id, task_id, status, created_at, started_at, completed_at, retry_count,
	max_retries, api_calls, progress, transitions, result, quality, errors, attempts`

func scanSession(row rowScanner) (*session.Session, error) {
	sess := &session.Session{}
	var (
		status, createdAt, startedAt, completedAt string
		result, quality                           sql.NullString
		errs, attempts                            string
	)
	if err := row.Scan(&sess.ID, &sess.TaskID, &status, &createdAt, &startedAt, &completedAt,
		&sess.RetryCount, &sess.MaxRetries, &sess.APICalls, &sess.Progress, &sess.Transitions,
		&result, &quality, &errs, &attempts); err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)

	var err error
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("session %s created_at: %w", sess.ID, err)
	}
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("session %s started_at: %w", sess.ID, err)
	}
	if sess.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, fmt.Errorf("session %s completed_at: %w", sess.ID, err)
	}

	if result.Valid {
		sess.Result = &session.Result{}
		if err := json.Unmarshal([]byte(result.String), sess.Result); err != nil {
			return nil, fmt.Errorf("session %s result: %w", sess.ID, err)
		}
	}
	if quality.Valid {
		sess.Quality = &session.QualityReport{}
		if err := json.Unmarshal([]byte(quality.String), sess.Quality); err != nil {
			return nil, fmt.Errorf("session %s quality: %w", sess.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(errs), &sess.Errors); err != nil {
		return nil, fmt.Errorf("session %s errors: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(attempts), &sess.Attempts); err != nil {
		return nil, fmt.Errorf("session %s attempts: %w", sess.ID, err)
	}
	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions ordered by creation time.
// Returns empty slice (not nil) if none exist.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*session.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

func marshalOptional[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
