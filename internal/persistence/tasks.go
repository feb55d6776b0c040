package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskvisor/taskvisor/internal/task"
)

// SaveTask saves or updates a task and its dependencies.
// Dependencies must already be stored. Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	return s.SaveTasks(ctx, []*task.Task{t})
}

// SaveTasks saves a batch of tasks in one transaction. Dependencies may
// reference tasks within the batch regardless of their order.
func (s *SQLiteStore) SaveTasks(ctx context.Context, tasks []*task.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if err := upsertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, t := range tasks {
			if err := replaceDependencies(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertTask(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, position, requirement_id, name, description, category, status, priority,
			estimated_hours, actual_hours, assignment, created_at, updated_at)
		VALUES (?, (SELECT COALESCE(MAX(position), -1) + 1 FROM tasks), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			requirement_id = excluded.requirement_id,
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			status = excluded.status,
			priority = excluded.priority,
			estimated_hours = excluded.estimated_hours,
			actual_hours = excluded.actual_hours,
			assignment = excluded.assignment,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, t.ID, t.RequirementID, t.Name, t.Description, string(t.Category), string(t.Status), string(t.Priority),
		t.EstimatedHours, t.ActualHours, string(t.Assignment), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
	}
	return nil
}

func replaceDependencies(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for i, depID := range t.Dependencies {
		// Checked explicitly so the error names the missing task.
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("foreign key constraint failed: dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
		`, t.ID, depID, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
		}
	}
	return nil
}

const taskColumns = `id, requirement_id, name, description, category, status, priority,
	estimated_hours, actual_hours, assignment, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	t := &task.Task{}
	var category, status, priority, assignment, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.RequirementID, &t.Name, &t.Description, &category, &status, &priority,
		&t.EstimatedHours, &t.ActualHours, &assignment, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Category = task.Category(category)
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	t.Assignment = task.Assignment(assignment)

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	t.Dependencies = []string{}
	return t, nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		t.Dependencies = append(t.Dependencies, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return t, nil
}

// ListTasks returns all tasks in the order they were first saved, with their dependencies.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := []*task.Task{}
	byID := make(map[string]*task.Task)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
		byID[t.ID] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	// One query for all edges instead of one per task.
	depRows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		ORDER BY task_id, position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var taskID, depID string
		if err := depRows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if t, ok := byID[taskID]; ok {
			t.Dependencies = append(t.Dependencies, depID)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return tasks, nil
}
