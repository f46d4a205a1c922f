package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dispatchd/dispatchd/internal/task/models"
)

const taskColumns = `id, user_id, repo, prompt, status, result, task_type, priority, created_at, completed_at`

// Enqueue inserts a new pending task and returns its generated id.
func (r *Repository) Enqueue(ctx context.Context, task *models.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = models.TaskStatusPending
	task.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, repo, prompt, status, result, task_type, priority, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, task.ID, task.UserID, task.Repo, task.Prompt, task.Status, task.Result, task.TaskType, task.Priority, task.CreatedAt)
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// Dequeue atomically claims the next runnable task, or returns nil when no
// pending task targets an idle repository. Selection and the transition to
// running happen in one transaction so concurrent dequeues cannot pick two
// tasks for the same repository.
func (r *Repository) Dequeue(ctx context.Context) (*models.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ?
		  AND repo NOT IN (SELECT repo FROM tasks WHERE status = ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`, models.TaskStatusPending, models.TaskStatusRunning)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		return nil, nil
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, models.TaskStatusRunning, task.ID); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return nil, fmt.Errorf("failed to rollback dequeue: %w", rollbackErr)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task.Status = models.TaskStatusRunning
	return task, nil
}

// Complete transitions a task to completed with its result text.
func (r *Repository) Complete(ctx context.Context, id, result string) error {
	return r.finish(ctx, id, models.TaskStatusCompleted, result)
}

// Fail transitions a task to failed with the error text as result.
func (r *Repository) Fail(ctx context.Context, id, result string) error {
	return r.finish(ctx, id, models.TaskStatusFailed, result)
}

func (r *Repository) finish(ctx context.Context, id string, status models.TaskStatus, result string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL
	`, status, result, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task not found or already terminal: %s", id)
	}
	return nil
}

// Cancel marks a pending or running task as failed with result "Cancelled".
// It reports whether a row actually changed, so callers can tell a live
// cancellation apart from cancelling an already-finished task.
func (r *Repository) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, models.TaskStatusFailed, "Cancelled", time.Now().UTC(), id,
		models.TaskStatusPending, models.TaskStatusRunning)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// ResetStale fails every task left running by a previous process. Called once
// on startup before the worker starts polling.
func (r *Repository) ResetStale(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, completed_at = ?
		WHERE status = ?
	`, models.TaskStatusFailed, "Interrupted - process restarted", time.Now().UTC(), models.TaskStatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return task, err
}

// ListTasksByUser returns the user's most recent tasks, newest first.
func (r *Repository) ListTasksByUser(ctx context.Context, userID string, limit int) ([]*models.Task, error) {
	return r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
}

// ListActiveTasks returns pending and running tasks, oldest first.
func (r *Repository) ListActiveTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	return r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, models.TaskStatusPending, models.TaskStatusRunning, limit)
}

// ListRecentTasks returns the newest tasks, optionally filtered by status.
func (r *Repository) ListRecentTasks(ctx context.Context, limit int, statuses ...models.TaskStatus) ([]*models.Task, error) {
	if len(statuses) == 0 {
		return r.queryTasks(ctx, `
			SELECT `+taskColumns+` FROM tasks
			ORDER BY created_at DESC
			LIMIT ?
		`, limit)
	}
	query, args, err := sqlx.In(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?)
		ORDER BY created_at DESC
		LIMIT ?
	`, statuses, limit)
	if err != nil {
		return nil, err
	}
	return r.queryTasks(ctx, query, args...)
}

func (r *Repository) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*models.Task, error) {
	rows, err := r.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var result, taskType sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&task.ID, &task.UserID, &task.Repo, &task.Prompt, &task.Status,
		&result, &taskType, &task.Priority, &task.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	task.Result = result.String
	task.TaskType = models.TaskType(taskType.String)
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return task, nil
}
