package sqlite

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/task/models"
)

// CreateSchedule stores a new cron entry and fills in its generated id.
func (r *Repository) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	s.CreatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (user_id, repo, prompt, schedule, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.UserID, s.Repo, s.Prompt, s.Schedule, s.Description, s.CreatedAt)
	if err != nil {
		return err
	}
	s.ID, err = res.LastInsertId()
	return err
}

// ListSchedules returns every stored schedule, oldest first. The cron
// evaluator ticks over this full set.
func (r *Repository) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	return r.querySchedules(ctx, `
		SELECT id, user_id, repo, prompt, schedule, description, created_at
		FROM schedules
		ORDER BY id ASC
	`)
}

// ListSchedulesByUser returns one user's schedules, oldest first.
func (r *Repository) ListSchedulesByUser(ctx context.Context, userID string) ([]*models.Schedule, error) {
	return r.querySchedules(ctx, `
		SELECT id, user_id, repo, prompt, schedule, description, created_at
		FROM schedules
		WHERE user_id = ?
		ORDER BY id ASC
	`, userID)
}

// DeleteSchedule removes a schedule owned by the given user. Deleting someone
// else's schedule, or a missing one, reports false.
func (r *Repository) DeleteSchedule(ctx context.Context, id int64, userID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func (r *Repository) querySchedules(ctx context.Context, query string, args ...interface{}) ([]*models.Schedule, error) {
	rows, err := r.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var schedules []*models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	s := &models.Schedule{}
	if err := row.Scan(&s.ID, &s.UserID, &s.Repo, &s.Prompt, &s.Schedule, &s.Description, &s.CreatedAt); err != nil {
		return nil, err
	}
	return s, nil
}
