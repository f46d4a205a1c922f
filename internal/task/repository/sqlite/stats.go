package sqlite

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/task/models"
)

// Stats returns current task counts by status.
func (r *Repository) Stats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := r.ro.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := &models.QueueStats{}
	for rows.Next() {
		var status models.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case models.TaskStatusPending:
			stats.Pending = count
		case models.TaskStatusRunning:
			stats.Running = count
		case models.TaskStatusCompleted:
			stats.Completed = count
		case models.TaskStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// Metrics aggregates queue health: counts, throughput over the last hour and
// day, the overall error rate and a per-repo breakdown with average durations
// over terminal tasks.
func (r *Repository) Metrics(ctx context.Context) (*models.QueueMetrics, error) {
	stats, err := r.Stats(ctx)
	if err != nil {
		return nil, err
	}
	metrics := &models.QueueMetrics{Stats: *stats}

	if terminal := stats.Completed + stats.Failed; terminal > 0 {
		metrics.ErrorRate = float64(stats.Failed) / float64(terminal)
	}

	now := time.Now().UTC()
	if err := r.ro.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE completed_at IS NOT NULL AND completed_at >= ?
	`, now.Add(-time.Hour)).Scan(&metrics.ThroughputLastHour); err != nil {
		return nil, err
	}
	if err := r.ro.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE completed_at IS NOT NULL AND completed_at >= ?
	`, now.Add(-24*time.Hour)).Scan(&metrics.ThroughputLastDay); err != nil {
		return nil, err
	}

	// julianday returns fractional days; multiply out to seconds.
	rows, err := r.ro.QueryContext(ctx, `
		SELECT
			repo,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) as completed,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) as failed,
			COALESCE(AVG((julianday(completed_at) - julianday(created_at)) * 86400), 0) as avg_duration
		FROM tasks
		WHERE completed_at IS NOT NULL
		GROUP BY repo
		ORDER BY repo ASC
	`, models.TaskStatusCompleted, models.TaskStatusFailed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rm models.RepoMetrics
		if err := rows.Scan(&rm.Repo, &rm.Completed, &rm.Failed, &rm.AvgDurationSeconds); err != nil {
			return nil, err
		}
		metrics.Repos = append(metrics.Repos, rm)
	}
	return metrics, rows.Err()
}
