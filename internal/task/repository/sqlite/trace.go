package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/dispatchd/dispatchd/internal/task/models"
)

// traceSummaryMax caps stored summaries so chat-sized snippets stay chat-sized.
const traceSummaryMax = 200

// AppendTrace records one execution event for a task. Summaries longer than
// 200 characters are truncated; full payloads belong in detail.
func (r *Repository) AppendTrace(ctx context.Context, taskID string, kind models.TraceKind, summary, detail string) error {
	if runes := []rune(summary); len(runes) > traceSummaryMax {
		summary = string(runes[:traceSummaryMax])
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO traces (task_id, ts, kind, summary, detail)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, time.Now().UTC(), kind, summary, detail)
	return err
}

// ListTrace returns a task's trace events in recording order.
func (r *Repository) ListTrace(ctx context.Context, taskID string) ([]*models.TraceEvent, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, task_id, ts, kind, summary, detail
		FROM traces
		WHERE task_id = ?
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*models.TraceEvent
	for rows.Next() {
		ev := &models.TraceEvent{}
		var detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.TS, &ev.Kind, &ev.Summary, &detail); err != nil {
			return nil, err
		}
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
