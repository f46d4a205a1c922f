// Package trace records per-task execution events behind the process-wide
// trace switch.
package trace

import (
	"context"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

// Store persists trace rows.
type Store interface {
	AppendTrace(ctx context.Context, taskID string, kind models.TraceKind, summary, detail string) error
}

// Recorder writes trace events when tracing is enabled. Storage errors are
// logged and swallowed so a broken trace table can never fail a task.
type Recorder struct {
	store   Store
	enabled bool
	logger  *logger.Logger
}

// NewRecorder wraps a store with the trace switch.
func NewRecorder(store Store, enabled bool, log *logger.Logger) *Recorder {
	return &Recorder{
		store:   store,
		enabled: enabled,
		logger:  log.WithFields(zap.String("component", "trace")),
	}
}

// Enabled reports whether trace rows are being written.
func (r *Recorder) Enabled() bool {
	return r != nil && r.enabled
}

// Record appends one event for a task. A disabled recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, taskID string, kind models.TraceKind, summary, detail string) {
	if !r.Enabled() {
		return
	}
	if err := r.store.AppendTrace(ctx, taskID, kind, summary, detail); err != nil {
		r.logger.Warn("failed to record trace event",
			zap.String("task_id", taskID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}
