package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/reply"
	"github.com/dispatchd/dispatchd/internal/runner"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/tracing"
)

// execute runs one task end to end: workspace preparation, the agent run,
// result bookkeeping, and cleanup. Every exit path leaves the task terminal
// (or, on cancellation, already terminated by Cancel) with the worktree and
// in-memory joins released.
func (w *Worker) execute(ctx context.Context, t *models.Task) {
	tl := w.logger.WithTaskID(t.ID).WithRepo(t.Repo).
		WithFields(zap.String("task_type", string(t.TaskType)))
	tl.Info("task started", zap.String("user_id", t.UserID))

	ctx, span := tracing.StartTaskSpan(ctx, t.ID, t.Repo, string(t.TaskType))
	defer span.End()

	w.rec.Record(ctx, t.ID, models.TraceKindLifecycle, "task started", "")
	w.publishStarted(t)

	defer w.replies.Drop(t.ID)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	w.track(t.ID, cancelRun)
	defer w.untrack(t.ID)

	var workDir string
	switch t.TaskType {
	case models.TaskTypeDiscuss:
		// Conversation only; no checkout of its own.
		workDir = w.ws.ReposRoot()
	case models.TaskTypeCreateProject:
		dir, err := w.ws.EnsureProjectDir(t.Repo)
		if err != nil {
			w.failTask(ctx, tl, t, "Could not prepare project directory: "+err.Error())
			return
		}
		workDir = dir
	default:
		rep, err := w.repos.Get(ctx, t.Repo)
		if err != nil {
			w.failTask(ctx, tl, t, "Unknown repo: "+t.Repo)
			return
		}
		if err := w.ws.CloneIfNeeded(runCtx, t.Repo, rep.URL); err != nil {
			w.failTask(ctx, tl, t, "Could not prepare repository: "+err.Error())
			return
		}
		w.ws.Pull(runCtx, t.Repo, rep.DefaultBranch)
		wt, err := w.ws.CreateWorktree(runCtx, t.Repo, t.ID, rep.DefaultBranch)
		if err != nil {
			w.failTask(ctx, tl, t, "Could not create worktree: "+err.Error())
			return
		}
		workDir = wt
		defer w.ws.RemoveWorktree(context.Background(), t.Repo, t.ID)
	}

	opts := runner.Options{MaxTurns: w.turnsFor(t), Model: w.cfg.Model}
	if len(w.cfg.MCPServers) > 0 {
		path, err := writeMCPConfig(w.cfg.MCPServers)
		if err != nil {
			tl.Warn("could not write mcp config, continuing without it", zap.Error(err))
		} else {
			opts.MCPConfigPath = path
			defer os.Remove(path)
		}
	}

	var deb *reply.Debouncer
	if msg, ok := w.replies.Message(t.ID); ok && msg.UpdateStatus != nil {
		deb = reply.NewDebouncer(reply.StatusDebounceWindow, func(text string) {
			if err := msg.UpdateStatus(runCtx, text); err != nil {
				tl.Debug("status update failed", zap.Error(err))
			}
		})
		defer deb.Cancel()
	}

	onStatus := func(ev runner.StatusEvent) {
		line := statusLine(ev)
		if ev.Kind == runner.StatusTool {
			w.rec.Record(runCtx, t.ID, models.TraceKindTool, ev.Tool, ev.Input)
		} else {
			w.rec.Record(runCtx, t.ID, models.TraceKindStatus, line, "")
		}
		w.publishStatus(t, ev.Kind, line)
		if deb != nil {
			deb.Invoke(line)
		}
	}

	rn := w.runnerFor(t)
	tl.Debug("invoking runner",
		zap.String("runner", rn.Name()),
		zap.String("work_dir", workDir),
		zap.Int("max_turns", opts.MaxTurns))

	start := time.Now()
	res, err := rn.Run(runCtx, t.Prompt, workDir, opts, onStatus)
	if deb != nil {
		// A stale status message must not arrive after the final answer.
		deb.Cancel()
	}
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, context.Canceled):
		// Cancel already failed the queue row; just record the fact.
		tl.Info("task cancelled", zap.Duration("elapsed", elapsed))
		w.rec.Record(ctx, t.ID, models.TraceKindError, "task cancelled", "")
		tracing.RecordTaskOutcome(ctx, "cancelled", "")
		w.publishDone(t, models.TaskStatusFailed, "Cancelled")
		return
	case err != nil:
		w.failTask(ctx, tl, t, "Agent run failed: "+err.Error())
		return
	}

	if res.Success {
		if err := w.queue.Complete(ctx, t.ID, res.Output); err != nil {
			tl.Error("failed to mark task completed", zap.Error(err))
		}
		w.rec.Record(ctx, t.ID, models.TraceKindOutput, res.Output, "")
		tracing.RecordTaskOutcome(ctx, string(models.TaskStatusCompleted), "")
		w.deliver(ctx, t, res.Output)
		w.publishDone(t, models.TaskStatusCompleted, res.Output)
		tl.Info("task completed", zap.Duration("elapsed", elapsed))
	} else {
		w.failTask(ctx, tl, t, res.Output)
	}
	w.rec.Record(ctx, t.ID, models.TraceKindLifecycle,
		fmt.Sprintf("task finished in %s", elapsed.Round(time.Second)), "")
}

// failTask transitions the row to failed, notifies whoever is waiting, and
// records the error.
func (w *Worker) failTask(ctx context.Context, tl *logger.Logger, t *models.Task, output string) {
	tl.Warn("task failed", zap.String("reason", output))
	if err := w.queue.Fail(ctx, t.ID, output); err != nil {
		tl.Error("failed to mark task failed", zap.Error(err))
	}
	w.rec.Record(ctx, t.ID, models.TraceKindError, output, "")
	tracing.RecordTaskOutcome(ctx, string(models.TaskStatusFailed), output)
	w.deliver(ctx, t, "Task failed: "+output)
	w.publishDone(t, models.TaskStatusFailed, output)
}

// deliver routes text back to whoever asked for the task: the originating
// chat message when one is joined, otherwise a direct platform send, plus
// the event join if one exists.
func (w *Worker) deliver(ctx context.Context, t *models.Task, text string) {
	if msg, ok := w.replies.Message(t.ID); ok {
		w.pipeline.Deliver(ctx, msg, text)
	} else if t.UserID != "" {
		if err := w.pipeline.SendToUser(ctx, t.UserID, text); err != nil {
			w.logger.Debug("no direct route to user",
				zap.String("user_id", t.UserID), zap.Error(err))
		}
	}
	w.replies.NotifyEvent(ctx, t.ID, text)
}

// turnsFor derives the agent turn budget from the task type. Cron tasks get
// room to work unattended; discussions stay short.
func (w *Worker) turnsFor(t *models.Task) int {
	switch t.TaskType {
	case models.TaskTypeCron:
		if w.cfg.MaxTurns > 100 {
			return w.cfg.MaxTurns
		}
		return 100
	case models.TaskTypeDiscuss:
		return 5
	default:
		return w.cfg.MaxTurns
	}
}

// statusLine renders a streamed event as a one-line chat update.
func statusLine(ev runner.StatusEvent) string {
	if ev.Kind == runner.StatusTool {
		if ev.Input == "" {
			return "[" + ev.Tool + "]"
		}
		return "[" + ev.Tool + "] " + ev.Input
	}
	return ev.Text
}

// writeMCPConfig serializes the configured MCP servers to a task-scoped temp
// file in the format the claude CLI expects. The caller removes the file.
func writeMCPConfig(servers map[string]any) (string, error) {
	f, err := os.CreateTemp("", "dispatchd-mcp-*.json")
	if err != nil {
		return "", err
	}
	if err := json.NewEncoder(f).Encode(map[string]any{"mcpServers": servers}); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (w *Worker) publishStarted(t *models.Task) {
	w.publish(events.TaskStatusSubject(t.ID), bus.NewEvent(events.TaskStarted, "worker", map[string]interface{}{
		"task_id": t.ID,
		"repo":    t.Repo,
		"status":  string(models.TaskStatusRunning),
	}))
}

func (w *Worker) publishStatus(t *models.Task, kind runner.StatusKind, line string) {
	w.publish(events.TaskStatusSubject(t.ID), bus.NewEvent(events.TaskStatus, "worker", map[string]interface{}{
		"task_id": t.ID,
		"kind":    string(kind),
		"text":    line,
	}))
}

func (w *Worker) publishDone(t *models.Task, status models.TaskStatus, result string) {
	evType := events.TaskCompleted
	if status != models.TaskStatusCompleted {
		evType = events.TaskFailed
	}
	w.publish(events.TaskDoneSubject(t.ID), bus.NewEvent(evType, "worker", map[string]interface{}{
		"task_id": t.ID,
		"status":  string(status),
		"result":  result,
	}))
}

// publish is best effort; a down bus only costs the live streams.
func (w *Worker) publish(subject string, ev *bus.Event) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(context.Background(), subject, ev); err != nil {
		w.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
