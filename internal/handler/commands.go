package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/task/models"
)

const helpText = `I can run coding tasks on your repositories. Talk to me in plain language, or use:

  review pr <n> [on <repo>]      review a pull request
  fix issue <n> [on <repo>]      fix a tracked issue
  simplify <path> [on <repo>]    simplify a file or package
  validate [repo]                build and test a repository
  create project <name> [from <template>]
  discuss <topic>                think something through, no code changes
  add repo <name> <git-url> [branch <branch>]

  schedule <what> <when> [on <repo>]       recurring task
  list schedules / remove schedule <n>     manage recurring tasks

  status     queue overview          tasks      running and pending tasks
  history    your recent tasks       trace [id] execution log of a task
  cancel <id>                        stop a running or pending task
  mode strict|assistant              how free-form messages are treated
  clear      forget our conversation

Anything else is treated as a coding request on the best-matching repository.`

// traceLimit caps how many trace rows a chat answer renders.
const traceLimit = 25

func (h *Handler) statusText(ctx context.Context) string {
	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.logger.Error("could not load queue stats", zap.Error(err))
		return "Could not load queue status."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d pending, %d running, %d completed, %d failed.",
		stats.Pending, stats.Running, stats.Completed, stats.Failed)

	active, err := h.store.ListActiveTasks(ctx, 10)
	if err != nil {
		return b.String()
	}
	for _, t := range active {
		if t.Status != models.TaskStatusRunning {
			continue
		}
		fmt.Fprintf(&b, "\n- %s on %s, running for %s",
			shortID(t.ID), repoLabel(t), age(t.CreatedAt))
	}
	return b.String()
}

func (h *Handler) historyText(ctx context.Context, userID string) string {
	tasks, err := h.store.ListTasksByUser(ctx, userID, 10)
	if err != nil {
		h.logger.Error("could not load task history",
			zap.String("user_id", userID), zap.Error(err))
		return "Could not load your task history."
	}
	if len(tasks) == 0 {
		return "You have no tasks yet."
	}
	var b strings.Builder
	b.WriteString("Your recent tasks:")
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n- %s [%s] on %s, %s ago",
			shortID(t.ID), t.Status, repoLabel(t), age(t.CreatedAt))
	}
	return b.String()
}

func (h *Handler) tasksText(ctx context.Context) string {
	tasks, err := h.store.ListActiveTasks(ctx, 20)
	if err != nil {
		h.logger.Error("could not list active tasks", zap.Error(err))
		return "Could not list active tasks."
	}
	if len(tasks) == 0 {
		return "No active tasks."
	}
	var b strings.Builder
	b.WriteString("Active tasks:")
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n- %s [%s] on %s, %s ago",
			shortID(t.ID), t.Status, repoLabel(t), age(t.CreatedAt))
	}
	return b.String()
}

// traceText renders the execution log of one of the user's tasks. An empty
// prefix means their most recent task.
func (h *Handler) traceText(ctx context.Context, userID, prefix string) string {
	tasks, err := h.store.ListTasksByUser(ctx, userID, 50)
	if err != nil || len(tasks) == 0 {
		return "You have no tasks to trace."
	}
	var target *models.Task
	if prefix == "" {
		target = tasks[0]
	} else {
		for _, t := range tasks {
			if strings.HasPrefix(t.ID, prefix) {
				target = t
				break
			}
		}
	}
	if target == nil {
		return fmt.Sprintf("No task of yours matches %q.", prefix)
	}

	events, err := h.store.ListTrace(ctx, target.ID)
	if err != nil {
		h.logger.Error("could not load trace",
			zap.String("task_id", target.ID), zap.Error(err))
		return "Could not load the trace."
	}
	if len(events) == 0 {
		if !h.rec.Enabled() {
			return "Tracing is disabled."
		}
		return fmt.Sprintf("No trace recorded for task %s.", shortID(target.ID))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Trace for %s [%s] on %s:", shortID(target.ID), target.Status, repoLabel(target))
	start := 0
	if len(events) > traceLimit {
		start = len(events) - traceLimit
		fmt.Fprintf(&b, "\n  (%d earlier events omitted)", start)
	}
	for _, ev := range events[start:] {
		fmt.Fprintf(&b, "\n%s [%s] %s", ev.TS.Format("15:04:05"), ev.Kind, ev.Summary)
	}
	return b.String()
}

func (h *Handler) schedulesText(ctx context.Context, userID string) string {
	schedules, err := h.store.ListSchedulesByUser(ctx, userID)
	if err != nil {
		h.logger.Error("could not list schedules",
			zap.String("user_id", userID), zap.Error(err))
		return "Could not list your schedules."
	}
	if len(schedules) == 0 {
		return "You have no schedules."
	}
	var b strings.Builder
	b.WriteString("Your schedules:")
	for _, s := range schedules {
		desc := s.Description
		if desc == "" {
			desc = s.Prompt
		}
		fmt.Fprintf(&b, "\n- #%d [%s] %s on %s", s.ID, s.Schedule, desc, s.Repo)
	}
	return b.String()
}

func (h *Handler) removeSchedule(ctx context.Context, d *delivery, idArg string) {
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		h.answer(ctx, d, "Which schedule? Use \"remove schedule <number>\"; \"schedules\" lists them.")
		return
	}
	ok, err := h.store.DeleteSchedule(ctx, id, d.userID())
	if err != nil {
		h.logger.Error("could not delete schedule",
			zap.Int64("schedule_id", id), zap.Error(err))
		h.answer(ctx, d, "Could not remove the schedule. Please try again.")
		return
	}
	if !ok {
		h.answer(ctx, d, fmt.Sprintf("No schedule #%d found for you.", id))
		return
	}
	h.answer(ctx, d, fmt.Sprintf("Removed schedule #%d.", id))
}

func (h *Handler) switchMode(ctx context.Context, d *delivery, modeArg string) {
	mode := models.Mode(modeArg)
	if mode != models.ModeStrict && mode != models.ModeAssistant {
		h.answer(ctx, d, "Pick a mode: \"mode strict\" or \"mode assistant\".")
		return
	}
	if err := h.store.SetMode(ctx, d.userID(), mode); err != nil {
		h.logger.Error("could not set mode",
			zap.String("user_id", d.userID()), zap.Error(err))
		h.answer(ctx, d, "Could not switch modes. Please try again.")
		return
	}
	if mode == models.ModeAssistant {
		h.answer(ctx, d, "Assistant mode: I will discuss free-form messages instead of turning them into coding tasks.")
		return
	}
	h.answer(ctx, d, "Strict mode: free-form messages become coding tasks on the best-matching repository.")
}

func (h *Handler) clearSession(ctx context.Context, d *delivery) {
	if err := h.store.ClearSession(ctx, d.userID()); err != nil {
		h.logger.Error("could not clear session",
			zap.String("user_id", d.userID()), zap.Error(err))
		h.answer(ctx, d, "Could not clear the conversation. Please try again.")
		return
	}
	h.answer(ctx, d, "Conversation history cleared.")
}

// cancelTask resolves an id prefix against live tasks first, then the pending
// queue, and cancels the match.
func (h *Handler) cancelTask(ctx context.Context, d *delivery, prefix string) {
	if prefix == "" {
		h.answer(ctx, d, "Which task? Use \"cancel <id>\"; \"tasks\" lists the active ones.")
		return
	}
	target := ""
	for _, id := range h.control.LiveTaskIDs() {
		if strings.HasPrefix(id, prefix) {
			target = id
			break
		}
	}
	if target == "" {
		pending, err := h.store.ListRecentTasks(ctx, 50, models.TaskStatusPending)
		if err == nil {
			for _, t := range pending {
				if strings.HasPrefix(t.ID, prefix) {
					target = t.ID
					break
				}
			}
		}
	}
	if target == "" {
		h.answer(ctx, d, fmt.Sprintf("No running or pending task matches %q.", prefix))
		return
	}

	cancelled, err := h.control.Cancel(ctx, target)
	if err != nil {
		h.logger.Error("cancel failed",
			zap.String("task_id", target), zap.Error(err))
		h.answer(ctx, d, "Could not cancel the task. Please try again.")
		return
	}
	if !cancelled {
		h.answer(ctx, d, fmt.Sprintf("Task %s already finished.", shortID(target)))
		return
	}
	h.joins.Drop(target)
	h.logger.Info("task cancelled by user",
		zap.String("task_id", target), zap.String("user_id", d.userID()))
	h.answer(ctx, d, fmt.Sprintf("Cancelled task %s.", shortID(target)))
}

func disambiguationText(candidates []string) string {
	return "Which repository do you mean? " + strings.Join(candidates, ", ") +
		". Repeat the request with \"on <repo>\"."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// repoLabel names what a task ran against: its repo, or its class for tasks
// that have none.
func repoLabel(t *models.Task) string {
	if t.Repo != "" {
		return t.Repo
	}
	if t.TaskType != "" {
		return string(t.TaskType)
	}
	return "-"
}

func age(since time.Time) string {
	d := time.Since(since)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
