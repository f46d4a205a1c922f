package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/adapters"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/resolver"
	"github.com/dispatchd/dispatchd/internal/router"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

// HandleMessage processes one chat message end to end.
func (h *Handler) HandleMessage(ctx context.Context, msg *adapters.IncomingMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	msg.Text = text
	h.logger.Info("message received",
		zap.String("user_id", msg.UserID),
		zap.String("platform", msg.Platform))

	h.ensureUser(msg.UserID)
	if err := h.store.AppendMessage(ctx, msg.UserID, models.ChatRoleUser, text); err != nil {
		h.logger.Warn("could not append message to history",
			zap.String("user_id", msg.UserID), zap.Error(err))
	}
	h.dispatch(ctx, &delivery{msg: msg}, router.Parse(text))
}

// HandleEvent processes an external event (webhook comment, HTTP trigger).
// It mirrors the message path; answers go back through the adapter, and the
// event's source repo biases resolution.
func (h *Handler) HandleEvent(ctx context.Context, adapter adapters.EventAdapter, ev *adapters.IncomingEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	h.logger.Info("event received",
		zap.String("event_id", ev.EventID),
		zap.String("user_id", ev.UserID),
		zap.String("source", string(ev.Source.Kind)))

	msg := &adapters.IncomingMessage{
		UserID:   ev.UserID,
		Platform: ev.Platform,
		Text:     text,
		Reply: func(ctx context.Context, text string) error {
			return adapter.RespondToEvent(ctx, ev.EventID, text)
		},
	}
	h.ensureUser(ev.UserID)
	if err := h.store.AppendMessage(ctx, ev.UserID, models.ChatRoleUser, text); err != nil {
		h.logger.Warn("could not append event to history",
			zap.String("user_id", ev.UserID), zap.Error(err))
	}

	parsed := router.Parse(text)
	if parsed.Repo == "" && ev.Source.Repo != "" {
		parsed.Repo = ev.Source.Repo
	}
	h.dispatch(ctx, &delivery{msg: msg, adapter: adapter, event: ev}, parsed)
}

// EnqueueCron queues a scheduler-originated task. There is no conversation
// to join; results reach the schedule's owner by direct send.
func (h *Handler) EnqueueCron(ctx context.Context, s models.Schedule) {
	task := &models.Task{
		UserID:   s.UserID,
		Repo:     s.Repo,
		Prompt:   router.WrapCronPrompt(s.Prompt),
		TaskType: models.TaskTypeCron,
	}
	id, err := h.store.Enqueue(ctx, task)
	if err != nil {
		h.logger.Error("could not enqueue scheduled task",
			zap.Int64("schedule_id", s.ID), zap.Error(err))
		return
	}
	h.rec.Record(ctx, id, models.TraceKindLifecycle, "task enqueued", "")
	h.publishEnqueued(task)
	h.logger.Info("scheduled task enqueued",
		zap.String("task_id", id),
		zap.Int64("schedule_id", s.ID),
		zap.String("repo", s.Repo))
}

// EnqueueExternal queues a task submitted through the HTTP API or the MCP
// server. No join is registered; callers follow progress over the task's
// event stream or by polling.
func (h *Handler) EnqueueExternal(ctx context.Context, task *models.Task) (string, error) {
	id, err := h.store.Enqueue(ctx, task)
	if err != nil {
		return "", err
	}
	h.rec.Record(ctx, id, models.TraceKindLifecycle, "task enqueued", "")
	h.publishEnqueued(task)
	h.logger.Info("task enqueued",
		zap.String("task_id", id),
		zap.String("repo", task.Repo),
		zap.String("source", "api"))
	return id, nil
}

// ensureUser records a first-contact user so the config file reflects
// everyone who has talked to the dispatcher. Authorization is unchanged;
// new users start with no grants.
func (h *Handler) ensureUser(userID string) {
	if h.users.Known(userID) {
		return
	}
	if err := h.users.Register(userID); err != nil {
		h.logger.Warn("could not register user",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func (h *Handler) dispatch(ctx context.Context, d *delivery, parsed *router.ParsedMessage) {
	switch parsed.Type {
	case router.TypeHelp:
		h.answer(ctx, d, helpText)
	case router.TypeStatus:
		h.answer(ctx, d, h.statusText(ctx))
	case router.TypeHistory:
		h.answer(ctx, d, h.historyText(ctx, d.userID()))
	case router.TypeClear:
		h.clearSession(ctx, d)
	case router.TypeTasks:
		h.answer(ctx, d, h.tasksText(ctx))
	case router.TypeCancel:
		h.cancelTask(ctx, d, parsed.Args["id"])
	case router.TypeTrace:
		h.answer(ctx, d, h.traceText(ctx, d.userID(), parsed.Args["id"]))
	case router.TypeMode:
		h.switchMode(ctx, d, parsed.Args["mode"])
	case router.TypeListSchedules:
		h.answer(ctx, d, h.schedulesText(ctx, d.userID()))
	case router.TypeRemoveSchedule:
		h.removeSchedule(ctx, d, parsed.Args["id"])
	case router.TypeSchedule:
		h.createSchedule(ctx, d, parsed)
	case router.TypeInitRepo:
		h.initRepo(ctx, d, parsed)
	case router.TypeDiscuss:
		h.enqueueDiscuss(ctx, d, parsed)
	case router.TypeCreateProject:
		h.enqueueCreateProject(ctx, d, parsed)
	default:
		h.enqueueResolved(ctx, d, parsed)
	}
}

// enqueueResolved handles the task classes that need a repository: the typed
// intents and free-form requests.
func (h *Handler) enqueueResolved(ctx context.Context, d *delivery, parsed *router.ParsedMessage) {
	if parsed.Type == router.TypeFreeForm {
		// Assistant mode keeps free-form messages conversational.
		if mode, err := h.store.GetMode(ctx, d.userID()); err == nil && mode == models.ModeAssistant {
			h.enqueueDiscuss(ctx, d, parsed)
			return
		}
	}

	res, err := h.resolver.Resolve(ctx, d.userID(), parsed.RawText, parsed.Repo)
	switch {
	case errors.Is(err, resolver.ErrNoRepos):
		if parsed.Type == router.TypeFreeForm {
			// No repos to work on, but the conversation should still work.
			h.enqueueDiscuss(ctx, d, parsed)
			return
		}
		h.answer(ctx, d, "You don't have any repositories yet. Add one with \"add repo <name> <git-url>\".")
		return
	case err != nil:
		h.logger.Error("repository resolution failed", zap.Error(err))
		h.answer(ctx, d, "Something went wrong picking a repository. Please try again.")
		return
	case res.NoRepo:
		h.enqueueDiscuss(ctx, d, parsed)
		return
	case res.Ambiguous:
		h.answer(ctx, d, disambiguationText(res.Candidates))
		return
	}

	task := &models.Task{
		UserID:   d.userID(),
		Repo:     res.Repo,
		Prompt:   h.composePrompt(ctx, d, parsed),
		Priority: parsed.Priority,
	}
	id, ok := h.enqueueTask(ctx, d, task)
	if !ok {
		return
	}
	h.answer(ctx, d, fmt.Sprintf("Queued task %s on %s.", shortID(id), res.Repo))
}

func (h *Handler) enqueueDiscuss(ctx context.Context, d *delivery, parsed *router.ParsedMessage) {
	p := *parsed
	p.Type = router.TypeDiscuss
	if p.Args["topic"] == "" {
		p.Args["topic"] = parsed.RawText
	}
	task := &models.Task{
		UserID:   d.userID(),
		TaskType: models.TaskTypeDiscuss,
		Prompt:   h.composePrompt(ctx, d, &p),
		Priority: parsed.Priority,
	}
	id, ok := h.enqueueTask(ctx, d, task)
	if !ok {
		return
	}
	h.answer(ctx, d, fmt.Sprintf("Let me think about that (task %s).", shortID(id)))
}

func (h *Handler) enqueueCreateProject(ctx context.Context, d *delivery, parsed *router.ParsedMessage) {
	name := parsed.Args["name"]
	task := &models.Task{
		UserID:   d.userID(),
		Repo:     name,
		TaskType: models.TaskTypeCreateProject,
		Prompt:   h.composePrompt(ctx, d, parsed),
		Priority: parsed.Priority,
	}
	id, ok := h.enqueueTask(ctx, d, task)
	if !ok {
		return
	}
	h.answer(ctx, d, fmt.Sprintf("Creating project %s (task %s).", name, shortID(id)))
}

// enqueueTask inserts the task, joins it to its origin, and announces it.
// On failure the user is told and ok is false.
func (h *Handler) enqueueTask(ctx context.Context, d *delivery, task *models.Task) (string, bool) {
	id, err := h.store.Enqueue(ctx, task)
	if err != nil {
		h.logger.Error("enqueue failed",
			zap.String("repo", task.Repo), zap.Error(err))
		h.answer(ctx, d, "Could not queue the task. Please try again.")
		return "", false
	}
	h.join(id, d)
	h.rec.Record(ctx, id, models.TraceKindLifecycle, "task enqueued", "")
	h.publishEnqueued(task)
	h.logger.Info("task enqueued",
		zap.String("task_id", id),
		zap.String("repo", task.Repo),
		zap.String("task_type", string(task.TaskType)),
		zap.Int("priority", task.Priority))
	return id, true
}

// composePrompt builds the runner prompt: persona, conversation digest, and
// the type-specific instruction. The row for the message being handled is
// excluded from the digest since it is already the current request.
func (h *Handler) composePrompt(ctx context.Context, d *delivery, parsed *router.ParsedMessage) string {
	history, err := h.store.History(ctx, d.userID(), historyTurns)
	if err != nil {
		h.logger.Warn("could not load history for prompt",
			zap.String("user_id", d.userID()), zap.Error(err))
		history = nil
	}
	if n := len(history); n > 0 && history[n-1].Role == models.ChatRoleUser && history[n-1].Content == d.msg.Text {
		history = history[:n-1]
	}
	prompt := router.BuildContextualPrompt(parsed, history)
	if d.event != nil && d.event.Source.Number > 0 {
		prompt = fmt.Sprintf("This request came from %s #%d on %s.\n\n",
			d.event.Source.Kind, d.event.Source.Number, d.event.Source.Repo) + prompt
	}
	return prompt
}

func (h *Handler) createSchedule(ctx context.Context, d *delivery, parsed *router.ParsedMessage) {
	result, err := h.creator.Parse(ctx, parsed.RawText)
	if err != nil {
		h.logger.Warn("schedule creation failed", zap.Error(err))
		h.answer(ctx, d, "I could not turn that into a schedule. Try something like \"run the tests every day at 9am on api\".")
		return
	}

	repo := result.Repo
	if repo == "" {
		repo = parsed.Repo
	}
	if repo == "" {
		if res, err := h.resolver.Resolve(ctx, d.userID(), parsed.RawText, ""); err == nil && res.Repo != "" {
			repo = res.Repo
		}
	}
	if repo == "" {
		h.answer(ctx, d, "Which repository should this run on? Add \"on <repo>\" and try again.")
		return
	}

	s := &models.Schedule{
		UserID:      d.userID(),
		Repo:        repo,
		Prompt:      result.Prompt,
		Schedule:    result.Schedule,
		Description: result.Description,
	}
	if err := h.store.CreateSchedule(ctx, s); err != nil {
		h.logger.Error("could not save schedule", zap.Error(err))
		h.answer(ctx, d, "Could not save the schedule. Please try again.")
		return
	}
	desc := result.Description
	if desc == "" {
		desc = result.Prompt
	}
	h.answer(ctx, d, fmt.Sprintf("Scheduled #%d (%s): %s on %s.", s.ID, result.Schedule, desc, repo))
}

func (h *Handler) initRepo(ctx context.Context, d *delivery, parsed *router.ParsedMessage) {
	name := parsed.Args["name"]
	url := parsed.Args["url"]
	branch := parsed.Args["branch"]

	if err := h.registry.Add(ctx, name, url, branch); err != nil {
		h.logger.Error("repo onboarding failed",
			zap.String("repo", name), zap.Error(err))
		h.answer(ctx, d, "Could not add the repository: "+err.Error())
		return
	}
	if h.cfgStore != nil {
		if err := h.cfgStore.AddRepo(name, config.RepoConfig{URL: url, DefaultBranch: branch}); err != nil {
			h.logger.Warn("could not persist repo to config file",
				zap.String("repo", name), zap.Error(err))
		}
	}
	if err := h.users.Grant(d.userID(), name); err != nil {
		h.logger.Warn("could not grant repo to user",
			zap.String("repo", name), zap.String("user_id", d.userID()), zap.Error(err))
	}
	h.logger.Info("repository onboarded",
		zap.String("repo", name), zap.String("user_id", d.userID()))
	h.answer(ctx, d, fmt.Sprintf("Added repository %s and granted you access. Try \"validate %s\" to check it builds.", name, name))
}
