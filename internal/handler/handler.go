// Package handler turns routed chat messages and external events into queue
// operations and inline answers. It owns the join table connecting queued
// tasks back to their conversations.
package handler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/adapters"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/reply"
	"github.com/dispatchd/dispatchd/internal/resolver"
	"github.com/dispatchd/dispatchd/internal/schedule"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/trace"
)

const (
	// historyTurns bounds the conversation digest composed into prompts.
	historyTurns = 6
	// joinExpiry is how long finished tasks keep their reply joins before
	// the sweeper reclaims them. The worker normally drops joins itself;
	// the sweep covers crashed executions.
	joinExpiry    = 5 * time.Minute
	sweepInterval = time.Minute
)

// SessionStore reads and writes per-user conversation state.
type SessionStore interface {
	AppendMessage(ctx context.Context, userID string, role models.ChatRole, content string) error
	History(ctx context.Context, userID string, limit int) ([]*models.ChatMessage, error)
	ClearSession(ctx context.Context, userID string) error
	GetMode(ctx context.Context, userID string) (models.Mode, error)
	SetMode(ctx context.Context, userID string, mode models.Mode) error
}

// TaskStore is the queue surface the handler needs.
type TaskStore interface {
	Enqueue(ctx context.Context, task *models.Task) (string, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasksByUser(ctx context.Context, userID string, limit int) ([]*models.Task, error)
	ListActiveTasks(ctx context.Context, limit int) ([]*models.Task, error)
	ListRecentTasks(ctx context.Context, limit int, statuses ...models.TaskStatus) ([]*models.Task, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
	ListTrace(ctx context.Context, taskID string) ([]*models.TraceEvent, error)
}

// ScheduleStore persists user-defined cron entries.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	ListSchedulesByUser(ctx context.Context, userID string) ([]*models.Schedule, error)
	DeleteSchedule(ctx context.Context, id int64, userID string) (bool, error)
}

// Store is the persistent state the handler works against.
type Store interface {
	SessionStore
	TaskStore
	ScheduleStore
}

// TaskControl is the worker surface behind the cancel command.
type TaskControl interface {
	Cancel(ctx context.Context, id string) (bool, error)
	LiveTaskIDs() []string
}

// RepoResolver picks the repository a task-class message targets.
type RepoResolver interface {
	Resolve(ctx context.Context, userID, text, hint string) (*resolver.Resolution, error)
}

// Registry onboards repositories from chat.
type Registry interface {
	Add(ctx context.Context, name, url, branch string) error
}

// Grants manages per-user repository access.
type Grants interface {
	Known(userID string) bool
	Register(userID string) error
	Grant(userID, repo string) error
}

// ScheduleCreator turns natural-language schedule requests into entries.
type ScheduleCreator interface {
	Parse(ctx context.Context, request string) (*schedule.CreationResult, error)
}

// ConfigWriter merges onboarded repositories back into the config file.
type ConfigWriter interface {
	AddRepo(name string, rc config.RepoConfig) error
}

// Deps bundles everything a Handler needs.
type Deps struct {
	Store    Store
	Resolver RepoResolver
	Control  TaskControl
	Registry Registry
	Users    Grants
	Creator  ScheduleCreator
	Joins    *Joins
	Pipeline *reply.Pipeline
	Recorder *trace.Recorder
	Bus      bus.EventBus
	Config   ConfigWriter
}

// Handler routes parsed messages to queue operations and inline answers.
type Handler struct {
	store    Store
	resolver RepoResolver
	control  TaskControl
	registry Registry
	users    Grants
	creator  ScheduleCreator
	joins    *Joins
	pipeline *reply.Pipeline
	rec      *trace.Recorder
	bus      bus.EventBus
	cfgStore ConfigWriter
	logger   *logger.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a handler from its dependencies.
func New(deps Deps, log *logger.Logger) *Handler {
	return &Handler{
		store:    deps.Store,
		resolver: deps.Resolver,
		control:  deps.Control,
		registry: deps.Registry,
		users:    deps.Users,
		creator:  deps.Creator,
		joins:    deps.Joins,
		pipeline: deps.Pipeline,
		rec:      deps.Recorder,
		bus:      deps.Bus,
		cfgStore: deps.Config,
		logger:   log.WithFields(zap.String("component", "handler")),
	}
}

// Start launches the join sweeper. Safe to call once; later calls are no-ops.
func (h *Handler) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go h.sweepLoop(runCtx)
}

// Stop halts the sweeper.
func (h *Handler) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	cancel := h.cancel
	h.mu.Unlock()

	cancel()
	h.wg.Wait()
}

func (h *Handler) sweepLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepJoins(ctx)
		}
	}
}

// sweepJoins reclaims join entries whose tasks finished a while ago.
func (h *Handler) sweepJoins(ctx context.Context) {
	for _, id := range h.joins.IDs() {
		task, err := h.store.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if task.Terminal() && time.Since(*task.CompletedAt) > joinExpiry {
			h.joins.Drop(id)
			h.logger.Debug("expired stale reply join", zap.String("task_id", id))
		}
	}
}

// delivery is one incoming request plus the way back to its author. For
// chat messages msg is the original; for events msg is synthesized around
// the adapter's RespondToEvent.
type delivery struct {
	msg     *adapters.IncomingMessage
	adapter adapters.EventAdapter
	event   *adapters.IncomingEvent
}

func (d *delivery) userID() string { return d.msg.UserID }

// answer sends an inline reply and records it as an assistant history row.
func (h *Handler) answer(ctx context.Context, d *delivery, text string) {
	h.pipeline.Deliver(ctx, d.msg, text)
	if err := h.store.AppendMessage(ctx, d.userID(), models.ChatRoleAssistant, text); err != nil {
		h.logger.Warn("could not append assistant reply to history",
			zap.String("user_id", d.userID()), zap.Error(err))
	}
}

func (h *Handler) join(taskID string, d *delivery) {
	if d.event != nil {
		h.joins.AddEvent(taskID, d.adapter, d.event)
		return
	}
	h.joins.AddMessage(taskID, d.msg)
}

func (h *Handler) publishEnqueued(task *models.Task) {
	if h.bus == nil {
		return
	}
	ev := bus.NewEvent(events.TaskEnqueued, "handler", map[string]interface{}{
		"task_id":   task.ID,
		"repo":      task.Repo,
		"user_id":   task.UserID,
		"task_type": string(task.TaskType),
	})
	if err := h.bus.Publish(context.Background(), events.SubjectTaskEnqueued, ev); err != nil {
		h.logger.Debug("event publish failed", zap.Error(err))
	}
}
