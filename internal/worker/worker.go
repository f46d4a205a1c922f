// Package worker runs queued tasks at bounded concurrency. It prepares an
// isolated working copy per task, drives the agent runner, streams progress
// back to the originating conversation, and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/adapters"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/reply"
	"github.com/dispatchd/dispatchd/internal/runner"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/trace"
)

const (
	// maxConcurrent caps tasks executing at once. Per-repo serialization is
	// the queue's job; this only bounds total parallelism.
	maxConcurrent = 5
	pollInterval  = 2 * time.Second
)

// Queue is the slice of the task store the worker drives.
type Queue interface {
	Dequeue(ctx context.Context) (*models.Task, error)
	Complete(ctx context.Context, id, result string) error
	Fail(ctx context.Context, id, result string) error
	Cancel(ctx context.Context, id string) (bool, error)
}

// Repos resolves repository metadata for regular coding tasks.
type Repos interface {
	Get(ctx context.Context, name string) (*models.Repo, error)
}

// Workspaces prepares and tears down the directories tasks run in.
type Workspaces interface {
	ReposRoot() string
	EnsureProjectDir(name string) (string, error)
	CloneIfNeeded(ctx context.Context, name, url string) error
	Pull(ctx context.Context, name, branch string)
	CreateWorktree(ctx context.Context, name, taskID, baseBranch string) (string, error)
	RemoveWorktree(ctx context.Context, name, taskID string)
}

// Replies joins running tasks back to the conversations and events that
// created them. The handler owns the underlying tables.
type Replies interface {
	// Message returns the originating chat message for a task, if any.
	Message(taskID string) (*adapters.IncomingMessage, bool)
	// NotifyEvent responds to the originating external event, if any.
	NotifyEvent(ctx context.Context, taskID, text string)
	// Drop removes all join entries for a task.
	Drop(taskID string)
}

// Config carries the execution knobs the worker reads per task.
type Config struct {
	MaxTurns      int
	Model         string
	DefaultRunner string
	// RepoRunners overrides the runner per repository name.
	RepoRunners map[string]string
	// MCPServers, when non-empty, is serialized to a task-scoped temp file
	// and passed to runners that support MCP.
	MCPServers map[string]any
}

// Worker polls the queue and executes tasks concurrently.
type Worker struct {
	queue    Queue
	repos    Repos
	ws       Workspaces
	runners  map[string]runner.Runner
	pipeline *reply.Pipeline
	replies  Replies
	rec      *trace.Recorder
	bus      bus.EventBus
	cfg      Config
	logger   *logger.Logger

	mu       sync.Mutex
	procs    map[string]context.CancelFunc
	inFlight int

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a worker. At least one runner must be registered and
// cfg.DefaultRunner must name one of them.
func New(queue Queue, repos Repos, ws Workspaces, runners []runner.Runner, pipeline *reply.Pipeline, replies Replies, rec *trace.Recorder, eventBus bus.EventBus, cfg Config, log *logger.Logger) (*Worker, error) {
	if len(runners) == 0 {
		return nil, errors.New("worker needs at least one runner")
	}
	byName := make(map[string]runner.Runner, len(runners))
	for _, r := range runners {
		byName[r.Name()] = r
	}
	if _, ok := byName[cfg.DefaultRunner]; !ok {
		return nil, fmt.Errorf("default runner %q is not registered", cfg.DefaultRunner)
	}
	return &Worker{
		queue:    queue,
		repos:    repos,
		ws:       ws,
		runners:  byName,
		pipeline: pipeline,
		replies:  replies,
		rec:      rec,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "worker")),
		procs:    make(map[string]context.CancelFunc),
	}, nil
}

// Start launches the polling loop. Safe to call once; later calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(runCtx)
	w.logger.Info("worker started",
		zap.Int("max_concurrent", maxConcurrent),
		zap.Duration("poll_interval", pollInterval))
}

// Stop cancels the loop and every in-flight task, then waits for them to
// unwind. Cancelled subprocesses are killed by their run contexts.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if w.ActiveCount() < maxConcurrent {
			if task := w.tryDequeue(ctx); task != nil {
				w.launch(ctx, task)
				// A task came off the queue; poll again right away in
				// case more are waiting.
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) tryDequeue(ctx context.Context) *models.Task {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("dequeue failed", zap.Error(err))
		}
		return nil
	}
	return task
}

func (w *Worker) launch(ctx context.Context, task *models.Task) {
	w.mu.Lock()
	w.inFlight++
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			w.inFlight--
			w.mu.Unlock()
		}()
		w.execute(ctx, task)
	}()
}

// ActiveCount returns the number of tasks currently executing.
func (w *Worker) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// LiveTaskIDs lists tasks with a registered subprocess cancellation token.
func (w *Worker) LiveTaskIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.procs))
	for id := range w.procs {
		ids = append(ids, id)
	}
	return ids
}

// Cancel aborts a task. A live subprocess is signalled through its
// cancellation token first; the queue row is then marked cancelled, which
// also covers tasks still pending. Reports whether anything was cancelled.
func (w *Worker) Cancel(ctx context.Context, id string) (bool, error) {
	w.mu.Lock()
	cancelProc, live := w.procs[id]
	w.mu.Unlock()

	if live {
		w.logger.Info("signalling live task", zap.String("task_id", id))
		cancelProc()
	}
	cancelled, err := w.queue.Cancel(ctx, id)
	if err != nil {
		return live, err
	}
	return cancelled || live, nil
}

func (w *Worker) track(id string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.procs[id] = cancel
	w.mu.Unlock()
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	delete(w.procs, id)
	w.mu.Unlock()
}

func (w *Worker) runnerFor(task *models.Task) runner.Runner {
	name := w.cfg.DefaultRunner
	if override := w.cfg.RepoRunners[task.Repo]; override != "" {
		name = override
	}
	if r, ok := w.runners[name]; ok {
		return r
	}
	w.logger.Warn("configured runner not registered, using default",
		zap.String("runner", name), zap.String("repo", task.Repo))
	return w.runners[w.cfg.DefaultRunner]
}
