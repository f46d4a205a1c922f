package handler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/adapters"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Joins holds the in-memory links between queued tasks and whoever asked for
// them: the originating chat message, or the adapter and event for webhook
// triggers. The handler fills it on enqueue; the worker reads it to deliver
// results and drops entries when a task ends.
type Joins struct {
	mu     sync.Mutex
	msgs   map[string]*adapters.IncomingMessage
	events map[string]*eventJoin
	logger *logger.Logger
}

type eventJoin struct {
	adapter adapters.EventAdapter
	event   *adapters.IncomingEvent
}

// NewJoins creates an empty join table.
func NewJoins(log *logger.Logger) *Joins {
	return &Joins{
		msgs:   make(map[string]*adapters.IncomingMessage),
		events: make(map[string]*eventJoin),
		logger: log.WithFields(zap.String("component", "joins")),
	}
}

// AddMessage links a task to its originating chat message.
func (j *Joins) AddMessage(taskID string, msg *adapters.IncomingMessage) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.msgs[taskID] = msg
}

// AddEvent links a task to the external event that triggered it.
func (j *Joins) AddEvent(taskID string, adapter adapters.EventAdapter, ev *adapters.IncomingEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events[taskID] = &eventJoin{adapter: adapter, event: ev}
}

// Message returns the originating chat message for a task, if any.
func (j *Joins) Message(taskID string) (*adapters.IncomingMessage, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	msg, ok := j.msgs[taskID]
	return msg, ok
}

// NotifyEvent responds to the originating external event, if one is joined.
func (j *Joins) NotifyEvent(ctx context.Context, taskID, text string) {
	j.mu.Lock()
	join, ok := j.events[taskID]
	j.mu.Unlock()
	if !ok {
		return
	}
	if err := join.adapter.RespondToEvent(ctx, join.event.EventID, text); err != nil {
		j.logger.Warn("failed to respond to originating event",
			zap.String("task_id", taskID),
			zap.String("event_id", join.event.EventID),
			zap.Error(err))
	}
}

// Drop removes all join entries for a task.
func (j *Joins) Drop(taskID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.msgs, taskID)
	delete(j.events, taskID)
}

// IDs lists every task id with at least one join entry.
func (j *Joins) IDs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	seen := make(map[string]struct{}, len(j.msgs)+len(j.events))
	for id := range j.msgs {
		seen[id] = struct{}{}
	}
	for id := range j.events {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}
