package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
)

const sseHeartbeat = 30 * time.Second

// handleTaskEvents streams one task's bus events as SSE: a snapshot of the
// row first, then live status updates, then the terminal event, after which
// the stream closes.
func (s *Server) handleTaskEvents(c *gin.Context) {
	id := c.Param("id")
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeSSE(w, "snapshot", task)
	if task.Terminal() || s.bus == nil {
		return
	}

	ch := make(chan *bus.Event, 16)
	sub, err := s.bus.Subscribe(events.TaskEventsPattern(id), func(ctx context.Context, ev *bus.Event) error {
		select {
		case ch <- ev:
		default:
			// A stalled client loses intermediate updates, never the stream.
		}
		return nil
	})
	if err != nil {
		s.logger.Error("sse subscribe failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	// The task may have finished between the snapshot and the subscribe;
	// without this the client would wait for a done event that already fired.
	if task, err := s.store.GetTask(c.Request.Context(), id); err == nil && task.Terminal() {
		writeSSE(w, "snapshot", task)
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			w.Flush()
		case ev := <-ch:
			writeSSE(w, ev.Type, ev)
			if ev.Type == events.TaskCompleted || ev.Type == events.TaskFailed {
				return
			}
		}
	}
}

func writeSSE(w gin.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.Flush()
}
