// Package events defines the event vocabulary of the dispatcher and
// provides the configured bus implementation.
package events

// Event types for the task lifecycle
const (
	TaskEnqueued  = "task.enqueued"
	TaskStarted   = "task.started"
	TaskStatus    = "task.status"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
)

// SubjectTaskEnqueued carries queue arrivals for anyone watching overall
// flow.
const SubjectTaskEnqueued = "task.enqueued"

// TaskStatusSubject is the per-task subject streaming progress updates.
func TaskStatusSubject(taskID string) string {
	return "task." + taskID + ".status"
}

// TaskDoneSubject is the per-task subject carrying the terminal transition.
func TaskDoneSubject(taskID string) string {
	return "task." + taskID + ".done"
}

// TaskEventsPattern matches both the status and done subjects of one task.
func TaskEventsPattern(taskID string) string {
	return "task." + taskID + ".*"
}
