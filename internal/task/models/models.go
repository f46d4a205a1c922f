package models

import "time"

// TaskStatus represents the lifecycle state of a dispatched task
type TaskStatus string

const (
	// TaskStatusPending means the task is queued and waiting for a worker slot
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning means a worker has dequeued the task and an agent is executing it
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted means the agent finished and produced a result
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed means the task ended without a usable result, including cancellations
	TaskStatusFailed TaskStatus = "failed"
)

// TaskType distinguishes tasks that need special worker handling.
// The empty string is a regular coding task executed inside a worktree.
type TaskType string

const (
	// TaskTypeDiscuss is a conversational task that runs in the shared repos
	// directory without a worktree
	TaskTypeDiscuss TaskType = "discuss"
	// TaskTypeCreateProject scaffolds a brand-new project directory
	TaskTypeCreateProject TaskType = "create-project"
	// TaskTypeCron marks tasks enqueued by the scheduler rather than a user message
	TaskTypeCron TaskType = "cron"
)

// Task is a unit of agent work persisted in the queue
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Repo        string     `json:"repo"`
	Prompt      string     `json:"prompt"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	TaskType    TaskType   `json:"task_type,omitempty"`
	Priority    int        `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the task has reached a final state.
// A task is terminal exactly when its completion timestamp is set.
func (t *Task) Terminal() bool {
	return t.CompletedAt != nil
}

// TraceKind classifies trace events recorded during task execution
type TraceKind string

const (
	// TraceKindStatus is a coarse progress update streamed by the runner
	TraceKindStatus TraceKind = "status"
	// TraceKindTool records a tool invocation made by the agent
	TraceKindTool TraceKind = "tool"
	// TraceKindLifecycle records queue transitions: enqueued, started, completed
	TraceKindLifecycle TraceKind = "lifecycle"
	// TraceKindOutput records the final result text
	TraceKindOutput TraceKind = "output"
	// TraceKindError records failures and cancellations
	TraceKindError TraceKind = "error"
)

// TraceEvent is one append-only execution record for a task
type TraceEvent struct {
	ID      int64     `json:"id"`
	TaskID  string    `json:"task_id"`
	TS      time.Time `json:"ts"`
	Kind    TraceKind `json:"kind"`
	Summary string    `json:"summary"`
	Detail  string    `json:"detail,omitempty"`
}

// ChatRole identifies who authored a conversation message
type ChatRole string

const (
	// ChatRoleUser is a message sent by the human user
	ChatRoleUser ChatRole = "user"
	// ChatRoleAssistant is a reply produced by the dispatcher or an agent
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of per-user conversation history
type ChatMessage struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Mode controls how free-form messages are interpreted for a user
type Mode string

const (
	// ModeStrict requires recognizable commands and degrades gracefully otherwise
	ModeStrict Mode = "strict"
	// ModeAssistant treats free-form messages as conversational requests
	ModeAssistant Mode = "assistant"
)

// RepoSource records where a repository entry came from
type RepoSource string

const (
	// RepoSourceConfig is a repository declared in the dispatcher config file
	RepoSourceConfig RepoSource = "config"
	// RepoSourceExternalSync is a repository discovered by the periodic sync
	RepoSourceExternalSync RepoSource = "external-sync"
	// RepoSourceManual is a repository onboarded through a chat command
	RepoSourceManual RepoSource = "manual"
)

// Repo is a known repository the dispatcher can run tasks against
type Repo struct {
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	Owner         string     `json:"owner,omitempty"`
	DefaultBranch string     `json:"default_branch"`
	Source        RepoSource `json:"source"`
	Excluded      bool       `json:"excluded"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
}

// Schedule is a stored cron entry created from chat
type Schedule struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	Repo        string    `json:"repo,omitempty"`
	Prompt      string    `json:"prompt"`
	Schedule    string    `json:"schedule"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueueStats is a snapshot of task counts by status
type QueueStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// RepoMetrics aggregates execution outcomes for a single repository
type RepoMetrics struct {
	Repo               string  `json:"repo"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// QueueMetrics is the operational summary exposed by the status surfaces
type QueueMetrics struct {
	Stats              QueueStats    `json:"stats"`
	ThroughputLastHour int           `json:"throughput_last_hour"`
	ThroughputLastDay  int           `json:"throughput_last_day"`
	ErrorRate          float64       `json:"error_rate"`
	Repos              []RepoMetrics `json:"repos"`
}
