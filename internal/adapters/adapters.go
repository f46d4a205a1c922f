// Package adapters defines the contracts between the dispatcher core and the
// chat and event surfaces that feed it. Concrete transports (Slack, Telegram,
// the terminal REPL, webhook receivers) live outside the core and only need
// to satisfy these small interfaces.
package adapters

import "context"

// IncomingMessage is one chat message delivered by a chat adapter. Reply and
// UpdateStatus write back to the originating conversation.
type IncomingMessage struct {
	UserID   string // platform-prefixed, e.g. "slack:U42"
	Platform string // "slack", "telegram", "discord", "whatsapp", "cli", "web"
	Text     string

	Reply        func(ctx context.Context, text string) error
	UpdateStatus func(ctx context.Context, text string) error
}

// EventSourceKind tags where an incoming event originated.
type EventSourceKind string

const (
	SourceIssue EventSourceKind = "issue"
	SourcePR    EventSourceKind = "pr"
	SourceHTTP  EventSourceKind = "http"
)

// EventSource describes the origin of an event: an issue or PR comment
// carries its repo and number, an HTTP call carries a request id and an
// optional repo.
type EventSource struct {
	Kind      EventSourceKind
	Repo      string
	Number    int
	RequestID string
}

// IncomingEvent is an external trigger with its own identity, delivered by an
// event adapter. Responses are routed back through the adapter rather than a
// chat reply callback.
type IncomingEvent struct {
	EventID  string
	UserID   string
	Platform string
	Source   EventSource
	Text     string
}

// ChatAdapter is a surface that delivers user messages and can push messages
// to a user unprompted.
type ChatAdapter interface {
	Name() string
	Platform() string
	Start(ctx context.Context, onMessage func(context.Context, *IncomingMessage)) error
	Stop() error
	SendToUser(ctx context.Context, userID, text string) error
}

// AdapterStatus is a point-in-time health snapshot of an adapter.
type AdapterStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Detail  string `json:"detail,omitempty"`
}

// EventAdapter is a surface that delivers external events (webhooks, comment
// pollers) and accepts responses addressed by event id.
type EventAdapter interface {
	Name() string
	Start(ctx context.Context, onEvent func(context.Context, *IncomingEvent)) error
	Stop() error
	RespondToEvent(ctx context.Context, eventID, text string) error
	Status() AdapterStatus
}
