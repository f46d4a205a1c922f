package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/adapters"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// maxWebhookBody caps webhook payloads at 1 MB.
const maxWebhookBody = 1 << 20

// WebhookAdapter receives GitHub comment webhooks and turns them into
// incoming events. Responses cannot reach GitHub without a hosting API
// client, so RespondToEvent keeps them in an in-memory tail and the log.
type WebhookAdapter struct {
	secret   []byte
	botLogin string
	logger   *logger.Logger

	mu        sync.Mutex
	running   bool
	onEvent   func(context.Context, *adapters.IncomingEvent)
	received  int
	responses map[string]string
}

// NewWebhookAdapter builds the webhook receiver. An empty secret disables
// signature checking; production configs should always set one.
func NewWebhookAdapter(cfg config.GitHubConfig, log *logger.Logger) *WebhookAdapter {
	return &WebhookAdapter{
		secret:    []byte(cfg.WebhookSecret),
		botLogin:  cfg.BotLogin,
		logger:    log.WithFields(zap.String("component", "github-webhook")),
		responses: map[string]string{},
	}
}

func (a *WebhookAdapter) Name() string { return "github-webhook" }

// Start registers the event sink. The HTTP route is served by the gateway,
// so there is no listener of its own to run.
func (a *WebhookAdapter) Start(ctx context.Context, onEvent func(context.Context, *adapters.IncomingEvent)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onEvent = onEvent
	a.running = true
	return nil
}

func (a *WebhookAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.onEvent = nil
	return nil
}

// RespondToEvent records the response addressed to a webhook event. Posting
// the comment back to GitHub is outside the dispatcher's scope.
func (a *WebhookAdapter) RespondToEvent(ctx context.Context, eventID, text string) error {
	a.mu.Lock()
	a.responses[eventID] = text
	a.mu.Unlock()
	a.logger.Info("event response recorded",
		zap.String("event_id", eventID),
		zap.Int("length", len(text)))
	return nil
}

// Response returns the last recorded response for an event id.
func (a *WebhookAdapter) Response(eventID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	text, ok := a.responses[eventID]
	return text, ok
}

func (a *WebhookAdapter) Status() adapters.AdapterStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return adapters.AdapterStatus{
		Name:    "github-webhook",
		Running: a.running,
		Detail:  fmt.Sprintf("%d events received", a.received),
	}
}

// webhookPayload is the slice of the GitHub event body the dispatcher reads.
type webhookPayload struct {
	Action  string `json:"action"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Issue struct {
		Number int `json:"number"`
	} `json:"issue"`
	PullRequest struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Repository struct {
		Name string `json:"name"`
	} `json:"repository"`
}

func (a *WebhookAdapter) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	if len(a.secret) > 0 {
		if !a.verifySignature(body, c.GetHeader("X-Hub-Signature-256")) {
			a.logger.Warn("webhook signature mismatch",
				zap.String("delivery", c.GetHeader("X-GitHub-Delivery")))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	eventType := c.GetHeader("X-GitHub-Event")
	var kind adapters.EventSourceKind
	switch eventType {
	case "issue_comment":
		kind = adapters.SourceIssue
	case "pull_request_review_comment":
		kind = adapters.SourcePR
	default:
		c.JSON(http.StatusOK, gin.H{"ignored": true, "reason": "unhandled event type"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if payload.Action != "created" {
		c.JSON(http.StatusOK, gin.H{"ignored": true, "reason": "not a new comment"})
		return
	}
	login := payload.Comment.User.Login
	if a.botLogin != "" && strings.EqualFold(login, a.botLogin) {
		// The bot replying to itself would loop forever.
		c.JSON(http.StatusOK, gin.H{"ignored": true, "reason": "own comment"})
		return
	}
	text := strings.TrimSpace(payload.Comment.Body)
	if text == "" {
		c.JSON(http.StatusOK, gin.H{"ignored": true, "reason": "empty comment"})
		return
	}

	number := payload.Issue.Number
	if kind == adapters.SourcePR || number == 0 {
		if payload.PullRequest.Number != 0 {
			number = payload.PullRequest.Number
			kind = adapters.SourcePR
		}
	}

	eventID := c.GetHeader("X-GitHub-Delivery")
	if eventID == "" {
		eventID = uuid.New().String()
	}
	ev := &adapters.IncomingEvent{
		EventID:  eventID,
		UserID:   "github:" + login,
		Platform: "github",
		Source: adapters.EventSource{
			Kind:   kind,
			Repo:   payload.Repository.Name,
			Number: number,
		},
		Text: text,
	}

	a.mu.Lock()
	onEvent := a.onEvent
	a.received++
	a.mu.Unlock()
	if onEvent == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "adapter not started"})
		return
	}

	a.logger.Info("webhook event accepted",
		zap.String("event_id", eventID),
		zap.String("repo", ev.Source.Repo),
		zap.String("user", login))

	// Dispatch off the request goroutine; resolution may call inference.
	go onEvent(context.Background(), ev)

	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "event_id": eventID})
}

func (a *WebhookAdapter) verifySignature(body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
