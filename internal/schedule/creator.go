package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Inferencer produces a single-turn model response for a prompt.
type Inferencer interface {
	Infer(ctx context.Context, prompt string) (string, error)
}

// CreationResult is the model's structured reading of a natural-language
// scheduling request.
type CreationResult struct {
	Schedule    string `json:"schedule"`
	Prompt      string `json:"prompt"`
	Repo        string `json:"repo"`
	Description string `json:"description"`
}

// Creator turns "every morning lint the api repo" style requests into
// validated cron entries via a one-shot model call.
type Creator struct {
	infer  Inferencer
	logger *logger.Logger
}

func NewCreator(infer Inferencer, log *logger.Logger) *Creator {
	return &Creator{
		infer:  infer,
		logger: log.WithFields(zap.String("component", "schedule-creator")),
	}
}

// Parse asks the model for the strict JSON form of the request and
// validates the resulting cron expression.
func (c *Creator) Parse(ctx context.Context, request string) (*CreationResult, error) {
	answer, err := c.infer.Infer(ctx, creationPrompt(request))
	if err != nil {
		return nil, fmt.Errorf("schedule inference failed: %w", err)
	}

	result, err := parseCreationJSON(answer)
	if err != nil {
		c.logger.Warn("unparseable schedule response",
			zap.String("answer", answer), zap.Error(err))
		return nil, err
	}

	if result.Prompt == "" {
		return nil, fmt.Errorf("schedule response is missing a task prompt")
	}
	if err := Validate(result.Schedule); err != nil {
		return nil, fmt.Errorf("model produced invalid cron expression %q: %w", result.Schedule, err)
	}
	return result, nil
}

func creationPrompt(request string) string {
	return "You convert one natural-language scheduling request into JSON.\n\n" +
		"Reply with a single JSON object and nothing else:\n" +
		`{"schedule": "<5-field cron expression>", "prompt": "<task instruction to run>", ` +
		`"repo": "<repository name or null>", "description": "<short human description>"}` +
		"\n\nRequest:\n" + request
}

// parseCreationJSON tolerates fenced or prose-wrapped replies by stripping
// code fences and falling back to the outermost JSON object.
func parseCreationJSON(answer string) (*CreationResult, error) {
	cleaned := stripCodeFence(answer)

	var result CreationResult
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return &result, nil
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in schedule response")
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("failed to parse schedule response: %w", err)
	}
	return &result, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
