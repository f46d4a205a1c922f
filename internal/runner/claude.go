package runner

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Claude runs prompts through the Claude Code CLI in one-shot print mode.
type Claude struct {
	path   string
	logger *logger.Logger
}

// NewClaude creates a Claude Code runner. path may be empty, in which case
// the binary is looked up on PATH.
func NewClaude(path string, log *logger.Logger) *Claude {
	return &Claude{
		path:   path,
		logger: log.WithFields(zap.String("component", "runner-claude")),
	}
}

func (r *Claude) Name() string { return "claude-code" }

func (r *Claude) Run(ctx context.Context, prompt, workDir string, opts Options, onStatus func(StatusEvent)) (*Result, error) {
	bin := resolveBinary("claude", r.path)
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(turnBudget(opts)),
		"--dangerously-skip-permissions",
	}
	if opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", opts.MCPConfigPath)
	}

	return execStream(ctx, r.logger, bin, args, workDir, &claudeStream{onStatus: onStatus})
}

// claudeMessage is one line of `--output-format stream-json` output.
type claudeMessage struct {
	Type    string      `json:"type"`
	Subtype string      `json:"subtype,omitempty"`
	Message *claudeBody `json:"message,omitempty"`
	IsError bool        `json:"is_error,omitempty"`
	// Result is a string on success lines and an object on some error
	// shapes, so it stays raw until decoded.
	Result json.RawMessage `json:"result,omitempty"`
}

type claudeBody struct {
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// claudeStream folds stream-json lines into status events and a final
// output. Malformed lines are dropped.
type claudeStream struct {
	onStatus   func(StatusEvent)
	lastText   string
	sawResult  bool
	resultText string
}

func (s *claudeStream) consume(line []byte) {
	var msg claudeMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "assistant":
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if strings.TrimSpace(block.Text) == "" {
					continue
				}
				s.lastText = block.Text
				s.emit(StatusEvent{Kind: StatusText, Text: block.Text})
			case "tool_use":
				s.emit(StatusEvent{Kind: StatusTool, Tool: block.Name, Input: summarizeInput(block.Input)})
			}
		}
	case "result":
		s.sawResult = true
		s.resultText = decodeResult(msg.Result)
	}
}

func (s *claudeStream) finalOutput() string {
	if s.sawResult && strings.TrimSpace(s.resultText) != "" {
		return s.resultText
	}
	if strings.TrimSpace(s.lastText) != "" {
		return s.lastText
	}
	return "Task completed (no output)"
}

func (s *claudeStream) emit(ev StatusEvent) {
	if s.onStatus != nil {
		s.onStatus(ev)
	}
}

func decodeResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
