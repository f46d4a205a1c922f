package runner

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Codex runs prompts through the Codex CLI in non-interactive exec mode.
// Codex has no MCP config support, so Options.MCPConfigPath is ignored.
type Codex struct {
	path   string
	logger *logger.Logger
}

// NewCodex creates a Codex runner. path may be empty, in which case the
// binary is looked up on PATH.
func NewCodex(path string, log *logger.Logger) *Codex {
	return &Codex{
		path:   path,
		logger: log.WithFields(zap.String("component", "runner-codex")),
	}
}

func (r *Codex) Name() string { return "codex" }

func (r *Codex) Run(ctx context.Context, prompt, workDir string, opts Options, onStatus func(StatusEvent)) (*Result, error) {
	bin := resolveBinary("codex", r.path)
	args := []string{
		"exec",
		"--json",
		"--dangerously-bypass-approvals-and-sandbox",
		"--skip-git-repo-check",
		"--ephemeral",
		"-C", workDir,
	}
	if opts.Model != "" {
		args = append(args, "-m", opts.Model)
	}
	args = append(args, prompt)

	return execStream(ctx, r.logger, bin, args, workDir, &codexStream{onStatus: onStatus})
}

// codexEvent is one line of `codex exec --json` output. Only completed
// items carry content worth surfacing; turn lifecycle events are skipped.
type codexEvent struct {
	Type string     `json:"type"`
	Item *codexItem `json:"item,omitempty"`
}

type codexItem struct {
	ItemType string `json:"item_type"`
	Text     string `json:"text,omitempty"`
	Command  string `json:"command,omitempty"`
}

type codexStream struct {
	onStatus func(StatusEvent)
	lastText string
}

func (s *codexStream) consume(line []byte) {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	if ev.Type != "item.completed" || ev.Item == nil {
		return
	}

	switch ev.Item.ItemType {
	case "agent_message":
		if strings.TrimSpace(ev.Item.Text) == "" {
			return
		}
		s.lastText = ev.Item.Text
		s.emit(StatusEvent{Kind: StatusText, Text: ev.Item.Text})
	case "command_execution":
		s.emit(StatusEvent{Kind: StatusTool, Tool: "shell", Input: truncate(ev.Item.Command, 120)})
	}
}

// finalOutput is the last agent message; codex emits no separate result
// record.
func (s *codexStream) finalOutput() string {
	if strings.TrimSpace(s.lastText) != "" {
		return s.lastText
	}
	return "Task completed (no output)"
}

func (s *codexStream) emit(ev StatusEvent) {
	if s.onStatus != nil {
		s.onStatus(ev)
	}
}
