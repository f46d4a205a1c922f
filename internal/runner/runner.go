// Package runner shells out to coding-agent CLIs and normalizes their
// newline-delimited JSON output into a common event stream.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// wallTimeout is the hard ceiling for a single agent run. On expiry the
// child process is killed and the run reports failure.
const wallTimeout = 30 * time.Minute

// defaultMaxTurns applies when the caller passes no turn budget.
const defaultMaxTurns = 30

// StatusKind discriminates streamed status events.
type StatusKind string

const (
	StatusText StatusKind = "text"
	StatusTool StatusKind = "tool"
)

// StatusEvent is one normalized progress update from a running agent.
type StatusEvent struct {
	Kind  StatusKind
	Text  string
	Tool  string
	Input string
}

// Result is the terminal outcome of an agent run.
type Result struct {
	Success bool
	Output  string
}

// Options tunes a single run.
type Options struct {
	MaxTurns      int
	MCPConfigPath string
	Model         string
}

// Runner executes one prompt inside a working directory and streams
// progress through onStatus. Run blocks until the agent exits.
type Runner interface {
	Name() string
	Run(ctx context.Context, prompt, workDir string, opts Options, onStatus func(StatusEvent)) (*Result, error)
}

// stream consumes raw stdout lines and accumulates the final output.
type stream interface {
	consume(line []byte)
	finalOutput() string
}

// OneShot runs a prompt with a minimal turn budget and no status streaming,
// returning the final output text. It backs the small classification calls
// (repo resolution, schedule parsing) that ride on the same agent CLI.
func OneShot(ctx context.Context, r Runner, workDir, prompt string) (string, error) {
	res, err := r.Run(ctx, prompt, workDir, Options{MaxTurns: 1}, nil)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("inference run failed: %s", res.Output)
	}
	return res.Output, nil
}

// resolveBinary prefers a PATH lookup so the spawned path is absolute,
// falling back to the configured location.
func resolveBinary(name, configured string) string {
	if abs, err := exec.LookPath(name); err == nil {
		return abs
	}
	if configured != "" {
		return configured
	}
	return name
}

// execStream spawns the tool, feeds its stdout through the stream parser
// line by line and enforces the wall-clock timeout. Cancellation of ctx
// kills the child.
func execStream(ctx context.Context, log *logger.Logger, bin string, args []string, workDir string, s stream) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, wallTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "CI=1")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	tool := filepath.Base(bin)
	log.Info("starting agent run",
		zap.String("tool", tool),
		zap.String("work_dir", workDir))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", tool, err)
	}

	scanner := bufio.NewScanner(stdout)
	// Agent CLIs emit large single-line JSON payloads (up to 10MB).
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.consume(line)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		log.Warn("agent stdout scan aborted", zap.String("tool", tool), zap.Error(scanErr))
	}

	waitErr := cmd.Wait()
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		log.Warn("agent run timed out", zap.String("tool", tool), zap.Duration("timeout", wallTimeout))
		return &Result{Success: false, Output: fmt.Sprintf("Task timed out after %d minutes", int(wallTimeout.Minutes()))}, nil
	case ctx.Err() == context.Canceled:
		return nil, ctx.Err()
	case waitErr != nil:
		output := tailOf(strings.TrimSpace(stderr.String()), 4000)
		if output == "" {
			output = fmt.Sprintf("%s failed: %v", tool, waitErr)
		}
		log.Warn("agent run failed", zap.String("tool", tool), zap.Error(waitErr))
		return &Result{Success: false, Output: output}, nil
	}

	return &Result{Success: true, Output: s.finalOutput()}, nil
}

// summarizeInput reduces a tool_use input object to a short human-readable
// label: a file path, command or pattern when present, truncated JSON
// otherwise.
func summarizeInput(input map[string]any) string {
	for _, key := range []string{"file_path", "command", "pattern"} {
		if v, ok := input[key].(string); ok && v != "" {
			return truncate(v, 120)
		}
	}
	if len(input) == 0 {
		return ""
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return truncate(string(raw), 120)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func tailOf(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[len(r)-max:])
}

func turnBudget(opts Options) int {
	if opts.MaxTurns > 0 {
		return opts.MaxTurns
	}
	return defaultMaxTurns
}
