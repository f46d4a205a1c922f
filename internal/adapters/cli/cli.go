// Package cli implements the terminal chat adapter: a line-oriented REPL on
// stdin/stdout so the dispatcher can be driven without any chat platform.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/adapters"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

const prompt = "> "

// Adapter serves exactly one user: the terminal owner. Messages are handled
// synchronously so the answer prints before the next prompt.
type Adapter struct {
	userID string
	in     io.Reader
	out    io.Writer
	logger *logger.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New builds the terminal adapter speaking as the invoking OS user.
func New(log *logger.Logger) *Adapter {
	name := "local"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return &Adapter{
		userID: "cli:" + name,
		in:     os.Stdin,
		out:    os.Stdout,
		logger: log.WithFields(zap.String("component", "cli-chat")),
	}
}

func (a *Adapter) Name() string     { return "cli-chat" }
func (a *Adapter) Platform() string { return "cli" }

// UserID returns the platform-prefixed identity this terminal speaks as.
func (a *Adapter) UserID() string { return a.userID }

// Start launches the read loop and returns.
func (a *Adapter) Start(ctx context.Context, onMessage func(context.Context, *adapters.IncomingMessage)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("cli adapter already started")
	}
	a.running = true
	a.done = make(chan struct{})
	go a.readLoop(ctx, onMessage)
	return nil
}

// Stop marks the adapter stopped. A read blocked on stdin only ends with the
// process; the loop checks the flag again after that read returns.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	return nil
}

// SendToUser prints an unprompted message, such as a finished task's result,
// above a fresh prompt. Sends addressed to anyone but the terminal owner
// error so the reply pipeline can try other adapters.
func (a *Adapter) SendToUser(ctx context.Context, userID, text string) error {
	if userID != a.userID {
		return fmt.Errorf("no terminal session for %s", userID)
	}
	a.printf("\n%s\n%s", text, prompt)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context, onMessage func(context.Context, *adapters.IncomingMessage)) {
	defer close(a.done)

	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	a.printf(prompt)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !a.isRunning() {
			return
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			a.printf(prompt)
			continue
		}
		if text == "exit" || text == "quit" {
			a.printf("Bye.\n")
			return
		}

		msg := &adapters.IncomingMessage{
			UserID:   a.userID,
			Platform: "cli",
			Text:     text,
			Reply: func(ctx context.Context, reply string) error {
				a.printf("%s\n", reply)
				return nil
			},
			UpdateStatus: func(ctx context.Context, status string) error {
				a.printf("[%s]\n", status)
				return nil
			},
		}
		onMessage(ctx, msg)
		a.printf(prompt)
	}
	if err := scanner.Err(); err != nil {
		a.logger.Warn("stdin read failed", zap.Error(err))
	}
}

func (a *Adapter) isRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// printf serializes writes so async sends do not interleave with the loop.
func (a *Adapter) printf(format string, args ...any) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}
