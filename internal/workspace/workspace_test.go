package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// setupOrigin creates a git repository that can serve as a clone source.
func setupOrigin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	runGit(t, dir, "init", "--initial-branch=main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test User")
	writeFile(t, dir, "README.md", "# Test Repo")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Initial commit")

	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	fullArgs := append([]string{"-C", dir}, args...)
	cmd := exec.Command("git", fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\nOutput: %s", args, err, out)
	}
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", name, err)
	}
}

func TestCloneIfNeeded(t *testing.T) {
	origin := setupOrigin(t)
	m, err := NewManager(t.TempDir(), newTestLogger())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	ctx := context.Background()

	if err := m.CloneIfNeeded(ctx, "api", origin); err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.RepoPath("api"), ".git", "HEAD")); err != nil {
		t.Fatalf("expected cloned checkout: %v", err)
	}

	// Second call is a noop even with a bogus URL.
	if err := m.CloneIfNeeded(ctx, "api", "file:///nonexistent"); err != nil {
		t.Fatalf("expected existing clone to short-circuit, got %v", err)
	}
}

func TestPullIsNonFatal(t *testing.T) {
	origin := setupOrigin(t)
	m, err := NewManager(t.TempDir(), newTestLogger())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	ctx := context.Background()

	if err := m.CloneIfNeeded(ctx, "api", origin); err != nil {
		t.Fatalf("clone failed: %v", err)
	}

	// A branch that doesn't exist upstream must only warn.
	m.Pull(ctx, "api", "no-such-branch")
	m.Pull(ctx, "api", "main")
}

func TestWorktreeLifecycle(t *testing.T) {
	origin := setupOrigin(t)
	m, err := NewManager(t.TempDir(), newTestLogger())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	ctx := context.Background()

	if err := m.CloneIfNeeded(ctx, "api", origin); err != nil {
		t.Fatalf("clone failed: %v", err)
	}

	path, err := m.CreateWorktree(ctx, "api", "task-123", "main")
	if err != nil {
		t.Fatalf("create worktree failed: %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("expected absolute worktree path, got %q", path)
	}
	if _, err := os.Stat(filepath.Join(path, "README.md")); err != nil {
		t.Errorf("expected checked-out file in worktree: %v", err)
	}

	branch := runGit(t, path, "rev-parse", "--abbrev-ref", "HEAD")
	if got := branch[:len(branch)-1]; got != "agent/task-123" {
		t.Errorf("expected branch agent/task-123, got %q", got)
	}

	m.RemoveWorktree(ctx, "api", "task-123")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected worktree directory removed, stat err = %v", err)
	}

	// Removing again must not blow up.
	m.RemoveWorktree(ctx, "api", "task-123")
}

func TestEnsureProjectDir(t *testing.T) {
	m, err := NewManager(t.TempDir(), newTestLogger())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	path, err := m.EnsureProjectDir("new-service")
	if err != nil {
		t.Fatalf("ensure project dir failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, ".dispatchd-project")); err != nil {
		t.Errorf("expected marker file: %v", err)
	}

	// Idempotent.
	if _, err := m.EnsureProjectDir("new-service"); err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
}
