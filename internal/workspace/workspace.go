// Package workspace manages local clones and per-task git worktrees.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// worktreesDir is the subdirectory of the repos root holding task worktrees.
const worktreesDir = ".worktrees"

// Manager owns the repos root: one clone per repository plus one worktree per
// running task. Every successful CreateWorktree is paired with a
// RemoveWorktree in the worker's cleanup path.
type Manager struct {
	reposRoot string
	logger    *logger.Logger
	// repoMus serialises clone and pull per repository path so concurrent
	// tasks cannot race a half-finished clone.
	repoMus sync.Map
}

// NewManager expands and creates the repos root.
func NewManager(reposRoot string, log *logger.Logger) (*Manager, error) {
	expanded, err := expandPath(reposRoot)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repos root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repos root: %w", err)
	}
	return &Manager{
		reposRoot: abs,
		logger:    log.WithFields(zap.String("component", "workspace")),
	}, nil
}

// ReposRoot returns the absolute repos root directory.
func (m *Manager) ReposRoot() string {
	return m.reposRoot
}

// RepoPath returns the local clone path for a repository name.
func (m *Manager) RepoPath(name string) string {
	return filepath.Join(m.reposRoot, name)
}

// EnsureProjectDir creates `<reposRoot>/<name>` for create-project tasks and
// drops a marker file so git and shell tools treat it as a real directory.
func (m *Manager) EnsureProjectDir(name string) (string, error) {
	path := m.RepoPath(name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create project dir: %w", err)
	}
	marker := filepath.Join(path, ".dispatchd-project")
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		if err := os.WriteFile(marker, []byte("created by dispatchd\n"), 0o644); err != nil {
			return "", fmt.Errorf("failed to write project marker: %w", err)
		}
	}
	return path, nil
}

// CloneIfNeeded clones the repository unless a checkout already exists.
// Existing checkouts are detected by `.git/HEAD`, not just the directory, so
// a half-created dir does not mask a missing clone.
func (m *Manager) CloneIfNeeded(ctx context.Context, name, url string) error {
	path := m.RepoPath(name)
	mu := m.repoMu(path)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(filepath.Join(path, ".git", "HEAD")); err == nil {
		return nil
	}

	m.logger.Info("cloning repository", zap.String("repo", name), zap.String("url", url))
	cmd := exec.CommandContext(ctx, "git", "clone", url, path)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %s", strings.TrimSpace(string(output)))
	}
	return nil
}

// Pull fast-forwards the clone from origin. Failures are warned, not fatal:
// a stale base is still workable, an aborted task is not.
func (m *Manager) Pull(ctx context.Context, name, branch string) {
	path := m.RepoPath(name)
	mu := m.repoMu(path)
	mu.Lock()
	defer mu.Unlock()

	cmd := exec.CommandContext(ctx, "git", "-C", path, "pull", "origin", branch)
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("git pull failed (non-fatal)",
			zap.String("repo", name),
			zap.String("branch", branch),
			zap.String("output", strings.TrimSpace(string(output))))
	}
}

// CreateWorktree adds a fresh worktree on branch agent/<taskID> based on
// baseBranch and returns its absolute path.
func (m *Manager) CreateWorktree(ctx context.Context, name, taskID, baseBranch string) (string, error) {
	worktreePath := m.worktreePath(name, taskID)
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktrees dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add",
		"-b", "agent/"+taskID,
		worktreePath,
		baseBranch)
	cmd.Dir = m.RepoPath(name)

	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("repo", name),
			zap.String("output", string(output)),
			zap.Error(err))
		return "", fmt.Errorf("git worktree add failed: %s", strings.TrimSpace(string(output)))
	}
	return worktreePath, nil
}

// RemoveWorktree tears down a task's worktree. Errors are tolerated: a
// leftover directory is removed directly and stale git metadata pruned.
func (m *Manager) RemoveWorktree(ctx context.Context, name, taskID string) {
	worktreePath := m.worktreePath(name, taskID)
	repoPath := m.RepoPath(name)

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			m.logger.Warn("failed to remove worktree dir", zap.String("path", worktreePath), zap.Error(err))
		}

		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = repoPath
		if err := prune.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
}

func (m *Manager) worktreePath(name, taskID string) string {
	return filepath.Join(m.reposRoot, worktreesDir, name+"-"+taskID)
}

func (m *Manager) repoMu(path string) *sync.Mutex {
	mu, _ := m.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
