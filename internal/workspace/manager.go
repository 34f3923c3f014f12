// Package workspace manages the filesystem working directories owned
// by jobs and crews: plain folders under the state directory and git
// worktrees carved out of project repositories.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
)

const gitTimeout = 30 * time.Second

var (
	// ErrRepoNotGit is returned when a worktree request names a
	// directory that is not a git repository.
	ErrRepoNotGit = errors.New("workspace: repository is not a git repo")
)

// repoLockEntry tracks a repository lock and its reference count.
type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Spec describes the workspace to create.
type Spec struct {
	WorkspaceID string
	Owner       event.Owner
	Type        runbook.WorkspaceType
	Repo        string
	Branch      string
	StartPoint  string
}

// Manager creates and deletes workspaces. Worktree operations on the
// same repository are serialized through per-repo locks.
type Manager struct {
	baseDir    string
	logger     *logger.Logger
	repoLocks  map[string]*repoLockEntry
	repoLockMu sync.Mutex
}

// NewManager creates a manager rooted at baseDir; folder and worktree
// workspaces both live under it.
func NewManager(baseDir string, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create base directory: %w", err)
	}
	return &Manager{
		baseDir:   baseDir,
		logger:    log.WithComponent("workspace-manager"),
		repoLocks: make(map[string]*repoLockEntry),
	}, nil
}

// getRepoLock returns a mutex for the repository path and increments
// its reference count.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if entry, exists := m.repoLocks[repoPath]; exists {
		entry.refCount++
		return entry.mu
	}
	entry := &repoLockEntry{mu: &sync.Mutex{}, refCount: 1}
	m.repoLocks[repoPath] = entry
	return entry.mu
}

// releaseRepoLock decrements the reference count and drops the lock at
// zero so the map does not grow unbounded.
func (m *Manager) releaseRepoLock(repoPath string) {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	entry, exists := m.repoLocks[repoPath]
	if !exists {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(m.repoLocks, repoPath)
	}
}

// Path resolves where a workspace will live.
func (m *Manager) Path(spec Spec) string {
	return filepath.Join(m.baseDir, spec.WorkspaceID)
}

// Create materializes the workspace directory.
func (m *Manager) Create(ctx context.Context, spec Spec) (string, error) {
	path := m.Path(spec)
	switch spec.Type {
	case runbook.WorkspaceWorktree:
		if err := m.createWorktree(ctx, spec, path); err != nil {
			return "", err
		}
	default:
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("workspace: create folder: %w", err)
		}
	}
	m.logger.Info("workspace created",
		zap.String("workspace_id", spec.WorkspaceID),
		zap.String("type", string(spec.Type)),
		zap.String("path", path))
	return path, nil
}

func (m *Manager) createWorktree(ctx context.Context, spec Spec, path string) error {
	if !m.isGitRepo(spec.Repo) {
		return fmt.Errorf("%w: %s", ErrRepoNotGit, spec.Repo)
	}

	repoLock := m.getRepoLock(spec.Repo)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(spec.Repo)
	}()

	branch := spec.Branch
	if branch == "" {
		branch = "oddjobs/" + event.ShortID(spec.WorkspaceID)
	}
	args := []string{"worktree", "add", "-b", branch, path}
	if spec.StartPoint != "" {
		args = append(args, spec.StartPoint)
	}
	if out, err := m.git(ctx, spec.Repo, args...); err != nil {
		return fmt.Errorf("workspace: git worktree add: %s: %w", strings.TrimSpace(out), err)
	}
	return nil
}

// Delete removes the workspace from disk. Best-effort: the caller
// removes the record regardless, so errors here only warn.
func (m *Manager) Delete(ctx context.Context, wsType, path, repo, branch string) error {
	if wsType == string(runbook.WorkspaceWorktree) && repo != "" {
		if out, err := m.git(ctx, repo, "worktree", "remove", "--force", path); err != nil {
			m.logger.Warn("git worktree remove failed",
				zap.String("path", path),
				zap.String("output", strings.TrimSpace(out)),
				zap.Error(err))
			// Fall through to a plain directory removal.
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return rmErr
			}
		}
		if branch != "" {
			if out, err := m.git(ctx, repo, "branch", "-D", branch); err != nil {
				m.logger.Warn("git branch delete failed",
					zap.String("branch", branch),
					zap.String("output", strings.TrimSpace(out)),
					zap.Error(err))
			}
		}
		return nil
	}
	return os.RemoveAll(path)
}

func (m *Manager) isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func (m *Manager) git(ctx context.Context, repo string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repo}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
