package tasks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// SetupHookName is the optional per-repo script run right after a worktree
// is created (installing deps, copying env files, and so on).
const SetupHookName = ".claude-army-setup.sh"

// setupHookTimeout bounds the hook; a wedged script must not block spawns.
const setupHookTimeout = 60 * time.Second

// WorktreePath is where a task's worktree lives inside its repo.
func WorktreePath(repo, name string) string {
	return filepath.Join(repo, "trees", name)
}

// createWorktree makes <repo>/trees/<name> on a new branch named after the
// task, attaching to the branch when it already exists. A directory left
// by an earlier spawn attempt is adopted as-is.
func (m *Manager) createWorktree(ctx context.Context, repo, name string) (string, error) {
	path := WorktreePath(repo, name)
	if _, err := os.Stat(path); err == nil {
		m.log.Info(ctx, "worktree already exists, reusing", "path", path)
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create trees dir: %w", err)
	}

	if _, err := m.runGit(ctx, "-C", repo, "worktree", "add", "-b", name, path, "HEAD"); err != nil {
		// The branch may survive a cleaned-up task; attach instead.
		if _, err2 := m.runGit(ctx, "-C", repo, "worktree", "add", path, name); err2 != nil {
			return "", fmt.Errorf("create worktree %s: %w", path, err2)
		}
	}
	m.log.Info(ctx, "worktree created", "repo", repo, "path", path)
	return path, nil
}

// removeWorktree force-deletes a task worktree. A missing directory is
// already removed; git failures are logged, not fatal, so cleanup can
// finish deregistering.
func (m *Manager) removeWorktree(ctx context.Context, repo, path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	if _, err := m.runGit(ctx, "-C", repo, "worktree", "remove", "--force", path); err != nil {
		m.log.Warn(ctx, "worktree removal failed", "repo", repo, "path", path, "error", err)
		return
	}
	m.log.Info(ctx, "worktree removed", "repo", repo, "path", path)
}

// setupHook runs the repo's setup script inside the fresh worktree. Hook
// failure is logged and the spawn continues; a worker without its env file
// is still better than no worker.
func (m *Manager) setupHook(ctx context.Context, repo, name, worktree string) {
	script := filepath.Join(repo, SetupHookName)
	if _, err := os.Stat(script); err != nil {
		return
	}
	env := []string{
		"TASK_NAME=" + name,
		"REPO_PATH=" + repo,
		"WORKTREE_PATH=" + worktree,
	}
	m.log.Info(ctx, "running setup hook", "script", script, "task", name)
	if err := m.runHook(ctx, worktree, script, env); err != nil {
		m.log.Warn(ctx, "setup hook failed", "script", script, "error", err)
		return
	}
	m.log.Info(ctx, "setup hook completed", "task", name)
}

// runGit is the production git runner; tests swap it on the Manager.
func runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// runSetupHook is the production hook runner; tests swap it on the Manager.
func runSetupHook(ctx context.Context, dir, script string, env []string) error {
	ctx, cancel := context.WithTimeout(ctx, setupHookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", script)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(script), err, strings.TrimSpace(string(out)))
	}
	return nil
}
