package tasks

import (
	"context"
	"fmt"
	"os"

	"github.com/haasonsaas/claude-army/internal/state"
)

// OperatorSession is the tmux session hosting the operator agent.
const OperatorSession = SessionPrefix + "op"

// operatorBootstrap resumes the operator's previous conversation, falling
// back to a fresh one on first run.
const operatorBootstrap = "claude --continue || claude"

// StartOperator makes sure the operator session is running in its working
// directory and records its pane in config. Idempotent.
func (m *Manager) StartOperator(ctx context.Context) (string, error) {
	dir := state.OperatorDir(m.home)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("operator dir: %w", err)
	}

	if m.tmux.SessionExists(ctx, OperatorSession) {
		pane, err := m.tmux.FirstPane(ctx, OperatorSession)
		if err != nil {
			return "", fmt.Errorf("operator pane: %w", err)
		}
		m.recordOperatorPane(ctx, pane)
		return pane, nil
	}

	pane, fresh, err := m.createSession(ctx, OperatorSession, dir)
	if err != nil {
		return "", fmt.Errorf("start operator: %w", err)
	}
	if fresh {
		m.runShell(ctx, pane, operatorBootstrap)
	}
	m.recordOperatorPane(ctx, pane)
	m.log.Info(ctx, "operator session started", "pane", pane)
	return pane, nil
}

// StopOperator kills the operator session and clears its pane from config.
func (m *Manager) StopOperator(ctx context.Context) error {
	if !m.tmux.SessionExists(ctx, OperatorSession) {
		return nil
	}
	if err := m.tmux.KillSession(ctx, OperatorSession); err != nil {
		return fmt.Errorf("stop operator: %w", err)
	}
	if err := m.cfg.SetOperatorPane(""); err != nil {
		m.log.Warn(ctx, "operator pane clear failed", "error", err)
	}
	m.log.Info(ctx, "operator session stopped")
	return nil
}

// OperatorPane returns a live operator pane, starting the session when it
// is missing and re-recording the pane when it drifted.
func (m *Manager) OperatorPane(ctx context.Context) (string, error) {
	if !m.cfg.Snapshot().Configured() {
		return "", ErrNotConfigured
	}

	if m.tmux.SessionExists(ctx, OperatorSession) {
		pane, err := m.tmux.FirstPane(ctx, OperatorSession)
		if err != nil {
			return "", fmt.Errorf("operator pane: %w", err)
		}
		m.recordOperatorPane(ctx, pane)
		return pane, nil
	}

	m.log.Info(ctx, "operator session missing, resurrecting")
	return m.StartOperator(ctx)
}

// recordOperatorPane persists the pane only when it changed; the lookup
// runs on every operator send.
func (m *Manager) recordOperatorPane(ctx context.Context, pane string) {
	if m.cfg.Snapshot().OperatorPane == pane {
		return
	}
	if err := m.cfg.SetOperatorPane(pane); err != nil {
		m.log.Warn(ctx, "operator pane record failed", "error", err)
	}
}
