package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/claude-army/internal/state"
)

// Pause stops a task's session but keeps its topic, directory and registry
// entry. A paused task is never resurrected until Resume.
func (m *Manager) Pause(ctx context.Context, name string) error {
	task, ok := m.reg.Task(name)
	if !ok {
		return fmt.Errorf("pause %q: %w", name, state.ErrTaskNotFound)
	}

	m.killSession(ctx, SessionName(name))
	m.markMarkerStatus(ctx, task.Path, state.StatusPaused)

	if err := m.reg.SetPane(name, ""); err != nil {
		return fmt.Errorf("pause %q: %w", name, err)
	}
	if err := m.reg.SetStatus(name, state.StatusPaused); err != nil {
		return fmt.Errorf("pause %q: %w", name, err)
	}
	m.publishTaskGauge()
	m.log.Info(ctx, "task paused", "task", name)
	return nil
}

// Resume restarts a paused or dead task: the session is recreated in the
// task's directory and the agent relaunched with --continue so it picks
// the previous conversation back up. A session that already exists (a
// concurrent resume won) is reused without relaunching.
func (m *Manager) Resume(ctx context.Context, name string) (state.Task, error) {
	task, ok := m.reg.Task(name)
	if !ok {
		return state.Task{}, fmt.Errorf("resume %q: %w", name, state.ErrTaskNotFound)
	}

	pane, fresh, err := m.createSession(ctx, SessionName(name), task.Path)
	if err != nil {
		return state.Task{}, fmt.Errorf("resume %q: %w", name, err)
	}
	if fresh {
		m.resumeAgent(ctx, pane, name)
	}

	m.markMarkerStatus(ctx, task.Path, state.StatusActive)
	if err := m.reg.SetPane(name, pane); err != nil {
		return state.Task{}, fmt.Errorf("resume %q: %w", name, err)
	}
	if err := m.reg.SetStatus(name, state.StatusActive); err != nil {
		return state.Task{}, fmt.Errorf("resume %q: %w", name, err)
	}
	m.publishTaskGauge()

	task.Pane = pane
	task.Status = state.StatusActive
	m.log.Info(ctx, "task resumed", "task", name, "pane", pane)
	return task, nil
}

// Cleanup tears a task down: session killed, topic closed, worktree
// removed or marker dropped, registry entry gone. deleteTopic wipes the
// topic and its history instead of closing it.
func (m *Manager) Cleanup(ctx context.Context, name string, deleteTopic bool) error {
	task, ok := m.reg.Task(name)
	if !ok {
		return fmt.Errorf("cleanup %q: %w", name, state.ErrTaskNotFound)
	}
	cfg := m.cfg.Snapshot()

	m.killSession(ctx, SessionName(name))

	if task.TopicID != 0 && cfg.Configured() {
		var err error
		if deleteTopic {
			err = m.chat.DeleteTopic(ctx, cfg.GroupID, task.TopicID)
		} else {
			err = m.chat.CloseTopic(ctx, cfg.GroupID, task.TopicID)
		}
		if err != nil {
			m.log.Warn(ctx, "topic cleanup failed", "task", name, "topic_id", task.TopicID, "error", err)
		}
	}

	switch task.Flavor {
	case state.FlavorWorktree:
		if task.Repo != "" && task.Path != "" {
			m.removeWorktree(ctx, task.Repo, task.Path)
		}
	default:
		if task.Path != "" {
			if err := state.RemoveMarker(task.Path); err != nil {
				m.log.Warn(ctx, "marker removal failed", "dir", task.Path, "error", err)
			}
		}
	}

	if err := m.reg.Remove(name); err != nil {
		return fmt.Errorf("cleanup %q: %w", name, err)
	}
	m.publishTaskGauge()
	m.log.Info(ctx, "task cleaned up", "task", name, "flavor", string(task.Flavor))
	return nil
}

// EnsureWorkerPane returns a live pane for a task, resurrecting the
// session when it died. Paused tasks are left alone and ErrTaskPaused is
// returned instead.
func (m *Manager) EnsureWorkerPane(ctx context.Context, name string) (string, error) {
	task, ok := m.reg.Task(name)
	if !ok {
		return "", fmt.Errorf("worker %q: %w", name, state.ErrTaskNotFound)
	}
	if task.Status == state.StatusPaused {
		return "", fmt.Errorf("worker %q: %w", name, ErrTaskPaused)
	}

	if task.Pane != "" && m.tmux.PaneExists(ctx, task.Pane) {
		return task.Pane, nil
	}

	session := SessionName(name)
	if m.tmux.SessionExists(ctx, session) {
		pane, err := m.tmux.FirstPane(ctx, session)
		if err != nil {
			return "", fmt.Errorf("worker %q: %w", name, err)
		}
		if pane != task.Pane {
			if err := m.reg.SetPane(name, pane); err != nil {
				m.log.Warn(ctx, "pane update failed", "task", name, "error", err)
			}
		}
		return pane, nil
	}

	m.log.Info(ctx, "worker session gone, resurrecting", "task", name)
	task, err := m.Resume(ctx, name)
	if err != nil {
		return "", err
	}
	return task.Pane, nil
}

func (m *Manager) killSession(ctx context.Context, session string) {
	if !m.tmux.SessionExists(ctx, session) {
		return
	}
	if err := m.tmux.KillSession(ctx, session); err != nil {
		m.log.Warn(ctx, "session kill failed", "session", session, "error", err)
	}
}

// markMarkerStatus rewrites the status of an existing marker. Directories
// without a marker are left alone.
func (m *Manager) markMarkerStatus(ctx context.Context, dir string, st state.Status) {
	mk, err := state.ReadMarker(dir)
	if err != nil {
		if !errors.Is(err, state.ErrNoMarker) {
			m.log.Warn(ctx, "marker read failed", "dir", dir, "error", err)
		}
		return
	}
	mk.Status = st
	if err := state.WriteMarker(dir, mk); err != nil {
		m.log.Warn(ctx, "marker update failed", "dir", dir, "error", err)
	}
}
