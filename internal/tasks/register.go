package tasks

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/haasonsaas/claude-army/internal/state"
)

// AutoRegister adopts a pane the daemon discovered but nobody spawned: the
// directory leaf becomes the task name, the topic protocol runs in the
// pane's working directory and the pane is recorded as the worker. A
// topic-rights refusal propagates unchanged so the router can fall back to
// the general topic.
func (m *Manager) AutoRegister(ctx context.Context, pane, cwd string) (state.Task, error) {
	cfg := m.cfg.Snapshot()
	if !cfg.Configured() {
		return state.Task{}, ErrNotConfigured
	}

	name := m.uniqueName(filepath.Base(cwd))
	topicID, err := m.createTopic(ctx, cfg.GroupID, cwd, state.Marker{
		Name:   name,
		Flavor: state.FlavorSession,
		Status: state.StatusActive,
	})
	if err != nil {
		return state.Task{}, err
	}

	task := state.Task{
		Name:    name,
		Flavor:  state.FlavorSession,
		Path:    cwd,
		TopicID: topicID,
		Pane:    pane,
		Status:  state.StatusActive,
	}
	if err := m.register(task); err != nil {
		return state.Task{}, err
	}
	m.log.Info(ctx, "pane auto-registered",
		"task", name,
		"pane", pane,
		"dir", cwd,
		"topic_id", topicID)
	return task, nil
}

// ImportMarker re-registers the task a completed on-disk marker describes,
// typically after the registry was lost while markers survived.
func (m *Manager) ImportMarker(ctx context.Context, dir string, mk state.Marker, pane string) (state.Task, error) {
	if !mk.Completed() {
		return state.Task{}, fmt.Errorf("marker in %s has no topic", dir)
	}

	name := mk.Name
	if name == "" {
		name = filepath.Base(dir)
	}
	name = m.uniqueName(name)

	flavor := mk.Flavor
	if flavor == "" {
		flavor = state.FlavorSession
	}
	status := mk.Status
	if status == "" {
		status = state.StatusActive
	}

	task := state.Task{
		Name:    name,
		Flavor:  flavor,
		Path:    dir,
		TopicID: mk.TopicID,
		Pane:    pane,
		Repo:    mk.Repo,
		Status:  status,
	}
	if err := m.register(task); err != nil {
		return state.Task{}, err
	}
	m.log.Info(ctx, "marker imported", "task", name, "dir", dir, "topic_id", mk.TopicID)
	return task, nil
}

// uniqueName suffixes -1, -2, ... until the name is free in the registry.
func (m *Manager) uniqueName(base string) string {
	if _, ok := m.reg.Task(base); !ok {
		return base
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s-%d", base, i)
		if _, ok := m.reg.Task(name); !ok {
			return name
		}
	}
}
