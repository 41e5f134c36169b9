package tasks

import (
	"context"
	"fmt"

	"github.com/haasonsaas/claude-army/internal/state"
)

// Recover walks the home directory for task markers and re-registers
// completed ones the registry lost. Pending markers (a crash mid
// topic-creation) are reported, never acted on: the topic may or may not
// exist, and minting another would duplicate it.
func (m *Manager) Recover(ctx context.Context) (recovered int, pending []string, err error) {
	found, err := state.ScanMarkers(m.home)
	if err != nil {
		return 0, nil, fmt.Errorf("scan markers: %w", err)
	}

	for _, f := range found {
		mk := f.Marker
		if mk.Pending() {
			pending = append(pending, fmt.Sprintf("%s (%s)", mk.PendingTopicName, f.Dir))
			m.log.Warn(ctx, "pending marker needs review",
				"dir", f.Dir,
				"topic_name", mk.PendingTopicName,
				"since", mk.PendingSince)
			continue
		}
		if !mk.Completed() || m.known(mk, f.Dir) {
			continue
		}

		pane := ""
		if p, ok := m.tmux.FindPaneByCwd(ctx, f.Dir); ok {
			pane = p.ID
		}
		if _, err := m.ImportMarker(ctx, f.Dir, mk, pane); err != nil {
			m.log.Warn(ctx, "marker import failed", "dir", f.Dir, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 || len(pending) > 0 {
		m.log.Info(ctx, "recovery scan done", "recovered", recovered, "pending", len(pending))
	}
	return recovered, pending, nil
}

// known reports whether the registry already tracks this marker, either by
// directory or by name bound to the same directory.
func (m *Manager) known(mk state.Marker, dir string) bool {
	if _, ok := m.reg.ByPath(dir); ok {
		return true
	}
	if mk.Name == "" {
		return false
	}
	t, ok := m.reg.Task(mk.Name)
	return ok && t.Path == dir
}
