package transcript

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/claude-army/internal/observability"
	"github.com/haasonsaas/claude-army/internal/tmux"
)

// PaneLister is the slice of the tmux driver discovery needs.
type PaneLister interface {
	ListPanes(ctx context.Context) ([]tmux.Pane, error)
}

// Manager owns one Watcher per transcript and maps live panes onto them.
// Like the watchers it is main-loop-only; nothing here locks.
type Manager struct {
	panes    PaneLister
	userHome string
	log      *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	watchers map[string]*Watcher // keyed by transcript path
	byPane   map[string]string   // pane id -> transcript path
}

// NewManager returns an empty manager; Discover and AttachFromState
// populate it.
func NewManager(panes PaneLister, userHome string, log *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		panes:    panes,
		userHome: userHome,
		log:      log,
		metrics:  metrics,
		now:      time.Now,
		watchers: map[string]*Watcher{},
		byPane:   map[string]string{},
	}
}

// Discover scans every tmux pane for an agent project directory and
// attaches a watcher to the newest transcript found there. Existing
// watchers follow their pane if tmux re-numbered it; watchers whose pane
// vanished are dropped.
func (m *Manager) Discover(ctx context.Context) {
	panes, err := m.panes.ListPanes(ctx)
	if err != nil {
		m.log.Warn(ctx, "pane discovery failed", "error", err)
		return
	}

	alive := make(map[string]bool, len(panes))
	for _, p := range panes {
		alive[p.ID] = true
		if !strings.HasPrefix(p.Cwd, "/") {
			continue
		}
		path, ok := newestTranscript(m.userHome, p.Cwd)
		if !ok {
			continue
		}
		if w, exists := m.watchers[path]; exists {
			if w.pane != p.ID {
				delete(m.byPane, w.pane)
				w.pane = p.ID
				m.byPane[p.ID] = path
				m.log.Info(ctx, "watcher moved to new pane", "pane", p.ID, "transcript", path)
			}
			continue
		}
		w := newWatcher(path, p.ID, p.Cwd, m.log, m.metrics)
		m.watchers[path] = w
		m.byPane[p.ID] = path
		m.log.Info(ctx, "watcher attached", "pane", p.ID, "cwd", p.Cwd, "transcript", path)
	}

	for pane, path := range m.byPane {
		if alive[pane] {
			continue
		}
		delete(m.byPane, pane)
		if w, ok := m.watchers[path]; ok && w.pane == pane {
			delete(m.watchers, path)
			m.log.Info(ctx, "watcher removed, pane gone", "pane", pane, "transcript", path)
		}
	}

	m.metrics.SetWatchers(len(m.watchers))
}

// AttachFromState restores a watcher for a persisted notification entry so
// its result can still be detected after a restart. The whole file is
// scanned once for tool results, then the watcher sits at end-of-file.
func (m *Manager) AttachFromState(ctx context.Context, pane, cwd, path string) {
	if path == "" || pane == "" {
		return
	}
	if _, exists := m.watchers[path]; exists {
		m.byPane[pane] = path
		return
	}
	if _, err := os.Stat(path); err != nil {
		m.log.Warn(ctx, "persisted transcript missing, not attaching", "transcript", path)
		return
	}
	w := newWatcher(path, pane, cwd, m.log, m.metrics)
	w.seedResults()
	m.watchers[path] = w
	m.byPane[pane] = path
	m.metrics.SetWatchers(len(m.watchers))
	m.log.Info(ctx, "watcher restored from persisted state",
		"pane", pane, "transcript", path, "known_results", len(w.results))
}

// Check runs every watcher once and merges their events.
func (m *Manager) Check() Result {
	now := m.now()
	var res Result
	for _, w := range m.watchers {
		res.merge(w.Check(now))
	}
	return res
}

// ResultSeen reports whether the watcher for a transcript has seen a result
// for the given tool id. Unwatched transcripts report false. This is the
// cheap check the tick sweep runs; human-rate paths use ResultOnDisk.
func (m *Manager) ResultSeen(path, toolID string) bool {
	w, ok := m.watchers[path]
	return ok && w.ResultSeen(toolID)
}

// ResultOnDisk answers like ResultSeen but falls back to a one-shot file
// scan when the watcher's memory misses, so results written before the
// watcher attached still count. Button presses and replies use this; the
// tick sweep must not (it would rescan the file every 100ms).
func (m *Manager) ResultOnDisk(path, toolID string) bool {
	if m.ResultSeen(path, toolID) {
		return true
	}
	if path == "" || toolID == "" {
		return false
	}
	return HasResult(path, toolID)
}

// PendingHead returns the transcript's oldest tool call still lacking a
// result: the dialog the TUI is showing right now, if any.
func (m *Manager) PendingHead(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	return FirstPendingTool(path)
}

// ToolUseMsgSeen reports whether an assistant message id in the given
// transcript ever carried a tool call.
func (m *Manager) ToolUseMsgSeen(path, msgID string) bool {
	w, ok := m.watchers[path]
	return ok && w.ToolUseMsgSeen(msgID)
}

// TranscriptForPane returns the transcript currently bound to a pane.
func (m *Manager) TranscriptForPane(pane string) (string, bool) {
	path, ok := m.byPane[pane]
	return path, ok
}

// Count returns the number of live watchers.
func (m *Manager) Count() int {
	return len(m.watchers)
}

// newestTranscript picks the most recently modified *.jsonl in the agent's
// project dir for cwd.
func newestTranscript(userHome, cwd string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(ProjectDir(userHome, cwd), "*.jsonl"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	var newest string
	var newestMod time.Time
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		if newest == "" || fi.ModTime().After(newestMod) {
			newest = path
			newestMod = fi.ModTime()
		}
	}
	return newest, newest != ""
}
