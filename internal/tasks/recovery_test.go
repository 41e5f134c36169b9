package tasks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/claude-army/internal/state"
)

func writeRecoveryMarker(t *testing.T, home, project string, mk state.Marker) string {
	t.Helper()
	dir := filepath.Join(home, project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := state.WriteMarker(dir, mk); err != nil {
		t.Fatalf("WriteMarker() error = %v", err)
	}
	return dir
}

func TestRecover(t *testing.T) {
	m, fx := newTestManager(t)

	lost := writeRecoveryMarker(t, fx.home, "proj-lost", state.Marker{
		Name: "lost-task", Flavor: state.FlavorSession, TopicID: 11, Status: state.StatusActive,
	})
	fx.tmux.cwdPanes[lost] = "user:1.0"

	pendingDir := writeRecoveryMarker(t, fx.home, "proj-pending", state.Marker{
		PendingTopicName: "ghost", PendingSince: time.Now().UTC(),
	})

	known := writeRecoveryMarker(t, fx.home, "proj-known", state.Marker{
		Name: "known", Flavor: state.FlavorSession, TopicID: 12, Status: state.StatusActive,
	})
	if err := fx.reg.Put(state.Task{Name: "known", Flavor: state.FlavorSession, Path: known, TopicID: 12, Status: state.StatusActive}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	recovered, pending, err := m.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	if recovered != 1 {
		t.Errorf("recovered = %d, want 1", recovered)
	}
	if len(pending) != 1 || !strings.Contains(pending[0], "ghost") || !strings.Contains(pending[0], pendingDir) {
		t.Errorf("pending = %v, want ghost with its directory", pending)
	}

	got, ok := fx.reg.Task("lost-task")
	if !ok {
		t.Fatal("lost task not reinserted")
	}
	if got.Pane != "user:1.0" || got.TopicID != 11 {
		t.Errorf("recovered task = %+v", got)
	}
	if len(fx.chat.created) != 0 {
		t.Errorf("created topics = %v, recovery must never create topics", fx.chat.created)
	}
	if len(fx.reg.Tasks()) != 2 {
		t.Errorf("registry has %d tasks, want 2", len(fx.reg.Tasks()))
	}
}

func TestRecoverIdempotent(t *testing.T) {
	m, fx := newTestManager(t)
	writeRecoveryMarker(t, fx.home, "proj", state.Marker{
		Name: "alpha", Flavor: state.FlavorSession, TopicID: 11, Status: state.StatusActive,
	})

	if n, _, err := m.Recover(context.Background()); err != nil || n != 1 {
		t.Fatalf("first Recover() = %d, %v, want 1 recovered", n, err)
	}
	if n, _, err := m.Recover(context.Background()); err != nil || n != 0 {
		t.Errorf("second Recover() = %d, %v, want 0 recovered", n, err)
	}
	if len(fx.reg.Tasks()) != 1 {
		t.Errorf("registry has %d tasks, want 1", len(fx.reg.Tasks()))
	}
}

func TestRecoverKeepsPausedStatus(t *testing.T) {
	m, fx := newTestManager(t)
	writeRecoveryMarker(t, fx.home, "proj", state.Marker{
		Name: "napper", Flavor: state.FlavorSession, TopicID: 13, Status: state.StatusPaused,
	})

	if _, _, err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	got, ok := fx.reg.Task("napper")
	if !ok {
		t.Fatal("task not recovered")
	}
	if got.Status != state.StatusPaused {
		t.Errorf("status = %q, want paused preserved", got.Status)
	}
}
