package state

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/claude-army/internal/observability"
)

func testMessageState(t *testing.T) *MessageState {
	t.Helper()
	return NewMessageState(filepath.Join(t.TempDir(), "state.json"))
}

func TestMessageStatePutGet(t *testing.T) {
	s := testMessageState(t)

	e := Entry{
		Kind:           KindPermission,
		Pane:           "ca-x:0.0",
		Cwd:            "/work/x",
		TranscriptPath: "/home/u/.claude/projects/-work-x/abc.jsonl",
		NotifiedAt:     time.Now().UTC(),
		ToolUseID:      "toolu_01",
		ToolName:       "Bash",
	}
	if err := s.Put(500, e); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok := s.Get(500)
	if !ok {
		t.Fatal("Get(500) missing")
	}
	if got.Kind != KindPermission || got.ToolUseID != "toolu_01" || got.Pane != "ca-x:0.0" {
		t.Errorf("Get(500) = %+v", got)
	}
	if _, ok := s.Get(501); ok {
		t.Error("Get(501) ok = true, want false")
	}
}

func TestMessageStateFlushesEveryMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewMessageState(path)

	if err := s.Put(1, Entry{Kind: KindIdle, Pane: "p", ClaudeMsgID: "msg_a", NotifiedAt: time.Now()}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.MarkHandled(1); err != nil {
		t.Fatalf("MarkHandled() error = %v", err)
	}

	// A fresh store (as after a daemon restart) sees the handled flag.
	got, ok := NewMessageState(path).Get(1)
	if !ok || !got.Handled {
		t.Errorf("entry after restart = %+v, %v; want handled", got, ok)
	}
}

func TestMessageStateMarkSuperseded(t *testing.T) {
	s := testMessageState(t)
	if err := s.Put(2, Entry{Kind: KindIdle, Pane: "p", ClaudeMsgID: "msg_b", NotifiedAt: time.Now()}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := s.MarkSuperseded(2); err != nil {
		t.Fatalf("MarkSuperseded() error = %v", err)
	}
	got, _ := s.Get(2)
	if !got.Superseded || got.Handled {
		t.Errorf("entry = %+v, want superseded and not handled", got)
	}

	// Unknown ids are ignored.
	if err := s.MarkSuperseded(999); err != nil {
		t.Errorf("MarkSuperseded(999) error = %v, want nil", err)
	}
}

func TestMessageStateRemove(t *testing.T) {
	s := testMessageState(t)
	if err := s.Put(3, Entry{Kind: KindIdle, Pane: "p", NotifiedAt: time.Now()}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := s.Remove(3); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok := s.Get(3); ok {
		t.Error("Get(3) ok = true after Remove")
	}
	if err := s.Remove(3); err != nil {
		t.Errorf("Remove() second call error = %v", err)
	}
}

func TestMessageStateMaxUnhandledID(t *testing.T) {
	s := testMessageState(t)
	now := time.Now()
	put := func(id int, pane string, handled bool) {
		t.Helper()
		if err := s.Put(id, Entry{Kind: KindIdle, Pane: pane, Handled: handled, NotifiedAt: now}); err != nil {
			t.Fatalf("Put(%d) error = %v", id, err)
		}
	}
	put(10, "a", false)
	put(20, "a", false)
	put(30, "a", true) // handled entries don't count
	put(40, "b", false)

	if got := s.MaxUnhandledID("a"); got != 20 {
		t.Errorf("MaxUnhandledID(a) = %d, want 20", got)
	}
	if got := s.MaxUnhandledID("b"); got != 40 {
		t.Errorf("MaxUnhandledID(b) = %d, want 40", got)
	}
	if got := s.MaxUnhandledID("c"); got != 0 {
		t.Errorf("MaxUnhandledID(c) = %d, want 0", got)
	}
}

func TestMessageStateSweepDead(t *testing.T) {
	s := testMessageState(t)
	now := time.Now()
	if err := s.Put(1, Entry{Kind: KindIdle, Pane: "alive:0.0", NotifiedAt: now}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(2, Entry{Kind: KindPermission, Pane: "dead:0.0", NotifiedAt: now}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	removed, err := s.SweepDead(func(pane string) bool { return pane == "alive:0.0" })
	if err != nil {
		t.Fatalf("SweepDead() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("SweepDead() removed = %d, want 1", removed)
	}
	if _, ok := s.Get(2); ok {
		t.Error("dead-pane entry survived sweep")
	}
	if _, ok := s.Get(1); !ok {
		t.Error("live-pane entry removed by sweep")
	}
}

func TestMessageStateCorruptFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	s := NewMessageState(path)
	if n := len(s.Entries()); n != 0 {
		t.Errorf("Entries() len = %d for corrupt file, want 0", n)
	}
	if err := s.Put(1, Entry{Kind: KindIdle, Pane: "p", NotifiedAt: time.Now()}); err != nil {
		t.Fatalf("Put() after corruption error = %v", err)
	}
}

func TestWatchStoresPushesExternalEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"group_id": -1}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	reloads := make(chan string, 8)
	store := &recordingStore{path: path, reloads: reloads}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	if err := WatchStores(ctx, log, store); err != nil {
		t.Fatalf("WatchStores() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"group_id": -2}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case got := <-reloads:
		if got != path {
			t.Errorf("reloaded path = %q, want %q", got, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not trigger a reload within 2s")
	}
}

type recordingStore struct {
	path    string
	reloads chan string
}

func (r *recordingStore) Path() string { return r.path }

func (r *recordingStore) Reload() error {
	r.reloads <- r.path
	return nil
}
