package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m := Marker{
		Name:      "fix-auth",
		Flavor:    FlavorWorktree,
		TopicID:   42,
		Status:    StatusActive,
		Repo:      "/repo",
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := WriteMarker(dir, m); err != nil {
		t.Fatalf("WriteMarker() error = %v", err)
	}

	got, err := ReadMarker(dir)
	if err != nil {
		t.Fatalf("ReadMarker() error = %v", err)
	}
	if got.Name != "fix-auth" || got.TopicID != 42 || got.Repo != "/repo" {
		t.Errorf("ReadMarker() = %+v", got)
	}
	if !got.Completed() || got.Pending() {
		t.Errorf("marker phase: Completed()=%v Pending()=%v, want true/false", got.Completed(), got.Pending())
	}
}

func TestMarkerPendingPhase(t *testing.T) {
	dir := t.TempDir()

	pending := Marker{PendingTopicName: "fix-auth", PendingSince: time.Now().UTC()}
	if err := WriteMarker(dir, pending); err != nil {
		t.Fatalf("WriteMarker() error = %v", err)
	}

	got, err := ReadMarker(dir)
	if err != nil {
		t.Fatalf("ReadMarker() error = %v", err)
	}
	if !got.Pending() || got.Completed() {
		t.Errorf("marker phase: Pending()=%v Completed()=%v, want true/false", got.Pending(), got.Completed())
	}

	// Completing the protocol replaces the pending form.
	if err := WriteMarker(dir, Marker{Name: "fix-auth", Flavor: FlavorSession, TopicID: 7}); err != nil {
		t.Fatalf("WriteMarker() completed error = %v", err)
	}
	got, _ = ReadMarker(dir)
	if got.Pending() || !got.Completed() {
		t.Errorf("marker after completion: Pending()=%v Completed()=%v", got.Pending(), got.Completed())
	}
}

func TestReadMarkerMissing(t *testing.T) {
	if _, err := ReadMarker(t.TempDir()); !errors.Is(err, ErrNoMarker) {
		t.Errorf("ReadMarker() error = %v, want ErrNoMarker", err)
	}
}

func TestRemoveMarker(t *testing.T) {
	dir := t.TempDir()
	if err := WriteMarker(dir, Marker{Name: "x", TopicID: 1}); err != nil {
		t.Fatalf("WriteMarker() error = %v", err)
	}

	if err := RemoveMarker(dir); err != nil {
		t.Fatalf("RemoveMarker() error = %v", err)
	}
	if _, err := ReadMarker(dir); !errors.Is(err, ErrNoMarker) {
		t.Errorf("ReadMarker() after remove error = %v, want ErrNoMarker", err)
	}
	// Removing again is fine.
	if err := RemoveMarker(dir); err != nil {
		t.Errorf("RemoveMarker() second call error = %v", err)
	}
}

func TestScanMarkers(t *testing.T) {
	root := t.TempDir()

	taskA := filepath.Join(root, "projects", "a")
	taskB := filepath.Join(root, "deep", "nested", "b")
	for _, dir := range []string{taskA, taskB} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
	}
	if err := WriteMarker(taskA, Marker{Name: "a", Flavor: FlavorSession, TopicID: 1}); err != nil {
		t.Fatalf("WriteMarker(a) error = %v", err)
	}
	if err := WriteMarker(taskB, Marker{PendingTopicName: "b", PendingSince: time.Now()}); err != nil {
		t.Fatalf("WriteMarker(b) error = %v", err)
	}

	// A marker under .git must not be found.
	gitDir := filepath.Join(root, "repo", ".git", "sneaky")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := WriteMarker(gitDir, Marker{Name: "hidden", TopicID: 9}); err != nil {
		t.Fatalf("WriteMarker(hidden) error = %v", err)
	}

	// Corrupt markers are skipped.
	corrupt := filepath.Join(root, "corrupt")
	if err := os.MkdirAll(filepath.Join(corrupt, ".claude"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(MarkerPath(corrupt), []byte("{oops"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	found, err := ScanMarkers(root)
	if err != nil {
		t.Fatalf("ScanMarkers() error = %v", err)
	}

	byDir := map[string]Marker{}
	for _, f := range found {
		byDir[f.Dir] = f.Marker
	}
	if len(byDir) != 2 {
		t.Fatalf("ScanMarkers() found %d markers (%v), want 2", len(byDir), byDir)
	}
	if m := byDir[taskA]; !m.Completed() || m.Name != "a" {
		t.Errorf("marker at %s = %+v", taskA, m)
	}
	if m := byDir[taskB]; !m.Pending() {
		t.Errorf("marker at %s = %+v, want pending", taskB, m)
	}
}

func TestMarkerPath(t *testing.T) {
	if got := MarkerPath("/work/x"); got != "/work/x/.claude/army.json" {
		t.Errorf("MarkerPath() = %q", got)
	}
}
