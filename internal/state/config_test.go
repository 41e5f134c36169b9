package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := NewConfigStore(path)

	if s.Snapshot().Configured() {
		t.Error("Configured() = true for empty store, want false")
	}

	if err := s.SetGroup(-1001234, 1); err != nil {
		t.Fatalf("SetGroup() error = %v", err)
	}
	if err := s.SetOperatorPane("ca-op:0.0"); err != nil {
		t.Fatalf("SetOperatorPane() error = %v", err)
	}

	got := NewConfigStore(path).Snapshot()
	if got.GroupID != -1001234 || got.GeneralTopicID != 1 || got.OperatorPane != "ca-op:0.0" {
		t.Errorf("reloaded config = %+v", got)
	}
	if !got.Configured() {
		t.Error("Configured() = false after SetGroup, want true")
	}
}

func TestConfigStoreReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := NewConfigStore(path)
	if err := s.SetGroup(-42, 1); err != nil {
		t.Fatalf("SetGroup() error = %v", err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if s.Snapshot().Configured() {
		t.Error("Configured() = true after Reset, want false")
	}
}

func TestConfigTopicFor(t *testing.T) {
	cfg := Config{TopicMappings: map[string]string{
		"/work/api":    "77",
		"/work/broken": "not-a-number",
		"/work/zero":   "0",
	}}

	tests := []struct {
		dir    string
		want   int
		wantOK bool
	}{
		{"/work/api", 77, true},
		{"/work/broken", 0, false},
		{"/work/zero", 0, false},
		{"/work/unmapped", 0, false},
	}
	for _, tt := range tests {
		got, ok := cfg.TopicFor(tt.dir)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("TopicFor(%q) = %d, %v; want %d, %v", tt.dir, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestConfigStoreReloadsOnExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := NewConfigStore(path)
	if err := s.SetGroup(-1, 1); err != nil {
		t.Fatalf("SetGroup() error = %v", err)
	}

	external := `{"group_id": -2002, "general_topic_id": 1, "topic_mappings": {"/pin": "9"}}`
	if err := os.WriteFile(path, []byte(external), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got := s.Snapshot()
	if got.GroupID != -2002 {
		t.Errorf("GroupID after external edit = %d, want -2002", got.GroupID)
	}
	if topic, ok := got.TopicFor("/pin"); !ok || topic != 9 {
		t.Errorf("TopicFor(/pin) = %d, %v; want 9, true", topic, ok)
	}
}

func TestConfigSnapshotIsACopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"group_id": -1, "topic_mappings": {"/a": "1"}}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	s := NewConfigStore(path)

	snap := s.Snapshot()
	snap.TopicMappings["/a"] = "999"

	if topic, _ := s.Snapshot().TopicFor("/a"); topic != 1 {
		t.Errorf("store mutated through snapshot: TopicFor(/a) = %d, want 1", topic)
	}
}

func TestConfigStoreCorruptFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("%%%"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	s := NewConfigStore(path)
	if s.Snapshot().Configured() {
		t.Error("Configured() = true for corrupt file, want false")
	}
}
