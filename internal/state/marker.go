package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Marker is the per-directory task stamp at <dir>/.claude/army.json. It is
// written in two phases so a crash between "topic created" and "registry
// updated" stays recoverable: a pending marker goes down before the topic
// is created, the completed marker replaces it once the topic exists.
type Marker struct {
	// Completed fields.
	Name      string    `json:"name,omitempty"`
	Flavor    Flavor    `json:"flavor,omitempty"`
	TopicID   int       `json:"topic_id,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Repo      string    `json:"repo,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Pending fields, present only between the two phases.
	PendingTopicName string    `json:"pending_topic_name,omitempty"`
	PendingSince     time.Time `json:"pending_since,omitempty"`
}

// Pending reports whether the marker records an in-flight topic creation
// whose outcome is unknown.
func (m Marker) Pending() bool {
	return m.TopicID == 0 && m.PendingTopicName != ""
}

// Completed reports whether the marker records a fully created task.
func (m Marker) Completed() bool {
	return m.TopicID != 0
}

// ErrNoMarker is returned when a directory carries no marker file.
var ErrNoMarker = errors.New("no task marker")

// MarkerPath returns the marker location for a task directory.
func MarkerPath(dir string) string {
	return filepath.Join(dir, ".claude", "army.json")
}

// ReadMarker loads the marker for a task directory.
func ReadMarker(dir string) (Marker, error) {
	data, err := os.ReadFile(MarkerPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, ErrNoMarker
		}
		return Marker{}, fmt.Errorf("read marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("parse marker %s: %w", MarkerPath(dir), err)
	}
	return m, nil
}

// WriteMarker stamps a task directory, creating <dir>/.claude if needed.
func WriteMarker(dir string, m Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	if err := writeFileAtomic(MarkerPath(dir), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// RemoveMarker deletes a directory's marker file. Absence is not an error.
func RemoveMarker(dir string) error {
	err := os.Remove(MarkerPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker: %w", err)
	}
	return nil
}

// FoundMarker is one marker discovered by ScanMarkers, with the task
// directory it stamps.
type FoundMarker struct {
	Dir    string
	Marker Marker
}

// ScanMarkers walks root looking for task markers. Unreadable or corrupt
// markers are skipped; .git and node_modules subtrees are not descended.
func ScanMarkers(root string) ([]FoundMarker, error) {
	var found []FoundMarker
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		switch d.Name() {
		case ".git", "node_modules":
			return filepath.SkipDir
		case ".claude":
			dir := filepath.Dir(path)
			if m, err := ReadMarker(dir); err == nil {
				found = append(found, FoundMarker{Dir: dir, Marker: m})
			}
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan markers under %s: %w", root, err)
	}
	return found, nil
}
