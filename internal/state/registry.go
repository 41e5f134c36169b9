package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Flavor distinguishes how a task got its working directory.
type Flavor string

const (
	// FlavorWorktree tasks own a git worktree created for them.
	FlavorWorktree Flavor = "worktree"
	// FlavorSession tasks run in a plain directory (spawned or adopted).
	FlavorSession Flavor = "session"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// Task is one registered worker: a directory, the forum topic bound to it,
// and (when running) the tmux pane hosting the agent.
type Task struct {
	// Name is the registry key; not serialized inside the record.
	Name string `json:"-"`

	Flavor  Flavor `json:"flavor"`
	Path    string `json:"path"`
	TopicID int    `json:"topic_id"`
	Pane    string `json:"pane,omitempty"`
	Repo    string `json:"repo,omitempty"`
	Status  Status `json:"status"`
}

// Session returns the tmux session name owning the task's pane, or "".
func (t Task) Session() string {
	return sessionOf(t.Pane)
}

func sessionOf(pane string) string {
	for i := 0; i < len(pane); i++ {
		if pane[i] == ':' {
			return pane[:i]
		}
	}
	return ""
}

// ErrTaskNotFound is returned when a registry lookup by name misses.
var ErrTaskNotFound = errors.New("task not found")

// Registry is the durable name->task table. Lookups by topic, path and
// pane scan the table; it holds a handful of tasks, not thousands.
type Registry struct {
	path string

	mu    sync.Mutex
	tasks map[string]Task
	ver   fileVersion
}

type registryFile struct {
	Tasks map[string]Task `json:"tasks"`
}

// NewRegistry returns a store over the given registry file.
func NewRegistry(path string) *Registry {
	return &Registry{path: path, tasks: map[string]Task{}}
}

// Path returns the backing file path.
func (r *Registry) Path() string { return r.path }

// Put inserts or overwrites a task record keyed by its name.
func (r *Registry) Put(t Task) error {
	if t.Name == "" {
		return errors.New("task name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeReloadLocked()
	r.tasks[t.Name] = t
	return r.writeLocked()
}

// Remove deletes a task record. Removing an absent name is a no-op.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeReloadLocked()
	if _, ok := r.tasks[name]; !ok {
		return nil
	}
	delete(r.tasks, name)
	return r.writeLocked()
}

// Task looks a task up by name.
func (r *Registry) Task(name string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeReloadLocked()
	t, ok := r.tasks[name]
	return t, ok
}

// ByTopic finds the task bound to a forum topic.
func (r *Registry) ByTopic(topicID int) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeReloadLocked()
	for _, t := range r.tasks {
		if t.TopicID == topicID {
			return t, true
		}
	}
	return Task{}, false
}

// ByPath finds the task whose working directory equals path.
func (r *Registry) ByPath(path string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeReloadLocked()
	for _, t := range r.tasks {
		if t.Path == path {
			return t, true
		}
	}
	return Task{}, false
}

// ByPane finds the task currently bound to a tmux pane.
func (r *Registry) ByPane(pane string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeReloadLocked()
	for _, t := range r.tasks {
		if t.Pane == pane {
			return t, true
		}
	}
	return Task{}, false
}

// Tasks returns all tasks sorted by name.
func (r *Registry) Tasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeReloadLocked()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetStatus updates a task's lifecycle status.
func (r *Registry) SetStatus(name string, st Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeReloadLocked()
	t, ok := r.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	t.Status = st
	r.tasks[name] = t
	return r.writeLocked()
}

// SetPane updates where a task's agent lives, e.g. after tmux re-numbers
// panes or a session is resurrected.
func (r *Registry) SetPane(name, pane string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeReloadLocked()
	t, ok := r.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	t.Pane = pane
	r.tasks[name] = t
	return r.writeLocked()
}

// Reload forces a re-read from disk. Missing or corrupt files leave the
// registry empty; recovery can rebuild it from markers.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) maybeReloadLocked() {
	if r.ver.stale(r.path) {
		_ = r.loadLocked()
	}
}

func (r *Registry) loadLocked() error {
	defer r.ver.mark(r.path)
	r.tasks = map[string]Task{}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry: %w", err)
	}
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	for name, t := range file.Tasks {
		t.Name = name
		r.tasks[name] = t
	}
	return nil
}

func (r *Registry) writeLocked() error {
	data, err := json.MarshalIndent(registryFile{Tasks: r.tasks}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := writeFileAtomic(r.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	r.ver.mark(r.path)
	return nil
}
