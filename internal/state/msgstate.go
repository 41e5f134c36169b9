package state

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// EntryKind tags what a sent chat message was about.
type EntryKind string

const (
	// KindPermission marks a permission prompt with Allow/Deny buttons.
	KindPermission EntryKind = "permission_prompt"
	// KindIdle marks an idle notification (the agent stopped with text).
	KindIdle EntryKind = "idle"
)

// Entry records one chat message the daemon sent, keyed by its chat-side
// message id. Button callbacks and replies resolve through these entries
// back to a pane.
type Entry struct {
	Kind           EntryKind `json:"type"`
	Pane           string    `json:"pane"`
	Cwd            string    `json:"cwd,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
	NotifiedAt     time.Time `json:"notified_at"`

	// Handled is set once a user responded or the entry expired.
	Handled bool `json:"handled,omitempty"`

	// Permission prompt fields.
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`

	// Idle fields. ClaudeMsgID is the assistant message id the idle text
	// came from; Superseded is set when that id later grew a tool call.
	ClaudeMsgID string `json:"claude_msg_id,omitempty"`
	Superseded  bool   `json:"superseded,omitempty"`
}

// MessageState is the durable message-id -> entry table. Every mutation is
// flushed so a daemon crash between notification and button press loses
// nothing.
type MessageState struct {
	path string

	mu      sync.Mutex
	entries map[int]Entry
	ver     fileVersion
}

// NewMessageState returns a store over the given state file.
func NewMessageState(path string) *MessageState {
	return &MessageState{path: path, entries: map[int]Entry{}}
}

// Path returns the backing file path.
func (s *MessageState) Path() string { return s.path }

// Put records an entry for a sent message.
func (s *MessageState) Put(msgID int, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	s.entries[msgID] = e
	return s.writeLocked()
}

// Get looks up the entry for a chat message id.
func (s *MessageState) Get(msgID int) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	e, ok := s.entries[msgID]
	return e, ok
}

// Remove deletes an entry, e.g. after its message was deleted from chat.
func (s *MessageState) Remove(msgID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	if _, ok := s.entries[msgID]; !ok {
		return nil
	}
	delete(s.entries, msgID)
	return s.writeLocked()
}

// MarkHandled flags an entry as responded-to or expired.
func (s *MessageState) MarkHandled(msgID int) error {
	return s.update(msgID, func(e *Entry) { e.Handled = true })
}

// MarkSuperseded flags an idle entry whose assistant message later turned
// out to carry a tool call.
func (s *MessageState) MarkSuperseded(msgID int) error {
	return s.update(msgID, func(e *Entry) { e.Superseded = true })
}

func (s *MessageState) update(msgID int, mutate func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	e, ok := s.entries[msgID]
	if !ok {
		return nil
	}
	mutate(&e)
	s.entries[msgID] = e
	return s.writeLocked()
}

// Entries returns a copy of the full table.
func (s *MessageState) Entries() map[int]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	out := make(map[int]Entry, len(s.entries))
	for id, e := range s.entries {
		out[id] = e
	}
	return out
}

// MaxUnhandledID returns the newest unhandled message id for a pane, or 0.
// Message ids grow monotonically within a chat, so "newest" is "largest".
func (s *MessageState) MaxUnhandledID(pane string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	max := 0
	for id, e := range s.entries {
		if e.Pane == pane && !e.Handled && id > max {
			max = id
		}
	}
	return max
}

// SweepDead removes entries whose pane no longer exists and returns how
// many were dropped.
func (s *MessageState) SweepDead(alive func(pane string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	removed := 0
	for id, e := range s.entries {
		if !alive(e.Pane) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.writeLocked()
}

// Reload forces a re-read from disk. Missing or corrupt files leave the
// table empty.
func (s *MessageState) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *MessageState) maybeReloadLocked() {
	if s.ver.stale(s.path) {
		_ = s.loadLocked()
	}
}

func (s *MessageState) loadLocked() error {
	defer s.ver.mark(s.path)
	s.entries = map[int]Entry{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read message state: %w", err)
	}
	var raw map[string]Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse message state %s: %w", s.path, err)
	}
	for key, e := range raw {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		s.entries[id] = e
	}
	return nil
}

func (s *MessageState) writeLocked() error {
	raw := make(map[string]Entry, len(s.entries))
	for id, e := range s.entries {
		raw[strconv.Itoa(id)] = e
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode message state: %w", err)
	}
	if err := writeFileAtomic(s.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write message state: %w", err)
	}
	s.ver.mark(s.path)
	return nil
}
