package state

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// Config binds the daemon to one forum group: which chat to talk to, which
// topic is "general", which pane hosts the operator, and any hand-pinned
// directory-to-topic overrides.
type Config struct {
	GroupID        int64             `json:"group_id,omitempty"`
	GeneralTopicID int               `json:"general_topic_id,omitempty"`
	OperatorPane   string            `json:"operator_pane,omitempty"`
	TopicMappings  map[string]string `json:"topic_mappings,omitempty"`
}

// Configured reports whether /setup has bound the daemon to a group.
func (c Config) Configured() bool {
	return c.GroupID != 0
}

// TopicFor returns the pinned topic for a directory, if the operator has
// mapped one by hand. Values are stored as strings in the file; anything
// that fails to parse is ignored.
func (c Config) TopicFor(dir string) (int, bool) {
	raw, ok := c.TopicMappings[dir]
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ConfigStore reads and writes the chat binding config file.
type ConfigStore struct {
	path string

	mu  sync.Mutex
	cfg Config
	ver fileVersion
}

// NewConfigStore returns a store over the given config file. The file is
// loaded lazily on first access.
func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

// Path returns the backing file path.
func (s *ConfigStore) Path() string { return s.path }

// Snapshot returns a copy of the current config, reloading from disk if
// another process changed the file.
func (s *ConfigStore) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	return s.cfg.clone()
}

// SetGroup binds the daemon to a forum group and its general topic.
func (s *ConfigStore) SetGroup(groupID int64, generalTopicID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	s.cfg.GroupID = groupID
	s.cfg.GeneralTopicID = generalTopicID
	return s.writeLocked()
}

// SetOperatorPane records where operator input is injected.
func (s *ConfigStore) SetOperatorPane(pane string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked()
	s.cfg.OperatorPane = pane
	return s.writeLocked()
}

// Reset clears the binding so the next /setup starts fresh.
func (s *ConfigStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = Config{}
	return s.writeLocked()
}

// Reload forces a re-read from disk. A missing or corrupt file resets the
// store to an empty config; corruption is reported so callers can log it.
func (s *ConfigStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *ConfigStore) maybeReloadLocked() {
	if s.ver.stale(s.path) {
		_ = s.loadLocked()
	}
}

func (s *ConfigStore) loadLocked() error {
	defer s.ver.mark(s.path)
	s.cfg = Config{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", s.path, err)
	}
	s.cfg = cfg
	return nil
}

func (s *ConfigStore) writeLocked() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := writeFileAtomic(s.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	s.ver.mark(s.path)
	return nil
}

func (c Config) clone() Config {
	out := c
	if c.TopicMappings != nil {
		out.TopicMappings = make(map[string]string, len(c.TopicMappings))
		for k, v := range c.TopicMappings {
			out.TopicMappings[k] = v
		}
	}
	return out
}
