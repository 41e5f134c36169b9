// Package state persists the daemon's durable state as small JSON files:
// the chat binding config, the task registry, per-directory task markers,
// and the message state that maps sent chat messages back to panes.
//
// Files are rewritten atomically on every mutation so a crash never leaves
// a torn file behind. CLI invocations and the daemon share the same files,
// so every store re-reads from disk when the file changes underneath it;
// see Reloadable for the push-based variant.
package state

import (
	"os"
	"path/filepath"
)

// Fixed locations shared by the daemon and CLI invocations. The state dir
// lives under the user home; the message state and pid file sit in /tmp so
// they disappear with the host.
const (
	stateDirName = ".claude-army"

	// MessageStatePath holds the chat-message state.
	MessageStatePath = "/tmp/claude-army-state.json"

	// LockPath is the daemon's pid lockfile.
	LockPath = "/tmp/claude-army-daemon.pid"
)

// Dir returns the state directory under the given user home, usually
// ~/.claude-army.
func Dir(userHome string) string {
	return filepath.Join(userHome, stateDirName)
}

// EnsureDir creates the state directory if missing.
func EnsureDir(userHome string) (string, error) {
	dir := Dir(userHome)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// ConfigPath returns the chat binding config file path.
func ConfigPath(userHome string) string {
	return filepath.Join(Dir(userHome), "config.json")
}

// RegistryPath returns the task registry file path.
func RegistryPath(userHome string) string {
	return filepath.Join(Dir(userHome), "registry.json")
}

// OperatorDir returns the working directory for the operator session.
func OperatorDir(userHome string) string {
	return filepath.Join(Dir(userHome), "operator")
}
