// Package tmux drives terminal multiplexer panes through the tmux CLI.
//
// Workers and the operator each live in a tmux pane addressed as
// "session:window.pane". The Driver interface covers the handful of tmux
// operations the daemon needs; ExecDriver is the real subprocess-backed
// implementation, and tests substitute in-memory fakes.
package tmux

import (
	"context"
	"errors"
	"os/exec"
)

// Pane is one tmux pane and the working directory of the process inside it.
type Pane struct {
	// ID addresses the pane as "session:window.pane", e.g. "ca-fix-auth:0.0".
	ID string
	// Cwd is the pane's current working directory as reported by tmux.
	Cwd string
}

// Driver is the tmux surface the daemon depends on. All methods address
// panes by their "session:window.pane" id.
type Driver interface {
	// SessionExists reports whether a session with the given name exists.
	SessionExists(ctx context.Context, session string) bool

	// CreateSession starts a detached session rooted at dir.
	CreateSession(ctx context.Context, session, dir string) error

	// KillSession terminates a session and every pane in it.
	KillSession(ctx context.Context, session string) error

	// FirstPane returns the id of the first pane of a session.
	FirstPane(ctx context.Context, session string) (string, error)

	// PaneExists reports whether the pane is still alive.
	PaneExists(ctx context.Context, pane string) bool

	// ListPanes enumerates every pane on the server with its working
	// directory. A missing or empty server yields an empty slice.
	ListPanes(ctx context.Context) ([]Pane, error)

	// FindPaneByCwd returns the first pane whose working directory
	// equals dir, if any.
	FindPaneByCwd(ctx context.Context, dir string) (Pane, bool)

	// SendText sends text to a pane as literal keystrokes (no key-name
	// interpretation).
	SendText(ctx context.Context, pane, text string) error

	// SendKeys sends named keys (Enter, Down, C-u, ...) to a pane.
	SendKeys(ctx context.Context, pane string, keys ...string) error

	// Capture returns the last lines of a pane's visible history.
	Capture(ctx context.Context, pane string, lines int) (string, error)
}

// ErrNoServer is returned when the tmux binary is not installed.
var ErrNoServer = errors.New("tmux: binary not found in PATH")

// Available reports whether the tmux binary can be found. The daemon
// refuses to start without it; sessions themselves are created lazily, so
// a reachable binary with no running server is fine.
func Available() error {
	if _, err := exec.LookPath("tmux"); err != nil {
		return ErrNoServer
	}
	return nil
}
