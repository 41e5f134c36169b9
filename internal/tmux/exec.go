package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/haasonsaas/claude-army/internal/observability"
)

// paneFormat renders a pane id the same way the daemon addresses panes in
// send-keys: session:window.pane.
const paneFormat = "#{session_name}:#{window_index}.#{pane_index}"

// ExecDriver talks to tmux by spawning the tmux binary. It is stateless;
// every call is a fresh subprocess.
type ExecDriver struct {
	log *observability.Logger

	// run executes tmux with the given arguments and returns combined
	// trimmed stdout. Swapped out in tests.
	run func(ctx context.Context, args ...string) (string, error)
}

// NewExecDriver returns a Driver backed by the tmux CLI.
func NewExecDriver(log *observability.Logger) *ExecDriver {
	d := &ExecDriver{log: log}
	d.run = d.execTmux
	return d
}

func (d *ExecDriver) execTmux(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// SessionExists reports whether tmux knows a session by this name.
func (d *ExecDriver) SessionExists(ctx context.Context, session string) bool {
	_, err := d.run(ctx, "has-session", "-t", session)
	return err == nil
}

// CreateSession starts a detached session rooted at dir. Starting the first
// session also boots the tmux server if none is running.
func (d *ExecDriver) CreateSession(ctx context.Context, session, dir string) error {
	if _, err := d.run(ctx, "new-session", "-d", "-s", session, "-c", dir); err != nil {
		return err
	}
	d.log.Debug(ctx, "tmux session created", "session", session, "dir", dir)
	return nil
}

// KillSession terminates the session and everything in it.
func (d *ExecDriver) KillSession(ctx context.Context, session string) error {
	if _, err := d.run(ctx, "kill-session", "-t", session); err != nil {
		return err
	}
	d.log.Debug(ctx, "tmux session killed", "session", session)
	return nil
}

// FirstPane resolves a session name to its first pane id.
func (d *ExecDriver) FirstPane(ctx context.Context, session string) (string, error) {
	out, err := d.run(ctx, "list-panes", "-t", session, "-F", paneFormat)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(out, "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("tmux list-panes: session %q has no panes", session)
	}
	return line, nil
}

// PaneExists probes the pane with display-message; a dead pane makes tmux
// exit non-zero.
func (d *ExecDriver) PaneExists(ctx context.Context, pane string) bool {
	_, err := d.run(ctx, "display-message", "-p", "-t", pane, "#{pane_id}")
	return err == nil
}

// ListPanes enumerates every pane on the server. tmux failing usually means
// no server is running, which is reported as zero panes rather than an
// error so discovery loops stay quiet on idle hosts.
func (d *ExecDriver) ListPanes(ctx context.Context) ([]Pane, error) {
	out, err := d.run(ctx, "list-panes", "-a", "-F", paneFormat+" #{pane_current_path}")
	if err != nil {
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}
	var panes []Pane
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, cwd, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		panes = append(panes, Pane{ID: id, Cwd: cwd})
	}
	return panes, nil
}

// FindPaneByCwd returns the first pane whose working directory equals dir.
func (d *ExecDriver) FindPaneByCwd(ctx context.Context, dir string) (Pane, bool) {
	panes, err := d.ListPanes(ctx)
	if err != nil {
		return Pane{}, false
	}
	for _, p := range panes {
		if p.Cwd == dir {
			return p, true
		}
	}
	return Pane{}, false
}

// SendText types text into the pane literally. The "--" guard keeps text
// that begins with a dash from being parsed as a flag.
func (d *ExecDriver) SendText(ctx context.Context, pane, text string) error {
	_, err := d.run(ctx, "send-keys", "-t", pane, "-l", "--", text)
	return err
}

// SendKeys sends named keys (Enter, Down, C-u, ...) in order.
func (d *ExecDriver) SendKeys(ctx context.Context, pane string, keys ...string) error {
	args := append([]string{"send-keys", "-t", pane}, keys...)
	_, err := d.run(ctx, args...)
	return err
}

// Capture returns the last lines of the pane, scrollback included.
func (d *ExecDriver) Capture(ctx context.Context, pane string, lines int) (string, error) {
	return d.run(ctx, "capture-pane", "-p", "-t", pane, "-S", "-"+strconv.Itoa(lines))
}
