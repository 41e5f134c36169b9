// Package tasks owns the worker lifecycle: spawning agents into tmux
// sessions or git worktrees, binding each one to a forum topic, pausing,
// resuming, cleaning up, and rebuilding the registry from on-disk markers
// after a crash.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/claude-army/internal/chat"
	"github.com/haasonsaas/claude-army/internal/observability"
	"github.com/haasonsaas/claude-army/internal/state"
	"github.com/haasonsaas/claude-army/internal/tmux"
)

// SessionPrefix namespaces daemon-owned tmux sessions away from whatever
// else the user runs on the same server.
const SessionPrefix = "ca-"

// SessionName returns the tmux session that hosts a task's worker.
func SessionName(task string) string {
	return SessionPrefix + task
}

// firstPromptSuffix is appended to the spawn description so a fresh worker
// states its understanding before touching anything.
const firstPromptSuffix = "Please summarize this task in one or two sentences, then wait for confirmation before starting."

var (
	// ErrNotConfigured is returned until /setup has bound the daemon to a
	// group; tasks cannot exist without a forum to bind topics in.
	ErrNotConfigured = errors.New("tasks: not configured")

	// ErrTaskExists is returned when a spawn reuses a registered name.
	ErrTaskExists = errors.New("task already exists")

	// ErrTaskPaused is returned when a paused task would need its session
	// resurrected; paused tasks only come back through Resume.
	ErrTaskPaused = errors.New("task is paused")
)

// ChatClient is the slice of the chat API the lifecycle needs: forum topic
// management plus the welcome message into a fresh topic.
type ChatClient interface {
	CreateTopic(ctx context.Context, chatID int64, name string) (int, error)
	CloseTopic(ctx context.Context, chatID int64, topicID int) error
	DeleteTopic(ctx context.Context, chatID int64, topicID int) error
	Send(ctx context.Context, dest chat.Destination, text string, opts *chat.SendOptions) (int, error)
}

// Manager mutates the registry, marker files and tmux sessions as one
// unit. It runs on the daemon's main loop and in one-shot CLI processes;
// it holds no locks of its own.
type Manager struct {
	cfg     *state.ConfigStore
	reg     *state.Registry
	chat    ChatClient
	tmux    tmux.Driver
	log     *observability.Logger
	metrics *observability.Metrics

	// home is the root the recovery scan walks for markers; the operator
	// session is also rooted under it.
	home string

	now     func() time.Time
	runGit  func(ctx context.Context, args ...string) (string, error)
	runHook func(ctx context.Context, dir, script string, env []string) error
}

// NewManager wires the lifecycle against real tmux, git and chat.
func NewManager(cfg *state.ConfigStore, reg *state.Registry, chatClient ChatClient, driver tmux.Driver, home string, log *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		cfg:     cfg,
		reg:     reg,
		chat:    chatClient,
		tmux:    driver,
		log:     log,
		metrics: metrics,
		home:    home,
		now:     time.Now,
		runGit:  runGit,
		runHook: runSetupHook,
	}
}

// SpawnSession creates a task around an existing directory: forum topic,
// marker, tmux session, registry entry. A pane already working in the
// directory is adopted instead of launching a second agent there.
func (m *Manager) SpawnSession(ctx context.Context, dir, name, desc string) (state.Task, error) {
	cfg := m.cfg.Snapshot()
	if !cfg.Configured() {
		return state.Task{}, ErrNotConfigured
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return state.Task{}, fmt.Errorf("resolve task directory: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return state.Task{}, fmt.Errorf("task directory: %w", err)
	}
	if !info.IsDir() {
		return state.Task{}, fmt.Errorf("task directory %s is not a directory", dir)
	}
	if _, ok := m.reg.Task(name); ok {
		return state.Task{}, fmt.Errorf("task %q: %w", name, ErrTaskExists)
	}

	topicID, err := m.createTopic(ctx, cfg.GroupID, dir, state.Marker{
		Name:   name,
		Flavor: state.FlavorSession,
		Status: state.StatusActive,
	})
	if err != nil {
		return state.Task{}, err
	}

	pane, fresh, err := m.attachOrCreatePane(ctx, name, dir)
	if err != nil {
		m.rollbackTopic(ctx, cfg.GroupID, topicID)
		if rerr := state.RemoveMarker(dir); rerr != nil {
			m.log.Warn(ctx, "marker rollback failed", "dir", dir, "error", rerr)
		}
		return state.Task{}, err
	}
	if fresh {
		m.startAgent(ctx, pane, firstPrompt(name, desc))
	}

	task := state.Task{
		Name:    name,
		Flavor:  state.FlavorSession,
		Path:    dir,
		TopicID: topicID,
		Pane:    pane,
		Status:  state.StatusActive,
	}
	if err := m.register(task); err != nil {
		return state.Task{}, err
	}
	m.log.Info(ctx, "task spawned",
		"task", name,
		"flavor", "session",
		"dir", dir,
		"topic_id", topicID,
		"pane", pane)
	return task, nil
}

// SpawnWorktree creates a task on a fresh git worktree under
// <repo>/trees/<name>, runs the repo's setup hook, then the topic
// protocol, session and registry entry. Failures after the worktree exists
// roll it back.
func (m *Manager) SpawnWorktree(ctx context.Context, repo, name, desc string) (state.Task, error) {
	cfg := m.cfg.Snapshot()
	if !cfg.Configured() {
		return state.Task{}, ErrNotConfigured
	}
	repo, err := filepath.Abs(repo)
	if err != nil {
		return state.Task{}, fmt.Errorf("resolve repo: %w", err)
	}
	info, err := os.Stat(repo)
	if err != nil {
		return state.Task{}, fmt.Errorf("repo: %w", err)
	}
	if !info.IsDir() {
		return state.Task{}, fmt.Errorf("repo %s is not a directory", repo)
	}
	if _, ok := m.reg.Task(name); ok {
		return state.Task{}, fmt.Errorf("task %q: %w", name, ErrTaskExists)
	}

	wt, err := m.createWorktree(ctx, repo, name)
	if err != nil {
		return state.Task{}, err
	}
	m.setupHook(ctx, repo, name, wt)

	topicID, err := m.createTopic(ctx, cfg.GroupID, wt, state.Marker{
		Name:   name,
		Flavor: state.FlavorWorktree,
		Status: state.StatusActive,
		Repo:   repo,
	})
	if err != nil {
		if topicID != 0 {
			m.rollbackTopic(ctx, cfg.GroupID, topicID)
		}
		m.removeWorktree(ctx, repo, wt)
		return state.Task{}, err
	}

	pane, fresh, err := m.createSession(ctx, SessionName(name), wt)
	if err != nil {
		m.rollbackTopic(ctx, cfg.GroupID, topicID)
		m.removeWorktree(ctx, repo, wt)
		return state.Task{}, err
	}
	if fresh {
		m.startAgent(ctx, pane, firstPrompt(name, desc))
	}

	task := state.Task{
		Name:    name,
		Flavor:  state.FlavorWorktree,
		Path:    wt,
		TopicID: topicID,
		Pane:    pane,
		Repo:    repo,
		Status:  state.StatusActive,
	}
	if err := m.register(task); err != nil {
		return state.Task{}, err
	}
	m.log.Info(ctx, "task spawned",
		"task", name,
		"flavor", "worktree",
		"worktree", wt,
		"topic_id", topicID,
		"pane", pane)
	return task, nil
}

// createTopic runs the two-phase topic protocol in dir: pending marker,
// createForumTopic, welcome message, completed marker. A failure after the
// create call leaves the pending marker behind so recovery surfaces the
// possibly-created topic instead of minting a duplicate. The returned id
// is non-zero whenever the topic was actually created, even on error, so
// callers can close it when rolling back.
func (m *Manager) createTopic(ctx context.Context, groupID int64, dir string, mk state.Marker) (int, error) {
	now := m.now().UTC()
	pending := state.Marker{PendingTopicName: mk.Name, PendingSince: now}
	if err := state.WriteMarker(dir, pending); err != nil {
		return 0, err
	}

	topicID, err := m.chat.CreateTopic(ctx, groupID, mk.Name)
	if err != nil {
		return 0, err
	}

	dest := chat.Destination{ChatID: groupID, TopicID: topicID}
	if _, err := m.chat.Send(ctx, dest, welcomeText(mk, dir), &chat.SendOptions{Plain: true}); err != nil {
		m.log.Warn(ctx, "welcome message failed", "task", mk.Name, "topic_id", topicID, "error", err)
	}

	mk.TopicID = topicID
	mk.CreatedAt = now
	if err := state.WriteMarker(dir, mk); err != nil {
		return topicID, err
	}
	return topicID, nil
}

// welcomeText is the first message in a fresh task topic.
func welcomeText(mk state.Marker, dir string) string {
	return fmt.Sprintf("🚀 Task %s (%s)\n%s\nMessages here go straight to this worker.", mk.Name, mk.Flavor, dir)
}

// firstPrompt builds the scripted opening message for a fresh worker.
func firstPrompt(name, desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		desc = name
	}
	return desc + " " + firstPromptSuffix
}

func (m *Manager) rollbackTopic(ctx context.Context, groupID int64, topicID int) {
	if err := m.chat.CloseTopic(ctx, groupID, topicID); err != nil {
		m.log.Warn(ctx, "topic rollback failed", "topic_id", topicID, "error", err)
	}
}

// attachOrCreatePane reuses a pane already running in dir, otherwise
// creates the task's own detached session there. fresh reports whether a
// new session (needing an agent bootstrap) was created.
func (m *Manager) attachOrCreatePane(ctx context.Context, name, dir string) (pane string, fresh bool, err error) {
	if p, ok := m.tmux.FindPaneByCwd(ctx, dir); ok {
		m.log.Info(ctx, "adopting existing pane", "task", name, "pane", p.ID, "dir", dir)
		return p.ID, false, nil
	}
	return m.createSession(ctx, SessionName(name), dir)
}

// createSession starts the detached session and resolves its first pane.
// Losing the creation race to a concurrent caller is tolerated: the
// session is there either way, but fresh is false so the winner's agent
// is not clobbered by a second bootstrap.
func (m *Manager) createSession(ctx context.Context, session, dir string) (pane string, fresh bool, err error) {
	if err := m.tmux.CreateSession(ctx, session, dir); err != nil {
		if !m.tmux.SessionExists(ctx, session) {
			return "", false, err
		}
		m.log.Debug(ctx, "session raced into existence, reusing", "session", session)
		pane, err := m.tmux.FirstPane(ctx, session)
		return pane, false, err
	}
	pane, err = m.tmux.FirstPane(ctx, session)
	return pane, true, err
}

// startAgent types the agent command into a fresh pane. Best effort: a
// failed bootstrap leaves the task registered and the user can start the
// agent by hand.
func (m *Manager) startAgent(ctx context.Context, pane, prompt string) {
	m.runShell(ctx, pane, "claude "+shellQuote(oneLine(prompt)))
}

// resumeAgent restarts the agent in a resurrected pane, preferring the
// previous conversation over a fresh one.
func (m *Manager) resumeAgent(ctx context.Context, pane, desc string) {
	m.runShell(ctx, pane, "claude --continue || claude "+shellQuote(oneLine(desc)))
}

func (m *Manager) runShell(ctx context.Context, pane, command string) {
	if err := m.tmux.SendText(ctx, pane, command); err != nil {
		m.log.Warn(ctx, "agent bootstrap failed", "pane", pane, "error", err)
		return
	}
	if err := m.tmux.SendKeys(ctx, pane, "Enter"); err != nil {
		m.log.Warn(ctx, "agent bootstrap enter failed", "pane", pane, "error", err)
	}
}

func (m *Manager) register(task state.Task) error {
	if err := m.reg.Put(task); err != nil {
		return fmt.Errorf("register task %q: %w", task.Name, err)
	}
	m.publishTaskGauge()
	return nil
}

// publishTaskGauge pushes the active/paused split to metrics.
func (m *Manager) publishTaskGauge() {
	active, paused := 0, 0
	for _, t := range m.reg.Tasks() {
		if t.Status == state.StatusPaused {
			paused++
		} else {
			active++
		}
	}
	m.metrics.SetTasks(active, paused)
}

// shellQuote wraps s in single quotes, POSIX style, so the text survives
// the pane's shell untouched.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// oneLine collapses whitespace runs. The agent command is typed at a shell
// prompt where a stray newline would submit it early.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
