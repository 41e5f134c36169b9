// Package main provides the CLI entry point for the claude-army daemon.
//
// claude-army bridges terminal AI coding agents running in tmux panes to a
// Telegram forum group: permission prompts, completions, and idle states
// become messages in per-task topics, and replies in those topics are
// injected back into the right pane.
//
// # Basic Usage
//
// Start the daemon (foreground; run it under tmux or a service manager):
//
//	claude-army start --config ~/.claude-army/army.yaml
//
// Check whether a daemon is running:
//
//	claude-army status
//
// Manage agent tasks:
//
//	claude-army task spawn --dir ~/work/api fix-auth Login sessions expire early
//	claude-army task list
//	claude-army task cleanup fix-auth --delete-topic
//
// # Environment Variables
//
//   - TELEGRAM_BOT_TOKEN: bot token, used when the config file omits one
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/claude-army/internal/chat"
	"github.com/haasonsaas/claude-army/internal/config"
	"github.com/haasonsaas/claude-army/internal/daemon"
	"github.com/haasonsaas/claude-army/internal/observability"
	"github.com/haasonsaas/claude-army/internal/state"
	"github.com/haasonsaas/claude-army/internal/tasks"
	"github.com/haasonsaas/claude-army/internal/tmux"
)

// Build metadata, injected at link time:
//
//	go build -ldflags "-X main.version=v0.3.0 -X main.commit=$(git rev-parse --short HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the CLI. Split out of main so tests can walk
// the command tree.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "claude-army",
		Short: "claude-army - Telegram bridge for tmux-hosted coding agents",
		Long: `claude-army watches coding agents running in tmux panes and mirrors
their permission prompts, completions, and idle states into a Telegram forum
group. Replies and button presses in the group are injected back into the
originating pane.

One forum topic per task; the General topic routes to the operator session.

Documentation: https://github.com/haasonsaas/claude-army`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildStartCmd(),
		buildStopCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
		buildTaskCmd(),
	)

	return rootCmd
}

// =============================================================================
// Daemon Commands
// =============================================================================

// buildStartCmd creates the "start" command that runs the daemon.
func buildStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the claude-army daemon",
		Long: `Start the daemon in the foreground.

The daemon will:
1. Acquire the pid lockfile, refusing to start while a live daemon holds it
2. Verify tmux is installed and Telegram accepts the bot token
3. Recover tasks and prompt watchers left behind by a previous run
4. Watch agent transcripts and long-poll Telegram for replies

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config (~/.claude-army/army.yaml)
  claude-army start

  # Start with a custom config
  claude-army start --config /etc/claude-army/army.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(),
		"Path to YAML configuration file")

	return cmd
}

// buildStopCmd creates the "stop" command that signals a running daemon.
func buildStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd)
		},
	}
}

// buildStatusCmd creates the "status" command that reports daemon liveness.
func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "claude-army %s (commit: %s, built: %s)\n",
				version, commit, date)
		},
	}
}

// runStart implements the start command: load config, build the logger,
// assemble the daemon, and run it until a shutdown signal arrives.
func runStart(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger.Slog())

	slog.Info("starting claude-army daemon",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	d, err := daemon.New(cfg, logger, observability.NewMetrics())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		return err
	}

	slog.Info("claude-army daemon stopped gracefully")
	return nil
}

// buildLogger constructs the daemon logger from config. When a log file is
// configured, output goes to both stderr and the file.
func buildLogger(cfg *config.Config) (*observability.Logger, func(), error) {
	out := io.Writer(os.Stderr)
	closeLog := func() {}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeLog = func() { _ = f.Close() }
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: out,
	})
	return logger, closeLog, nil
}

// runStop sends SIGTERM to the daemon holding the pid lockfile.
func runStop(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	pid, alive := daemon.Owner(state.LockPath)
	if !alive {
		fmt.Fprintln(out, "Daemon not running.")
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find daemon process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}
	fmt.Fprintf(out, "Sent SIGTERM to daemon (pid %d).\n", pid)
	return nil
}

// runStatus reports whether a daemon currently holds the pid lockfile.
func runStatus(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	pid, alive := daemon.Owner(state.LockPath)
	switch {
	case alive:
		fmt.Fprintf(out, "Daemon running (pid %d).\n", pid)
	case pid != 0:
		fmt.Fprintf(out, "Daemon not running (stale lockfile, pid %d).\n", pid)
	default:
		fmt.Fprintln(out, "Daemon not running.")
	}
	return nil
}

// =============================================================================
// Task Commands
// =============================================================================

// buildTaskCmd creates the "task" command group the operator session drives.
func buildTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage agent tasks",
		Long: `Manage agent tasks from the shell or from the operator session.

Task commands mutate the same JSON stores the daemon watches, so a running
daemon picks up changes without a restart.`,
	}

	cmd.AddCommand(
		buildTaskSpawnCmd(),
		buildTaskPauseCmd(),
		buildTaskResumeCmd(),
		buildTaskCleanupCmd(),
		buildTaskListCmd(),
	)

	return cmd
}

func buildTaskSpawnCmd() *cobra.Command {
	var (
		configPath string
		dir        string
		repo       string
	)

	cmd := &cobra.Command{
		Use:   "spawn NAME [DESCRIPTION...]",
		Short: "Spawn a new agent task",
		Long: `Spawn a new agent task in its own tmux session and forum topic.

Exactly one of --dir or --repo is required: --dir starts the agent in an
existing directory, --repo creates a git worktree under <repo>/trees/NAME
first. Everything after NAME becomes the task description sent to the agent.`,
		Example: `  # Work inside an existing checkout
  claude-army task spawn --dir ~/work/api fix-auth Login sessions expire early

  # Work in an isolated worktree of a repo
  claude-army task spawn --repo ~/work/api fix-auth Login sessions expire early`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskSpawn(cmd, configPath, dir, repo, args[0], strings.Join(args[1:], " "))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&dir, "dir", "", "Existing project directory to run the agent in")
	cmd.Flags().StringVar(&repo, "repo", "", "Git repository to create a worktree task in")

	return cmd
}

func buildTaskPauseCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "pause NAME",
		Short: "Pause a task, killing its tmux session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskPause(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to YAML configuration file")
	return cmd
}

func buildTaskResumeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "resume NAME",
		Short: "Resume a paused task in a fresh tmux session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskResume(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to YAML configuration file")
	return cmd
}

func buildTaskCleanupCmd() *cobra.Command {
	var (
		configPath  string
		deleteTopic bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup NAME",
		Short: "Remove a task, its tmux session, and its worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskCleanup(cmd, configPath, args[0], deleteTopic)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVar(&deleteTopic, "delete-topic", false, "Also delete the task's forum topic")
	return cmd
}

func buildTaskListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Task Command Handlers
// =============================================================================

func runTaskSpawn(cmd *cobra.Command, configPath, dir, repo, name, desc string) error {
	if (dir == "") == (repo == "") {
		return fmt.Errorf("exactly one of --dir or --repo is required")
	}

	manager, err := newTaskManager(configPath)
	if err != nil {
		return err
	}

	var task state.Task
	if dir != "" {
		task, err = manager.SpawnSession(cmd.Context(), dir, name, desc)
	} else {
		task, err = manager.SpawnWorktree(cmd.Context(), repo, name, desc)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Spawned task %s: topic %d, pane %s, path %s\n",
		task.Name, task.TopicID, task.Pane, task.Path)
	return nil
}

func runTaskPause(cmd *cobra.Command, configPath, name string) error {
	manager, err := newTaskManager(configPath)
	if err != nil {
		return err
	}
	if err := manager.Pause(cmd.Context(), name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Paused task %s.\n", name)
	return nil
}

func runTaskResume(cmd *cobra.Command, configPath, name string) error {
	manager, err := newTaskManager(configPath)
	if err != nil {
		return err
	}
	task, err := manager.Resume(cmd.Context(), name)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resumed task %s: pane %s\n", task.Name, task.Pane)
	return nil
}

func runTaskCleanup(cmd *cobra.Command, configPath, name string, deleteTopic bool) error {
	manager, err := newTaskManager(configPath)
	if err != nil {
		return err
	}
	if err := manager.Cleanup(cmd.Context(), name, deleteTopic); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleaned up task %s.\n", name)
	return nil
}

func runTaskList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Home == "" {
		return fmt.Errorf("home directory could not be determined")
	}

	registry := state.NewRegistry(state.RegistryPath(cfg.Home))
	all := registry.Tasks()
	if len(all) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tFLAVOR\tTOPIC\tPANE\tPATH")
	for _, t := range all {
		pane := t.Pane
		if pane == "" {
			pane = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", t.Name, t.Status, t.Flavor, t.TopicID, pane, t.Path)
	}
	return w.Flush()
}

// newTaskManager assembles the lifecycle manager for one-shot CLI use. It
// talks to the same stores and Telegram bot as the daemon; a quiet logger
// keeps command output to the one-line results.
func newTaskManager(configPath string) (*tasks.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := state.EnsureDir(cfg.Home); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	log := observability.NewLogger(observability.LogConfig{Level: "warn", Format: "text"})
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	chatClient, err := chat.Dial(cfg.Telegram.Token, log, metrics)
	if err != nil {
		return nil, err
	}

	cfgStore := state.NewConfigStore(state.ConfigPath(cfg.Home))
	registry := state.NewRegistry(state.RegistryPath(cfg.Home))
	driver := tmux.NewExecDriver(log)

	return tasks.NewManager(cfgStore, registry, chatClient, driver, cfg.Home, log, metrics), nil
}
