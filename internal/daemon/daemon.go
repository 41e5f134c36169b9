// Package daemon assembles the claude-army process and runs its main loop.
//
// One goroutine long-polls chat updates, one watches the state files for
// CLI edits, cron schedules the dead-pane sweep; everything that mutates
// the stores runs serially on the main loop here. The pid lockfile keeps
// the daemon a singleton per host.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/claude-army/internal/chat"
	"github.com/haasonsaas/claude-army/internal/commands"
	"github.com/haasonsaas/claude-army/internal/config"
	"github.com/haasonsaas/claude-army/internal/observability"
	"github.com/haasonsaas/claude-army/internal/orchestrator"
	"github.com/haasonsaas/claude-army/internal/poller"
	"github.com/haasonsaas/claude-army/internal/route"
	"github.com/haasonsaas/claude-army/internal/state"
	"github.com/haasonsaas/claude-army/internal/tasks"
	"github.com/haasonsaas/claude-army/internal/tmux"
	"github.com/haasonsaas/claude-army/internal/transcript"
)

const (
	// tickInterval drives the transcript check and notification sweep.
	tickInterval = 100 * time.Millisecond

	// discoveryInterval is how often panes are rescanned for transcripts.
	discoveryInterval = 5 * time.Second

	// sweepSchedule fires the dead-pane sweep.
	sweepSchedule = "@every 5m"

	// updateBuffer sizes the inbound update channel. When the main loop
	// falls behind, the poller blocks, which just delays the next
	// getUpdates round.
	updateBuffer = 64
)

// Daemon is the assembled process.
type Daemon struct {
	cfg     *config.Config
	log     *observability.Logger
	metrics *observability.Metrics

	cfgStore *state.ConfigStore
	registry *state.Registry
	msgs     *state.MessageState

	chat        *chat.Client
	driver      tmux.Driver
	manager     *tasks.Manager
	transcripts *transcript.Manager
	orch        *orchestrator.Orchestrator
	dispatch    *poller.Dispatcher
	poll        *poller.Poller
}

// New wires every component. No network or subprocess traffic happens
// here; Run performs the startup checks.
func New(cfg *config.Config, log *observability.Logger, metrics *observability.Metrics) (*Daemon, error) {
	if _, err := state.EnsureDir(cfg.Home); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	chatClient, err := chat.Dial(cfg.Telegram.Token, log.WithComponent("chat"), metrics)
	if err != nil {
		return nil, err
	}

	cfgStore := state.NewConfigStore(state.ConfigPath(cfg.Home))
	registry := state.NewRegistry(state.RegistryPath(cfg.Home))
	msgs := state.NewMessageState(state.MessageStatePath)

	driver := tmux.NewExecDriver(log.WithComponent("tmux"))
	inject := tmux.NewInjector(driver, log.WithComponent("inject"), metrics)
	manager := tasks.NewManager(cfgStore, registry, chatClient, driver, cfg.Home,
		log.WithComponent("tasks"), metrics)
	transcripts := transcript.NewManager(driver, cfg.Home, log.WithComponent("transcript"), metrics)
	router := route.NewRouter(cfgStore, registry, manager, chatClient, log.WithComponent("route"))
	orch := orchestrator.New(cfgStore, msgs, transcripts, router, chatClient,
		log.WithComponent("orchestrator"), metrics)
	cmds := commands.NewHandler(cfgStore, registry, msgs, chatClient, manager, inject, driver,
		log.WithComponent("commands"))
	dispatch := poller.NewDispatcher(cfgStore, registry, msgs, chatClient, cmds, manager,
		inject, transcripts, orch, log.WithComponent("poller"), metrics)

	return &Daemon{
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		cfgStore:    cfgStore,
		registry:    registry,
		msgs:        msgs,
		chat:        chatClient,
		driver:      driver,
		manager:     manager,
		transcripts: transcripts,
		orch:        orch,
		dispatch:    dispatch,
		poll:        poller.NewPoller(chatClient, log.WithComponent("poller")),
	}, nil
}

// Run acquires the pid lock, verifies tmux and the bot token, recovers
// state a previous daemon left behind, then drives the main loop until ctx
// ends. Returns nil on a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := Acquire(state.LockPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			d.log.Warn(ctx, "lockfile cleanup failed", "error", err)
		}
	}()

	ctx = observability.AddRunID(ctx, uuid.NewString())

	if err := tmux.Available(); err != nil {
		return err
	}
	me, err := d.chat.Me(ctx)
	if err != nil {
		return fmt.Errorf("bot token rejected: %w", err)
	}
	d.log.Info(ctx, "daemon starting", "bot", me.Username, "lock", lock.Path())

	if err := d.chat.RegisterCommands(ctx); err != nil {
		d.log.Warn(ctx, "command registration failed", "error", err)
	}

	d.recover(ctx)

	if err := state.WatchStores(ctx, d.log, d.cfgStore, d.registry, d.msgs); err != nil {
		d.log.Warn(ctx, "store watcher unavailable, relying on lazy reload", "error", err)
	}

	stopMetrics := d.serveMetrics(ctx)
	defer stopMetrics()

	// Cron only schedules; the sweep itself runs on the main loop so
	// every store mutation stays serial.
	sweep := make(chan struct{}, 1)
	cr := cron.New()
	if _, err := cr.AddFunc(sweepSchedule, func() {
		select {
		case sweep <- struct{}{}:
		default:
		}
	}); err != nil {
		return fmt.Errorf("schedule dead-pane sweep: %w", err)
	}
	cr.Start()
	defer cr.Stop()

	updates := make(chan *models.Update, updateBuffer)
	go d.poll.Run(ctx, updates)

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	discover := time.NewTicker(discoveryInterval)
	defer discover.Stop()

	d.transcripts.Discover(ctx)
	d.metrics.SetWatchers(d.transcripts.Count())
	d.log.Info(ctx, "daemon running", "watchers", d.transcripts.Count())

	for {
		select {
		case <-ctx.Done():
			d.log.Info(ctx, "daemon stopping")
			return nil

		case <-tick.C:
			d.orch.Tick(ctx)

		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			d.dispatch.Dispatch(ctx, upd)

		case <-discover.C:
			d.transcripts.Discover(ctx)
			d.metrics.SetWatchers(d.transcripts.Count())

		case <-sweep:
			d.sweepDead(ctx)
		}
	}
}

// recover reattaches what a previous daemon left behind: tasks whose
// sessions died while the daemon was down, and a watcher for every
// transcript the persisted message state still references, so prompts sent
// before the restart expire correctly.
func (d *Daemon) recover(ctx context.Context) {
	recovered, pending, err := d.manager.Recover(ctx)
	if err != nil {
		d.log.Warn(ctx, "task recovery failed", "error", err)
	} else if recovered > 0 || len(pending) > 0 {
		d.log.Info(ctx, "task recovery finished",
			"recovered", recovered, "pending", len(pending))
	}

	attached := 0
	for _, e := range d.msgs.Entries() {
		if e.TranscriptPath == "" || e.Handled {
			continue
		}
		d.transcripts.AttachFromState(ctx, e.Pane, e.Cwd, e.TranscriptPath)
		attached++
	}
	if attached > 0 {
		d.log.Info(ctx, "watchers reattached from message state", "count", attached)
	}
}

// sweepDead drops message-state entries whose pane is gone and refreshes
// the gauges.
func (d *Daemon) sweepDead(ctx context.Context) {
	removed, err := d.msgs.SweepDead(func(pane string) bool {
		return d.driver.PaneExists(ctx, pane)
	})
	if err != nil {
		d.log.Warn(ctx, "dead-pane sweep failed", "error", err)
	} else if removed > 0 {
		d.log.Info(ctx, "dead-pane entries swept", "count", removed)
	}

	active, paused := 0, 0
	for _, t := range d.registry.Tasks() {
		switch t.Status {
		case state.StatusActive:
			active++
		case state.StatusPaused:
			paused++
		}
	}
	d.metrics.SetTasks(active, paused)
	d.metrics.SetWatchers(d.transcripts.Count())
}

// serveMetrics exposes /metrics when enabled. A bind failure is logged,
// not fatal: the daemon's real work does not depend on it.
func (d *Daemon) serveMetrics(ctx context.Context) func() {
	if !d.cfg.Metrics.Enabled {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: d.cfg.Metrics.Listen, Handler: mux}
	go func() {
		d.log.Info(ctx, "metrics listening", "addr", d.cfg.Metrics.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Warn(ctx, "metrics server failed", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
