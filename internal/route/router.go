// Package route decides which forum topic an outbound notification
// belongs to, registering tasks on the fly for panes nobody spawned
// through the daemon.
package route

import (
	"context"
	"errors"

	"github.com/haasonsaas/claude-army/internal/chat"
	"github.com/haasonsaas/claude-army/internal/observability"
	"github.com/haasonsaas/claude-army/internal/state"
)

// ErrNotConfigured is returned until /setup has bound the daemon to a
// group; there is nowhere to route to.
var ErrNotConfigured = errors.New("route: no group configured")

// Registrar adopts unregistered panes into the task table. Implemented by
// the tasks manager.
type Registrar interface {
	// ImportMarker registers the task a completed marker describes.
	ImportMarker(ctx context.Context, dir string, m state.Marker, pane string) (state.Task, error)

	// AutoRegister creates a topic and task for a pane the daemon has
	// never seen.
	AutoRegister(ctx context.Context, pane, cwd string) (state.Task, error)
}

// Sender is the one chat call the router makes itself: the one-shot admin
// warning when topic creation is impossible.
type Sender interface {
	Send(ctx context.Context, dest chat.Destination, text string, opts *chat.SendOptions) (int, error)
}

const noTopicRightsWarning = "⚠️ Can't create topics (bot needs 'Manage Topics' admin right). Falling back to General."

// Router maps (pane, cwd) to a destination topic.
type Router struct {
	cfg    *state.ConfigStore
	reg    *state.Registry
	tasks  Registrar
	sender Sender
	log    *observability.Logger

	// warned gates the admin warning to once per process. The router
	// runs on the main loop only, so a plain bool is enough.
	warned bool
}

// NewRouter wires the routing chain.
func NewRouter(cfg *state.ConfigStore, reg *state.Registry, tasks Registrar, sender Sender, log *observability.Logger) *Router {
	return &Router{cfg: cfg, reg: reg, tasks: tasks, sender: sender, log: log}
}

// Route resolves the destination for output coming from a pane. The
// resolution order is: operator pane, hand-pinned mapping, registry,
// on-disk marker, auto-registration, and finally the general topic when a
// topic cannot be created.
func (r *Router) Route(ctx context.Context, pane, cwd string) (chat.Destination, error) {
	cfg := r.cfg.Snapshot()
	if !cfg.Configured() {
		return chat.Destination{}, ErrNotConfigured
	}
	general := chat.Destination{ChatID: cfg.GroupID, TopicID: cfg.GeneralTopicID}

	if pane != "" && pane == cfg.OperatorPane {
		return general, nil
	}

	if topic, ok := cfg.TopicFor(cwd); ok {
		return chat.Destination{ChatID: cfg.GroupID, TopicID: topic}, nil
	}

	if task, ok := r.reg.ByPath(cwd); ok {
		if pane != "" && task.Pane != pane {
			if err := r.reg.SetPane(task.Name, pane); err != nil {
				r.log.Warn(ctx, "pane update failed", "task", task.Name, "error", err)
			} else {
				r.log.Info(ctx, "task pane updated", "task", task.Name, "pane", pane)
			}
		}
		return chat.Destination{ChatID: cfg.GroupID, TopicID: task.TopicID}, nil
	}

	if m, err := state.ReadMarker(cwd); err == nil && m.Completed() {
		task, err := r.tasks.ImportMarker(ctx, cwd, m, pane)
		if err == nil {
			return chat.Destination{ChatID: cfg.GroupID, TopicID: task.TopicID}, nil
		}
		r.log.Warn(ctx, "marker import failed", "dir", cwd, "error", err)
	}

	task, err := r.tasks.AutoRegister(ctx, pane, cwd)
	if err == nil {
		return chat.Destination{ChatID: cfg.GroupID, TopicID: task.TopicID}, nil
	}

	r.log.Warn(ctx, "auto-registration failed, using general topic",
		"pane", pane, "cwd", cwd, "error", err)
	if errors.Is(err, chat.ErrNoTopicRights) && !r.warned {
		r.warned = true
		if _, werr := r.sender.Send(ctx, general, noTopicRightsWarning, &chat.SendOptions{Plain: true}); werr != nil {
			r.log.Warn(ctx, "admin warning send failed", "error", werr)
		}
	}
	return general, nil
}
