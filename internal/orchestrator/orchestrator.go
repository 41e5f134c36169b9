// Package orchestrator turns transcript events into chat notifications and
// keeps the sent-message table honest afterwards: prompts whose tool result
// lands quickly are deleted as noise, slow ones expire in place, idle texts
// that later grew a tool call are superseded, and a deny voids the rest of
// the pane's queued batch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/claude-army/internal/chat"
	"github.com/haasonsaas/claude-army/internal/observability"
	"github.com/haasonsaas/claude-army/internal/route"
	"github.com/haasonsaas/claude-army/internal/state"
	"github.com/haasonsaas/claude-army/internal/transcript"
)

const (
	// quickWindow: a tool result landing this soon after notification means
	// the human never had a chance to act, so the prompt is deleted rather
	// than expired in place.
	quickWindow = 4 * time.Second

	// supersedeWindow is the same two-branch policy for idle texts whose
	// assistant message turned out to carry a tool call after all.
	supersedeWindow = 4 * time.Second

	// typingFloor rate-limits typing indicators per destination. The
	// indicator lingers ~5s on the client side, so one per 4s reads as
	// continuous.
	typingFloor = 4 * time.Second
)

// Final button labels. The poller reuses LabelExpired when a prompt turns
// out to have been answered in the TUI before the button press arrived.
const (
	LabelExpired     = "⏰ Expired"
	LabelBatchDenied = "❌ Denied via batch denial"
)

// Transcripts is the watcher-manager surface the orchestrator polls.
type Transcripts interface {
	Check() transcript.Result
	ResultSeen(path, toolID string) bool
	ToolUseMsgSeen(path, msgID string) bool
}

// Router resolves the chat destination for output originating from a pane.
type Router interface {
	Route(ctx context.Context, pane, cwd string) (chat.Destination, error)
}

// Chat is the slice of the chat client the orchestrator drives.
type Chat interface {
	Send(ctx context.Context, dest chat.Destination, text string, opts *chat.SendOptions) (int, error)
	Delete(ctx context.Context, chatID int64, messageID int) error
	FinalizeButtons(ctx context.Context, chatID int64, messageID int, label string) error
	Typing(ctx context.Context, dest chat.Destination) error
}

// Orchestrator applies the notification policy each tick. It runs on the
// daemon's main loop only; nothing here locks.
type Orchestrator struct {
	cfg         *state.ConfigStore
	msgs        *state.MessageState
	transcripts Transcripts
	router      Router
	chat        Chat
	log         *observability.Logger
	metrics     *observability.Metrics

	now      func() time.Time
	typingAt map[chat.Destination]time.Time
}

// New wires the orchestrator. All collaborators must be non-nil.
func New(cfg *state.ConfigStore, msgs *state.MessageState, transcripts Transcripts, router Router, chatc Chat, log *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		msgs:        msgs,
		transcripts: transcripts,
		router:      router,
		chat:        chatc,
		log:         log,
		metrics:     metrics,
		now:         time.Now,
		typingAt:    map[chat.Destination]time.Time{},
	}
}

// Tick drains newly detected transcript events, announces them, and then
// sweeps the message table for completions, supersessions, and stale
// notifications.
func (o *Orchestrator) Tick(ctx context.Context) {
	start := o.now()
	res := o.transcripts.Check()

	for _, pt := range res.Tools {
		o.announceTool(ctx, pt)
	}
	for _, c := range res.Compactions {
		o.announceCompaction(ctx, c)
	}
	for _, idle := range res.Idles {
		o.announceIdle(ctx, idle)
	}
	for _, a := range res.Activity {
		o.signalActivity(ctx, a)
	}

	o.sweep(ctx)
	o.metrics.ObserveTick(o.now().Sub(start).Seconds())
}

func (o *Orchestrator) announceTool(ctx context.Context, pt transcript.PendingTool) {
	dest, ok := o.route(ctx, pt.Pane, pt.Cwd)
	if !ok {
		return
	}
	text := chat.FormatPermissionMessage(pt.AssistantText, pt.ToolName, pt.Input)
	msgID, err := o.chat.Send(ctx, dest, text, &chat.SendOptions{Markup: chat.PermissionKeyboard()})
	if err != nil {
		o.log.Warn(ctx, "permission prompt send failed",
			"pane", pt.Pane, "tool", pt.ToolName, "error", err)
		return
	}
	entry := state.Entry{
		Kind:           state.KindPermission,
		Pane:           pt.Pane,
		Cwd:            pt.Cwd,
		TranscriptPath: pt.TranscriptPath,
		NotifiedAt:     o.now(),
		ToolUseID:      pt.ToolUseID,
		ToolName:       pt.ToolName,
	}
	if err := o.msgs.Put(msgID, entry); err != nil {
		o.log.Warn(ctx, "message state write failed", "message_id", msgID, "error", err)
	}
	o.metrics.NotificationSent("permission_prompt")
	o.log.Info(ctx, "permission prompt sent",
		"pane", pt.Pane, "tool", pt.ToolName, "tool_use_id", pt.ToolUseID, "message_id", msgID)
}

func (o *Orchestrator) announceCompaction(ctx context.Context, c transcript.Compaction) {
	dest, ok := o.route(ctx, c.Pane, c.Cwd)
	if !ok {
		return
	}
	trigger := c.Trigger
	if trigger == "" {
		trigger = "auto"
	}
	text := fmt.Sprintf("🔄 Compacting context (%s)...", trigger)
	if c.PreTokens > 0 {
		text += fmt.Sprintf(", %d tokens", c.PreTokens)
	}
	if _, err := o.chat.Send(ctx, dest, text, &chat.SendOptions{Plain: true}); err != nil {
		o.log.Warn(ctx, "compaction notice failed", "pane", c.Pane, "error", err)
		return
	}
	o.metrics.NotificationSent("compaction")
}

func (o *Orchestrator) announceIdle(ctx context.Context, idle transcript.Idle) {
	dest, ok := o.route(ctx, idle.Pane, idle.Cwd)
	if !ok {
		return
	}
	msgID, err := o.chat.Send(ctx, dest, chat.EscapeOutsideCode(idle.Text), nil)
	if err != nil {
		o.log.Warn(ctx, "idle notification failed", "pane", idle.Pane, "error", err)
		return
	}
	entry := state.Entry{
		Kind:           state.KindIdle,
		Pane:           idle.Pane,
		Cwd:            idle.Cwd,
		TranscriptPath: idle.TranscriptPath,
		NotifiedAt:     o.now(),
		ClaudeMsgID:    idle.ClaudeMsgID,
	}
	if err := o.msgs.Put(msgID, entry); err != nil {
		o.log.Warn(ctx, "message state write failed", "message_id", msgID, "error", err)
	}
	o.metrics.NotificationSent("idle")
	o.log.Info(ctx, "idle notified", "pane", idle.Pane, "message_id", msgID)
}

// signalActivity sends a typing indicator. The indicator auto-dismisses when
// the next real message arrives, so a thinking agent reads as "still
// working" with no cleanup needed.
func (o *Orchestrator) signalActivity(ctx context.Context, a transcript.Activity) {
	dest, ok := o.route(ctx, a.Pane, a.Cwd)
	if !ok {
		return
	}
	now := o.now()
	if last, seen := o.typingAt[dest]; seen && now.Sub(last) < typingFloor {
		return
	}
	o.typingAt[dest] = now
	if err := o.chat.Typing(ctx, dest); err != nil {
		o.log.Debug(ctx, "typing indicator failed", "pane", a.Pane, "error", err)
	}
}

func (o *Orchestrator) route(ctx context.Context, pane, cwd string) (chat.Destination, bool) {
	dest, err := o.router.Route(ctx, pane, cwd)
	if err != nil {
		if errors.Is(err, route.ErrNotConfigured) {
			o.log.Debug(ctx, "event dropped, not configured", "pane", pane)
		} else {
			o.log.Warn(ctx, "routing failed, event dropped",
				"pane", pane, "cwd", cwd, "error", err)
		}
		return chat.Destination{}, false
	}
	return dest, true
}
