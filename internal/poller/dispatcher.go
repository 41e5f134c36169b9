package poller

import (
	"context"

	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/claude-army/internal/chat"
	"github.com/haasonsaas/claude-army/internal/observability"
	"github.com/haasonsaas/claude-army/internal/state"
	"github.com/haasonsaas/claude-army/internal/tmux"
)

// Chat is the slice of the chat client the dispatcher answers through.
type Chat interface {
	Send(ctx context.Context, dest chat.Destination, text string, opts *chat.SendOptions) (int, error)
	FinalizeButtons(ctx context.Context, chatID int64, messageID int, label string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	React(ctx context.Context, chatID int64, messageID int, emoji string) error
}

// Commands consumes slash commands and bare debug triggers.
type Commands interface {
	Handle(ctx context.Context, msg *models.Message) bool
}

// Tasks resurrects the panes inbound messages are forwarded to.
type Tasks interface {
	EnsureWorkerPane(ctx context.Context, name string) (string, error)
	OperatorPane(ctx context.Context) (string, error)
}

// Injector types into panes.
type Injector interface {
	SendInput(ctx context.Context, pane, text string) error
	SendPermission(ctx context.Context, pane string, answer tmux.Answer) error
	SendDialogText(ctx context.Context, pane, text string) error
}

// Transcripts is the transcript-file truth behind callback and reply
// decisions: whether a tool call already has a result, and which tool the
// pane's dialog is currently showing.
type Transcripts interface {
	ResultOnDisk(path, toolID string) bool
	PendingHead(path string) (string, bool)
}

// Expirer voids the rest of a pane's prompts after a deny.
type Expirer interface {
	ExpireBatch(ctx context.Context, pane string, deniedID int)
}

// Dispatcher applies one update to the daemon's state. Main-loop-only.
type Dispatcher struct {
	cfg         *state.ConfigStore
	reg         *state.Registry
	msgs        *state.MessageState
	chat        Chat
	commands    Commands
	tasks       Tasks
	inject      Injector
	transcripts Transcripts
	expirer     Expirer
	log         *observability.Logger
	metrics     *observability.Metrics
}

// NewDispatcher wires the update handling chain.
func NewDispatcher(cfg *state.ConfigStore, reg *state.Registry, msgs *state.MessageState,
	chatc Chat, commands Commands, tasks Tasks, inject Injector,
	transcripts Transcripts, expirer Expirer,
	log *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		reg:         reg,
		msgs:        msgs,
		chat:        chatc,
		commands:    commands,
		tasks:       tasks,
		inject:      inject,
		transcripts: transcripts,
		expirer:     expirer,
		log:         log,
		metrics:     metrics,
	}
}

// Dispatch routes one update. Update kinds the daemon does not act on are
// dropped silently.
func (d *Dispatcher) Dispatch(ctx context.Context, upd *models.Update) {
	switch {
	case upd.CallbackQuery != nil:
		d.metrics.UpdateReceived("callback")
		d.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		d.metrics.UpdateReceived("message")
		d.handleMessage(ctx, upd.Message)
	}
}

func (d *Dispatcher) toast(ctx context.Context, callbackID, text string) {
	if err := d.chat.AnswerCallback(ctx, callbackID, text); err != nil {
		d.log.Debug(ctx, "callback answer failed", "error", err)
	}
}

func (d *Dispatcher) finalize(ctx context.Context, chatID int64, messageID int, label string) {
	if err := d.chat.FinalizeButtons(ctx, chatID, messageID, label); err != nil {
		d.log.Warn(ctx, "button edit failed", "message_id", messageID, "error", err)
	}
}

func (d *Dispatcher) markHandled(ctx context.Context, messageID int) {
	if err := d.msgs.MarkHandled(messageID); err != nil {
		d.log.Warn(ctx, "message state update failed", "message_id", messageID, "error", err)
	}
}
