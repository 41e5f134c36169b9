package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/claude-army/internal/chat"
	"github.com/haasonsaas/claude-army/internal/commands"
	"github.com/haasonsaas/claude-army/internal/state"
	"github.com/haasonsaas/claude-army/internal/tasks"
)

// handleMessage routes an inbound text message: commands first, then direct
// chats and the general topic to the operator, replies to tracked
// notifications to their pane, and task topics to their worker.
func (d *Dispatcher) handleMessage(ctx context.Context, msg *models.Message) {
	if d.commands.Handle(ctx, msg) {
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		return
	}

	if msg.Chat.Type == "private" {
		d.forwardToOperator(ctx, msg)
		return
	}

	cfg := d.cfg.Snapshot()
	if !cfg.Configured() || msg.Chat.ID != cfg.GroupID {
		d.log.Debug(ctx, "message ignored, not the configured group", "chat_id", msg.Chat.ID)
		return
	}

	if msg.MessageThreadID <= chat.GeneralTopicID {
		d.forwardToOperator(ctx, msg)
		return
	}

	if parent := msg.ReplyToMessage; parent != nil {
		if entry, ok := d.msgs.Get(parent.ID); ok && entry.Pane != "" {
			d.replyToTracked(ctx, msg, parent.ID, entry)
			return
		}
	}

	task, ok := d.reg.ByTopic(msg.MessageThreadID)
	if !ok {
		d.log.Debug(ctx, "message in unmapped topic", "topic_id", msg.MessageThreadID)
		return
	}
	d.forwardToTask(ctx, msg, task)
}

// replyToTracked handles a reply to a message the daemon sent. The parent's
// transcript is the truth about what the pane's dialog is showing: when the
// parent is that prompt, the text goes down the dialog's "tell the agent"
// option; a different pending tool blocks the reply (injecting would answer
// the wrong question, even for a prompt the daemon never announced);
// everything else is plain input.
func (d *Dispatcher) replyToTracked(ctx context.Context, msg *models.Message, parentID int, e state.Entry) {
	headTool, pending := d.transcripts.PendingHead(e.TranscriptPath)
	switch {
	case pending && e.ToolUseID != "" && headTool == e.ToolUseID:
		// The dialog buffer must contain exactly the reply, no header.
		if err := d.inject.SendDialogText(ctx, e.Pane, msg.Text); err != nil {
			d.log.Warn(ctx, "dialog reply failed", "pane", e.Pane, "error", err)
			d.replyPlain(ctx, msg, "Failed: pane dead")
			return
		}
		d.finalize(ctx, msg.Chat.ID, parentID, "💬 Replied")
		d.markHandled(ctx, parentID)
		d.react(ctx, msg)
		d.log.Info(ctx, "dialog reply sent", "pane", e.Pane, "message_id", parentID)

	case pending:
		d.log.Info(ctx, "reply blocked by pending prompt",
			"pane", e.Pane, "pending_tool", headTool, "message_id", parentID)
		d.replyPlain(ctx, msg, "⚠️ Ignored: there's a pending permission prompt. Please respond to that first.")

	case e.Kind == state.KindPermission && !e.Handled && e.ToolUseID != "" &&
		d.transcripts.ResultOnDisk(e.TranscriptPath, e.ToolUseID):
		// Answered at the terminal already; nothing left to inject.
		d.finalize(ctx, msg.Chat.ID, parentID, "Already handled in TUI")
		d.markHandled(ctx, parentID)

	default:
		d.forwardToPane(ctx, msg, e.Pane)
	}
}

func (d *Dispatcher) forwardToOperator(ctx context.Context, msg *models.Message) {
	pane, err := d.tasks.OperatorPane(ctx)
	if err != nil {
		d.log.Warn(ctx, "operator unavailable", "error", err)
		d.replyPlain(ctx, msg, "Operator not available")
		return
	}
	d.forwardToPane(ctx, msg, pane)
}

func (d *Dispatcher) forwardToTask(ctx context.Context, msg *models.Message, task state.Task) {
	pane, err := d.tasks.EnsureWorkerPane(ctx, task.Name)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskPaused) {
			d.replyPlain(ctx, msg, fmt.Sprintf("⏸️ Task %s is paused. Resume it to continue.", task.Name))
			return
		}
		d.log.Warn(ctx, "worker pane unavailable", "task", task.Name, "error", err)
		d.replyPlain(ctx, msg, fmt.Sprintf("Failed to reach task '%s': %s", task.Name, err))
		return
	}
	d.forwardToPane(ctx, msg, pane)
}

// forwardToPane injects the message as plain input with a provenance
// header, then reacts 👀 so the sender knows it landed.
func (d *Dispatcher) forwardToPane(ctx context.Context, msg *models.Message, pane string) {
	if err := d.inject.SendInput(ctx, pane, d.provenance(msg)+msg.Text); err != nil {
		d.log.Warn(ctx, "input injection failed", "pane", pane, "error", err)
		d.replyPlain(ctx, msg, "Failed: pane dead")
		return
	}
	d.react(ctx, msg)
	d.log.Info(ctx, "message forwarded", "pane", pane, "message_id", msg.ID)
}

// provenance identifies the chat-side origin of forwarded input, including
// the parent message when the input was a reply.
func (d *Dispatcher) provenance(msg *models.Message) string {
	from := "Unknown"
	if msg.From != nil && msg.From.FirstName != "" {
		from = msg.From.FirstName
	}
	header := fmt.Sprintf("[Telegram msg_id=%d from %s]", msg.ID, from)
	if rc := commands.ReplyContext(msg, d.msgs); rc != "" {
		header += "\n" + rc
	}
	return header + "\n"
}

func (d *Dispatcher) replyPlain(ctx context.Context, msg *models.Message, text string) {
	dest := chat.Destination{ChatID: msg.Chat.ID, TopicID: msg.MessageThreadID}
	if _, err := d.chat.Send(ctx, dest, text, &chat.SendOptions{ReplyTo: msg.ID, Plain: true}); err != nil {
		d.log.Warn(ctx, "reply failed", "message_id", msg.ID, "error", err)
	}
}

func (d *Dispatcher) react(ctx context.Context, msg *models.Message) {
	if err := d.chat.React(ctx, msg.Chat.ID, msg.ID, chat.ReactionSeen); err != nil {
		d.log.Debug(ctx, "reaction failed", "message_id", msg.ID, "error", err)
	}
}
