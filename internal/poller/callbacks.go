package poller

import (
	"context"

	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/claude-army/internal/orchestrator"
	"github.com/haasonsaas/claude-army/internal/state"
	"github.com/haasonsaas/claude-army/internal/tmux"
)

// handleCallback resolves a button press against the message table and, for
// permission prompts, drives the TUI dialog. Every press is answered with a
// toast so the client's loading spinner always clears.
func (d *Dispatcher) handleCallback(ctx context.Context, cb *models.CallbackQuery) {
	chatID, msgID, ok := callbackMessage(cb)
	if !ok {
		// Message too old for the service to include: nothing to resolve.
		d.toast(ctx, cb.ID, "Already handled")
		return
	}
	d.log.Debug(ctx, "callback received", "data", cb.Data, "message_id", msgID)

	// "_" is the data every finalized button carries.
	if cb.Data == "_" {
		d.toast(ctx, cb.ID, "Already handled")
		return
	}

	entry, ok := d.msgs.Get(msgID)
	if !ok {
		d.toast(ctx, cb.ID, "Session not found")
		return
	}
	if entry.Handled {
		d.toast(ctx, cb.ID, "Already handled")
		return
	}

	// Stale check for non-permission messages only: the agent legitimately
	// queues several permission prompts at once.
	if entry.Kind != state.KindPermission && d.stale(msgID, entry.Pane) {
		d.toast(ctx, cb.ID, "Stale prompt")
		d.finalize(ctx, chatID, msgID, orchestrator.LabelExpired)
		d.markHandled(ctx, msgID)
		return
	}

	// The tool may have been answered at the terminal while the prompt sat
	// in chat.
	if entry.Kind == state.KindPermission && entry.ToolUseID != "" &&
		d.transcripts.ResultOnDisk(entry.TranscriptPath, entry.ToolUseID) {
		d.toast(ctx, cb.ID, "Already handled in TUI")
		d.finalize(ctx, chatID, msgID, orchestrator.LabelExpired)
		d.markHandled(ctx, msgID)
		return
	}

	switch cb.Data {
	case "y", "n", "a":
		d.answerPermission(ctx, cb.ID, chatID, msgID, entry, tmux.Answer(cb.Data))
	default:
		d.literalSend(ctx, cb.ID, entry.Pane, cb.Data)
	}
}

func (d *Dispatcher) answerPermission(ctx context.Context, callbackID string, chatID int64, msgID int, e state.Entry, answer tmux.Answer) {
	if e.Kind != state.KindPermission {
		d.toast(ctx, callbackID, "No active prompt")
		return
	}

	if err := d.inject.SendPermission(ctx, e.Pane, answer); err != nil {
		d.log.Warn(ctx, "permission injection failed", "pane", e.Pane, "error", err)
		d.toast(ctx, callbackID, "Failed: pane dead")
		d.markHandled(ctx, msgID)
		return
	}

	d.toast(ctx, callbackID, answerToast(answer, e.ToolName))
	d.finalize(ctx, chatID, msgID, answerLabel(answer))
	d.markHandled(ctx, msgID)
	if answer == tmux.AnswerNo {
		d.expirer.ExpireBatch(ctx, e.Pane, msgID)
	}
	d.log.Info(ctx, "permission answered",
		"pane", e.Pane, "answer", string(answer), "tool", e.ToolName, "message_id", msgID)
}

// literalSend types arbitrary button data into the pane; used by buttons on
// messages the operator composes itself.
func (d *Dispatcher) literalSend(ctx context.Context, callbackID, pane, data string) {
	if err := d.inject.SendInput(ctx, pane, data); err != nil {
		d.log.Warn(ctx, "callback input failed", "pane", pane, "error", err)
		d.toast(ctx, callbackID, "Failed")
		return
	}
	d.toast(ctx, callbackID, "Sent: "+data)
}

// stale reports whether any newer tracked message exists for the pane.
func (d *Dispatcher) stale(msgID int, pane string) bool {
	latest := 0
	for id, e := range d.msgs.Entries() {
		if e.Pane == pane && id > latest {
			latest = id
		}
	}
	return msgID < latest
}

func answerToast(a tmux.Answer, toolName string) string {
	switch a {
	case tmux.AnswerYes:
		return "Allowed"
	case tmux.AnswerAlways:
		if toolName != "" {
			return "Always: " + toolName
		}
		return "Always allowed"
	default:
		return "Denied"
	}
}

func answerLabel(a tmux.Answer) string {
	switch a {
	case tmux.AnswerYes:
		return "✓ Allowed"
	case tmux.AnswerAlways:
		return "✓ Always"
	default:
		return "❌ Denied"
	}
}

// callbackMessage digs the chat and message ids out of the callback, which
// carries either a full message or an inaccessible stub.
func callbackMessage(cb *models.CallbackQuery) (int64, int, bool) {
	switch {
	case cb.Message.Message != nil:
		return cb.Message.Message.Chat.ID, cb.Message.Message.ID, true
	case cb.Message.InaccessibleMessage != nil:
		return cb.Message.InaccessibleMessage.Chat.ID, cb.Message.InaccessibleMessage.MessageID, true
	}
	return 0, 0, false
}
