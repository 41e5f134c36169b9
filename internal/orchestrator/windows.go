package orchestrator

import (
	"context"
	"time"

	"github.com/haasonsaas/claude-army/internal/state"
)

// sweep walks the message table and applies the completion, supersession,
// and staleness policies.
func (o *Orchestrator) sweep(ctx context.Context) {
	cfg := o.cfg.Snapshot()
	if !cfg.Configured() {
		return
	}
	now := o.now()
	for msgID, e := range o.msgs.Entries() {
		switch {
		case e.Kind == state.KindPermission && !e.Handled && e.ToolUseID != "" &&
			o.transcripts.ResultSeen(e.TranscriptPath, e.ToolUseID):
			o.resolveCompleted(ctx, cfg.GroupID, msgID, e, now)

		case e.Kind == state.KindIdle && !e.Handled && !e.Superseded && e.ClaudeMsgID != "" &&
			o.transcripts.ToolUseMsgSeen(e.TranscriptPath, e.ClaudeMsgID):
			o.resolveSuperseded(ctx, cfg.GroupID, msgID, e, now)

		case e.Kind != state.KindPermission && !e.Handled &&
			msgID < o.msgs.MaxUnhandledID(e.Pane):
			o.expireStale(ctx, cfg.GroupID, msgID, e)
		}
	}
}

// resolveCompleted handles a permission prompt whose tool result appeared in
// the transcript. Quick completions were auto-approved or answered in the
// TUI before anyone could read the prompt; deleting them keeps the topic
// clean. Slow ones stay visible as context with their buttons disarmed.
func (o *Orchestrator) resolveCompleted(ctx context.Context, chatID int64, msgID int, e state.Entry, now time.Time) {
	if now.Sub(e.NotifiedAt) < quickWindow {
		if err := o.chat.Delete(ctx, chatID, msgID); err != nil {
			o.log.Warn(ctx, "quick-completion delete failed", "message_id", msgID, "error", err)
		}
		if err := o.msgs.Remove(msgID); err != nil {
			o.log.Warn(ctx, "message state remove failed", "message_id", msgID, "error", err)
		}
		o.log.Info(ctx, "prompt deleted, tool completed quickly",
			"pane", e.Pane, "tool", e.ToolName, "message_id", msgID)
		return
	}
	if err := o.chat.FinalizeButtons(ctx, chatID, msgID, LabelExpired); err != nil {
		o.log.Warn(ctx, "expire edit failed", "message_id", msgID, "error", err)
	}
	if err := o.msgs.MarkHandled(msgID); err != nil {
		o.log.Warn(ctx, "message state update failed", "message_id", msgID, "error", err)
	}
	o.log.Info(ctx, "prompt expired, tool completed in TUI",
		"pane", e.Pane, "tool", e.ToolName, "message_id", msgID)
}

// resolveSuperseded handles an idle notification whose assistant message
// grew a tool call in a later snapshot: the "idle" was the stream catching
// up, not the agent stopping.
func (o *Orchestrator) resolveSuperseded(ctx context.Context, chatID int64, msgID int, e state.Entry, now time.Time) {
	if now.Sub(e.NotifiedAt) < supersedeWindow {
		if err := o.chat.Delete(ctx, chatID, msgID); err != nil {
			o.log.Warn(ctx, "superseded-idle delete failed", "message_id", msgID, "error", err)
		}
		if err := o.msgs.Remove(msgID); err != nil {
			o.log.Warn(ctx, "message state remove failed", "message_id", msgID, "error", err)
		}
		o.log.Info(ctx, "idle deleted, agent kept working", "pane", e.Pane, "message_id", msgID)
		return
	}
	if err := o.msgs.MarkSuperseded(msgID); err != nil {
		o.log.Warn(ctx, "message state update failed", "message_id", msgID, "error", err)
	}
	o.log.Debug(ctx, "idle superseded, left visible", "pane", e.Pane, "message_id", msgID)
}

// expireStale disarms a non-permission notification that a newer one on the
// same pane has overtaken. Permission prompts never expire on id order
// alone: the agent legitimately queues several at once.
func (o *Orchestrator) expireStale(ctx context.Context, chatID int64, msgID int, e state.Entry) {
	if err := o.chat.FinalizeButtons(ctx, chatID, msgID, LabelExpired); err != nil {
		o.log.Debug(ctx, "stale expire edit failed", "message_id", msgID, "error", err)
	}
	if err := o.msgs.MarkHandled(msgID); err != nil {
		o.log.Warn(ctx, "message state update failed", "message_id", msgID, "error", err)
	}
	o.log.Debug(ctx, "stale notification expired", "pane", e.Pane, "message_id", msgID)
}

// ExpireBatch finalizes every other unhandled permission prompt on a pane
// after one was denied. The TUI aborts the whole queued batch on a deny, so
// those buttons can never produce a valid response again.
func (o *Orchestrator) ExpireBatch(ctx context.Context, pane string, deniedID int) {
	cfg := o.cfg.Snapshot()
	if !cfg.Configured() {
		return
	}
	for msgID, e := range o.msgs.Entries() {
		if msgID == deniedID || e.Pane != pane || e.Handled || e.Kind != state.KindPermission {
			continue
		}
		if err := o.chat.FinalizeButtons(ctx, cfg.GroupID, msgID, LabelBatchDenied); err != nil {
			o.log.Warn(ctx, "batch denial edit failed", "message_id", msgID, "error", err)
		}
		if err := o.msgs.MarkHandled(msgID); err != nil {
			o.log.Warn(ctx, "message state update failed", "message_id", msgID, "error", err)
		}
		o.log.Info(ctx, "prompt voided by batch denial", "pane", pane, "message_id", msgID)
	}
}
