package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/claude-army/internal/chat"
	"github.com/haasonsaas/claude-army/internal/state"
)

// ReplyContext summarizes the message msg replies to: id, sender, time, up
// to 500 characters of text, and the tracked state line when the daemon
// sent the original. Empty when msg is not a reply. Shared by the operator
// prompts and the poller's forwarding header.
func ReplyContext(msg *models.Message, msgs *state.MessageState) string {
	reply := msg.ReplyToMessage
	if reply == nil {
		return ""
	}

	text := reply.Text
	if len(text) > 500 {
		text = strings.ToValidUTF8(text[:500], "")
	}
	from := "Unknown"
	if reply.From != nil && reply.From.FirstName != "" {
		from = reply.From.FirstName
	}
	ts := "?"
	if reply.Date != 0 {
		ts = time.Unix(int64(reply.Date), 0).Format("15:04:05")
	}

	out := fmt.Sprintf("[Replying to msg_id=%d from %s at %s]\n%s", reply.ID, from, ts, text)
	if e, ok := msgs.Get(reply.ID); ok {
		out += fmt.Sprintf("\nState: type=%s, pane=%s", e.Kind, e.Pane)
	}
	return out
}

// Operator prompts are typed straight into a terminal, so they use ASCII
// banners rather than chat markup.
var (
	bannerBar  = strings.Repeat("=", 40)
	sectionBar = strings.Repeat("-", 40)
)

// CleanupPrompt renders the instruction block /cleanup forwards to the
// operator for one task.
func CleanupPrompt(t state.Task) string {
	lines := []string{
		bannerBar,
		"CLEANUP REQUEST",
		bannerBar,
		"",
		"Task: " + t.Name,
		"Type: " + string(t.Flavor),
		"Path: " + t.Path,
		"Topic ID: " + strconv.Itoa(t.TopicID),
		"Status: " + string(t.Status),
		"",
		sectionBar,
		"Please clean up this task:",
		"1. Stop the tmux session if running",
		"2. Close the Telegram topic",
		"3. Remove from registry",
		"4. For worktrees: delete the worktree directory",
		"5. For sessions: just remove the marker file",
		"",
		fmt.Sprintf("Use: claude-army task cleanup '%s'", t.Name),
		sectionBar,
	}
	return strings.Join(lines, "\n")
}

// TodoPrompt renders the /todo forward: the request plus whatever task and
// reply context the daemon can attach.
func TodoPrompt(request string, task *state.Task, replyCtx string) string {
	lines := []string{bannerBar, "NEW TODO ITEM", bannerBar, ""}

	if task != nil {
		lines = append(lines,
			"From task: "+task.Name,
			"Registry: "+taskJSON(*task),
			"")
	}
	if replyCtx != "" {
		lines = append(lines, "Context:", replyCtx, "")
	}

	lines = append(lines,
		"Request: "+request,
		"",
		sectionBar,
		"Please investigate this in the relevant repo/codebase.",
		"Gather context, understand the issue, and either:",
		"  1. Handle it yourself if simple",
		"  2. Spawn/delegate to a worker with clear instructions",
		"  3. Ask clarifying questions if needed",
		sectionBar)
	return strings.Join(lines, "\n")
}

// SpawnPrompt renders the /spawn forward asking the operator to launch a
// new worker for the given description.
func SpawnPrompt(desc string, task *state.Task, replyCtx string) string {
	lines := []string{bannerBar, "SPAWN REQUEST", bannerBar, ""}

	if task != nil {
		lines = append(lines, "From task: "+task.Name)
	} else {
		lines = append(lines, "From: General")
	}
	lines = append(lines, "Description: "+desc, "")

	if replyCtx != "" {
		lines = append(lines, "Context:", replyCtx, "")
	}

	lines = append(lines,
		sectionBar,
		"Please pick a repo and a short task name, then spawn a worker:",
		"  claude-army task spawn --repo <repo> <name> '<description>'",
		"or, for an existing directory:",
		"  claude-army task spawn --dir <dir> <name> '<description>'",
		sectionBar)
	return strings.Join(lines, "\n")
}

// DebugDump renders the /debug report for a replied-to message: metadata, a
// text preview, and the tracked state entry when one exists. The output is
// MarkdownV2.
func DebugDump(reply *models.Message, entry *state.Entry) string {
	from, fromID := "?", "?"
	if reply.From != nil {
		if reply.From.FirstName != "" {
			from = reply.From.FirstName
		}
		fromID = strconv.FormatInt(reply.From.ID, 10)
	}

	lines := []string{
		"*" + chat.EscapeMarkdownV2(fmt.Sprintf("Debug: msg_id=%d", reply.ID)) + "*",
		chat.EscapeMarkdownV2(fmt.Sprintf("From: %s (id=%s)", from, fromID)),
		chat.EscapeMarkdownV2(fmt.Sprintf("Date: %d", reply.Date)),
	}
	if reply.Text != "" {
		lines = append(lines, chat.EscapeMarkdownV2("Text: "+preview(reply.Text, 100)))
	}

	if entry != nil {
		raw, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			raw = fmt.Appendf(nil, "%+v", *entry)
		}
		lines = append(lines, "", "*State:*", "```\n"+chat.SanitizeFence(string(raw))+"\n```")
	} else {
		lines = append(lines, "", "_No state tracked for this message_")
	}
	return strings.Join(lines, "\n")
}

func taskJSON(t state.Task) string {
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", t)
	}
	return string(raw)
}

// preview truncates text for single-line display, cutting on a rune
// boundary.
func preview(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return strings.ToValidUTF8(text[:max], "") + "..."
}
