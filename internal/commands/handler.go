// Package commands implements the slash commands the daemon answers in its
// Telegram group: group setup and reset, task status and recovery, debug
// dumps, pane diagnostics, and the rich prompts forwarded to the operator
// agent (/todo, /spawn, /cleanup).
package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/claude-army/internal/chat"
	"github.com/haasonsaas/claude-army/internal/observability"
	"github.com/haasonsaas/claude-army/internal/state"
	"github.com/haasonsaas/claude-army/internal/tmux"
)

// Chat is the messaging surface commands reply through.
type Chat interface {
	Send(ctx context.Context, dest chat.Destination, text string, opts *chat.SendOptions) (int, error)
	Typing(ctx context.Context, dest chat.Destination) error
	IsForum(ctx context.Context, chatID int64) (bool, error)
}

// Lifecycle is the slice of the task manager the commands drive.
type Lifecycle interface {
	StartOperator(ctx context.Context) (string, error)
	StopOperator(ctx context.Context) error
	OperatorPane(ctx context.Context) (string, error)
	Recover(ctx context.Context) (int, []string, error)
}

// Injector forwards operator prompts into a pane.
type Injector interface {
	SendInput(ctx context.Context, pane, text string) error
}

// Tmux is the multiplexer surface behind the diagnostics commands.
type Tmux interface {
	ListPanes(ctx context.Context) ([]tmux.Pane, error)
	Capture(ctx context.Context, pane string, lines int) (string, error)
}

// showLines is how much scrollback /show captures.
const showLines = 50

// Handler dispatches slash commands.
type Handler struct {
	cfg    *state.ConfigStore
	reg    *state.Registry
	msgs   *state.MessageState
	chat   Chat
	tasks  Lifecycle
	inject Injector
	tmux   Tmux
	log    *observability.Logger
}

// NewHandler wires the command surface.
func NewHandler(cfg *state.ConfigStore, reg *state.Registry, msgs *state.MessageState,
	chatc Chat, tasks Lifecycle, inject Injector, tm Tmux, log *observability.Logger) *Handler {
	return &Handler{cfg: cfg, reg: reg, msgs: msgs, chat: chatc, tasks: tasks, inject: inject, tmux: tm, log: log}
}

// Handle dispatches a message if it is a command (or a bare debug trigger)
// and reports whether it consumed the message. Unknown commands are left to
// the regular message routing.
func (h *Handler) Handle(ctx context.Context, msg *models.Message) bool {
	cmd, ok := Parse(msg.Text)
	if !ok {
		if IsDebugTrigger(msg) {
			h.debug(ctx, msg)
			return true
		}
		return false
	}

	h.log.Debug(ctx, "command received",
		"name", cmd.Name, "chat_id", msg.Chat.ID, "topic_id", msg.MessageThreadID)

	switch cmd.Name {
	case "todo":
		h.todo(ctx, msg, cmd.Args)
	case "debug":
		h.debug(ctx, msg)
	case "setup":
		h.setup(ctx, msg)
	case "reset":
		h.reset(ctx, msg)
	case "help":
		h.help(ctx, msg)
	case "status":
		h.status(ctx, msg)
	case "recover", "rebuild-registry":
		h.recover(ctx, msg)
	case "cleanup":
		h.cleanup(ctx, msg, cmd.Args)
	case "spawn":
		h.spawn(ctx, msg, cmd.Args)
	case "tmux":
		h.tmuxPanes(ctx, msg)
	case "show":
		h.show(ctx, msg)
	default:
		return false
	}
	return true
}

const setupInstructions = "To set up Claude Army:\n\n" +
	"1. Create a new Telegram group\n" +
	"2. Add this bot to the group as admin\n" +
	"3. Open group settings -> Topics -> Enable\n" +
	"4. Run /setup in the group"

const enableTopicsInstructions = "This group needs to be a Forum (supergroup with topics enabled).\n\n" +
	"To enable:\n" +
	"1. Open group settings\n" +
	"2. Go to 'Topics'\n" +
	"3. Enable topics\n\n" +
	"Then run /setup again."

const setupDone = "Claude Army initialized!\n\n" +
	"Operator Claude is running. Send messages here to interact.\n\n" +
	"Use /help to see available commands."

const setupNoOperator = "Claude Army configured, but failed to start Operator session.\n" +
	"Check tmux availability."

func (h *Handler) setup(ctx context.Context, msg *models.Message) {
	h.log.Info(ctx, "setup requested", "chat_id", msg.Chat.ID, "type", msg.Chat.Type)

	if t := msg.Chat.Type; t != "group" && t != "supergroup" {
		h.reply(ctx, msg, setupInstructions)
		return
	}

	cfg := h.cfg.Snapshot()
	if cfg.Configured() {
		if cfg.GroupID != msg.Chat.ID {
			h.reply(ctx, msg, fmt.Sprintf(
				"Already configured for another group (ID: %d). Run /reset in that group first.", cfg.GroupID))
			return
		}
		h.reply(ctx, msg, "Already set up in this group.")
		return
	}

	forum, err := h.chat.IsForum(ctx, msg.Chat.ID)
	if err != nil {
		h.log.Warn(ctx, "forum check failed", "chat_id", msg.Chat.ID, "error", err)
	}
	if !forum {
		h.reply(ctx, msg, enableTopicsInstructions)
		return
	}

	if err := h.cfg.SetGroup(msg.Chat.ID, chat.GeneralTopicID); err != nil {
		h.log.Error(ctx, "config write failed", "error", err)
		h.reply(ctx, msg, "Failed to save configuration.")
		return
	}

	if _, err := h.tasks.StartOperator(ctx); err != nil {
		h.log.Warn(ctx, "operator start failed", "error", err)
		h.reply(ctx, msg, setupNoOperator)
		return
	}

	h.reply(ctx, msg, setupDone)
	h.log.Info(ctx, "setup complete", "group_id", msg.Chat.ID)
}

func (h *Handler) reset(ctx context.Context, msg *models.Message) {
	cfg := h.cfg.Snapshot()
	if !cfg.Configured() {
		h.reply(ctx, msg, "Claude Army is not configured.")
		return
	}
	if cfg.GroupID != msg.Chat.ID {
		h.reply(ctx, msg, "Claude Army is configured for a different group. Run /reset in that group.")
		return
	}

	if err := h.tasks.StopOperator(ctx); err != nil {
		h.log.Warn(ctx, "operator stop failed", "error", err)
	}
	if err := h.cfg.Reset(); err != nil {
		h.log.Error(ctx, "config reset failed", "error", err)
		h.reply(ctx, msg, "Failed to clear configuration.")
		return
	}

	h.reply(ctx, msg, "Claude Army configuration cleared. You can run /setup in any group to reconfigure.")
	h.log.Info(ctx, "reset complete", "group_id", msg.Chat.ID)
}

func (h *Handler) status(ctx context.Context, msg *models.Message) {
	if !h.cfg.Snapshot().Configured() {
		h.reply(ctx, msg, "Claude Army not configured. Run /setup first.")
		return
	}

	tasks := h.reg.Tasks()
	if len(tasks) == 0 {
		h.reply(ctx, msg, "No active tasks.")
		return
	}

	lines := []string{"*Task Status*\n"}
	for _, t := range tasks {
		lines = append(lines, statusLine(t))
	}
	h.replyMarkdown(ctx, msg, strings.Join(lines, "\n"))
}

// statusLine renders one /status row: status emoji, flavor emoji, name in a
// code span, status in parentheses.
func statusLine(t state.Task) string {
	emoji := "❓"
	switch t.Status {
	case state.StatusActive:
		emoji = "▶️"
	case state.StatusPaused:
		emoji = "⏸️"
	}
	flavor := "📁"
	if t.Flavor == state.FlavorWorktree {
		flavor = "🌳"
	}
	return emoji + flavor + " `" + chat.EscapeCode(t.Name) + "` " +
		chat.EscapeMarkdownV2("("+string(t.Status)+")")
}

func (h *Handler) recover(ctx context.Context, msg *models.Message) {
	if !h.cfg.Snapshot().Configured() {
		h.reply(ctx, msg, "Claude Army not configured. Run /setup first.")
		return
	}

	h.reply(ctx, msg, "Scanning for marker files...")

	recovered, pending, err := h.tasks.Recover(ctx)
	if err != nil {
		h.log.Error(ctx, "recovery failed", "error", err)
		h.reply(ctx, msg, "Recovery failed: "+err.Error())
		return
	}
	if len(pending) > 0 {
		h.log.Warn(ctx, "pending markers found", "count", len(pending), "markers", strings.Join(pending, "; "))
	}

	var out string
	if recovered > 0 {
		out = fmt.Sprintf("Recovered %d task(s). Run /status to see them.", recovered)
	} else {
		out = "No new tasks found."
	}
	// Half-created spawns are never auto-removed; tell the operator where
	// the leftovers are so they can delete the markers by hand.
	if len(pending) > 0 {
		out += fmt.Sprintf("\n⚠️ %d pending marker(s) skipped: %s", len(pending), strings.Join(pending, ", "))
	}
	h.reply(ctx, msg, out)
}

func (h *Handler) todo(ctx context.Context, msg *models.Message, args string) {
	if args == "" {
		h.reply(ctx, msg, "Usage: /todo <item>")
		return
	}

	prompt := TodoPrompt(args, h.topicTask(msg), ReplyContext(msg, h.msgs))
	if err := h.operatorSend(ctx, prompt); err != nil {
		h.log.Warn(ctx, "todo forward failed", "error", err)
		h.reply(ctx, msg, "Operator not available")
		return
	}
	h.typing(ctx, msg)
	h.log.Info(ctx, "todo forwarded", "request", preview(args, 50))
}

func (h *Handler) spawn(ctx context.Context, msg *models.Message, args string) {
	if args == "" {
		h.reply(ctx, msg, "Usage: /spawn <description>")
		return
	}

	prompt := SpawnPrompt(args, h.topicTask(msg), ReplyContext(msg, h.msgs))
	if err := h.operatorSend(ctx, prompt); err != nil {
		h.log.Warn(ctx, "spawn forward failed", "error", err)
		h.reply(ctx, msg, "Operator not available")
		return
	}
	h.typing(ctx, msg)
	h.log.Info(ctx, "spawn request forwarded", "description", preview(args, 50))
}

func (h *Handler) cleanup(ctx context.Context, msg *models.Message, args string) {
	name := strings.TrimSpace(args)
	if name == "" {
		if t := h.topicTask(msg); t != nil {
			name = t.Name
		}
	}

	if name == "" {
		tasks := h.reg.Tasks()
		if len(tasks) == 0 {
			h.reply(ctx, msg, "Usage: /cleanup <task_name>\n\nNo active tasks.")
			return
		}
		names := make([]string, len(tasks))
		for i, t := range tasks {
			names[i] = t.Name
		}
		h.reply(ctx, msg, "Usage: /cleanup <task_name>\n\nAvailable tasks: "+strings.Join(names, ", "))
		return
	}

	task, ok := h.reg.Task(name)
	if !ok {
		h.reply(ctx, msg, fmt.Sprintf("Task '%s' not found. Run /status to see tasks.", name))
		return
	}

	if err := h.operatorSend(ctx, CleanupPrompt(task)); err != nil {
		h.log.Warn(ctx, "cleanup forward failed", "task", name, "error", err)
		h.reply(ctx, msg, "Operator not available")
		return
	}
	h.typing(ctx, msg)
	h.log.Info(ctx, "cleanup request forwarded", "task", name)
}

func (h *Handler) debug(ctx context.Context, msg *models.Message) {
	if msg.ReplyToMessage == nil {
		h.reply(ctx, msg, "Reply to a message to debug it")
		return
	}

	reply := msg.ReplyToMessage
	var entry *state.Entry
	if e, ok := h.msgs.Get(reply.ID); ok {
		entry = &e
	}
	h.replyMarkdown(ctx, msg, DebugDump(reply, entry))
	h.log.Debug(ctx, "debug dump sent", "msg_id", reply.ID, "tracked", entry != nil)
}

func (h *Handler) tmuxPanes(ctx context.Context, msg *models.Message) {
	panes, err := h.tmux.ListPanes(ctx)
	if err != nil {
		h.reply(ctx, msg, "tmux not available: "+err.Error())
		return
	}
	if len(panes) == 0 {
		h.reply(ctx, msg, "No tmux panes.")
		return
	}

	var b strings.Builder
	for _, p := range panes {
		fmt.Fprintf(&b, "%s  %s\n", p.ID, p.Cwd)
	}
	h.replyMarkdown(ctx, msg, "```\n"+chat.SanitizeFence(b.String())+"```")
}

func (h *Handler) show(ctx context.Context, msg *models.Message) {
	var pane string
	if id := msg.MessageThreadID; id > chat.GeneralTopicID {
		task, ok := h.reg.ByTopic(id)
		if !ok {
			h.reply(ctx, msg, "No task for this topic.")
			return
		}
		if task.Pane == "" {
			h.reply(ctx, msg, fmt.Sprintf("Task '%s' has no pane. Resume it first.", task.Name))
			return
		}
		pane = task.Pane
	} else {
		p, err := h.tasks.OperatorPane(ctx)
		if err != nil {
			h.log.Warn(ctx, "operator pane unavailable", "error", err)
			h.reply(ctx, msg, "Operator not available")
			return
		}
		pane = p
	}

	out, err := h.tmux.Capture(ctx, pane, showLines)
	if err != nil {
		h.reply(ctx, msg, "Capture failed: "+err.Error())
		return
	}
	if strings.TrimSpace(out) == "" {
		h.reply(ctx, msg, "Pane is empty.")
		return
	}
	h.replyMarkdown(ctx, msg, "```\n"+chat.SanitizeFence(out)+"\n```")
}

func (h *Handler) help(ctx context.Context, msg *models.Message) {
	h.replyMarkdown(ctx, msg, helpText(h.cfg.Snapshot()))
}

var helpCommands = []string{
	"/setup - Initialize this group as control center",
	"/reset - Remove Claude Army configuration",
	"/status - Show all tasks and status",
	"/recover - Rebuild registry from marker files",
	"/cleanup <task> - Clean up a task",
	"/spawn <description> - Ask the Operator to spawn a worker",
	"/tmux - List tmux panes",
	"/show - Show recent output of this topic's pane",
	"/help - Show this help message",
	"/todo <item> - Add todo to Operator queue",
	"/debug - Show debug info for a message (reply to it)",
}

var helpOperatorExamples = []string{
	`- "Create task X in repo Y"`,
	`- "What's the status?"`,
	`- "Pause/resume task X"`,
}

func helpText(cfg state.Config) string {
	var b strings.Builder
	b.WriteString("*" + chat.EscapeMarkdownV2("Claude Army Commands") + "*\n\n")
	for _, line := range helpCommands {
		b.WriteString(chat.EscapeMarkdownV2(line) + "\n")
	}
	b.WriteString("\n*" + chat.EscapeMarkdownV2("Operator Commands") + "* " +
		chat.EscapeMarkdownV2("(natural language):") + "\n")
	for _, line := range helpOperatorExamples {
		b.WriteString(chat.EscapeMarkdownV2(line) + "\n")
	}
	if cfg.Configured() {
		b.WriteString("\n_" + chat.EscapeMarkdownV2(fmt.Sprintf("Status: Configured (group %d)", cfg.GroupID)) + "_")
	} else {
		b.WriteString("\n_" + chat.EscapeMarkdownV2("Status: Not configured") + "_")
	}
	return b.String()
}

// topicTask resolves the task owning the topic a message was posted to.
func (h *Handler) topicTask(msg *models.Message) *state.Task {
	id := msg.MessageThreadID
	if id <= chat.GeneralTopicID {
		return nil
	}
	if t, ok := h.reg.ByTopic(id); ok {
		return &t
	}
	return nil
}

// operatorSend types a prompt into the operator pane, resurrecting the
// session when needed.
func (h *Handler) operatorSend(ctx context.Context, text string) error {
	pane, err := h.tasks.OperatorPane(ctx)
	if err != nil {
		return err
	}
	return h.inject.SendInput(ctx, pane, text)
}

// reply answers the triggering message in place, as plain text.
func (h *Handler) reply(ctx context.Context, msg *models.Message, text string) {
	h.send(ctx, msg, text, &chat.SendOptions{ReplyTo: msg.ID, Plain: true})
}

// replyMarkdown answers with MarkdownV2 content (status lines, debug dumps,
// fenced pane captures).
func (h *Handler) replyMarkdown(ctx context.Context, msg *models.Message, text string) {
	h.send(ctx, msg, text, &chat.SendOptions{ReplyTo: msg.ID})
}

func (h *Handler) send(ctx context.Context, msg *models.Message, text string, opts *chat.SendOptions) {
	dest := chat.Destination{ChatID: msg.Chat.ID, TopicID: msg.MessageThreadID}
	if _, err := h.chat.Send(ctx, dest, text, opts); err != nil {
		h.log.Warn(ctx, "command reply failed", "error", err)
	}
}

// typing acknowledges an operator forward without adding chat noise.
func (h *Handler) typing(ctx context.Context, msg *models.Message) {
	dest := chat.Destination{ChatID: msg.Chat.ID, TopicID: msg.MessageThreadID}
	if err := h.chat.Typing(ctx, dest); err != nil {
		h.log.Debug(ctx, "typing indicator failed", "error", err)
	}
}
