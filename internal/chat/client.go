// Package chat wraps the slice of the Telegram Bot API the daemon uses:
// topic-addressed sends with splitting and parse-mode fallback, inline
// button finalization, reactions, typing, forum topic management, and the
// update long poll.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/claude-army/internal/observability"
)

const (
	// PollTimeout is the getUpdates long-poll duration. The HTTP client gets
	// two extra seconds so the transport deadline never races the poll.
	PollTimeout = 30 * time.Second
	httpTimeout = PollTimeout + 2*time.Second
)

// GeneralTopicID is the forum's built-in topic. Messages to it are sent
// without a thread id; the API rejects an explicit one.
const GeneralTopicID = 1

// ErrNoTopicRights marks topic creation refused because the bot lacks the
// Manage Topics admin right. Callers fall back to the general topic.
var ErrNoTopicRights = errors.New("bot lacks topic rights")

// BotAPI is the bot client surface the daemon calls. Production passes
// *bot.Bot; tests substitute a fake.
type BotAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageReplyMarkup(ctx context.Context, params *bot.EditMessageReplyMarkupParams) (*models.Message, error)
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)
	SetMessageReaction(ctx context.Context, params *bot.SetMessageReactionParams) (bool, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	GetChat(ctx context.Context, params *bot.GetChatParams) (*models.ChatFullInfo, error)
	GetUpdates(ctx context.Context, params *bot.GetUpdatesParams) ([]*models.Update, error)
	CreateForumTopic(ctx context.Context, params *bot.CreateForumTopicParams) (*models.ForumTopic, error)
	CloseForumTopic(ctx context.Context, params *bot.CloseForumTopicParams) (bool, error)
	DeleteForumTopic(ctx context.Context, params *bot.DeleteForumTopicParams) (bool, error)
	EditForumTopic(ctx context.Context, params *bot.EditForumTopicParams) (bool, error)
	SetMyCommands(ctx context.Context, params *bot.SetMyCommandsParams) (bool, error)
	GetChatAdministrators(ctx context.Context, params *bot.GetChatAdministratorsParams) ([]models.ChatMember, error)
	GetMe(ctx context.Context) (*models.User, error)
}

// Destination addresses a message: a forum topic in a group, the general
// topic (TopicID 0 or 1), or a direct chat.
type Destination struct {
	ChatID  int64
	TopicID int
}

// SendOptions tune a single Send.
type SendOptions struct {
	// ReplyTo makes the first part a reply to this message id.
	ReplyTo int

	// Markup is attached to the last part only.
	Markup models.ReplyMarkup

	// Plain skips MarkdownV2 parse mode entirely.
	Plain bool
}

// Client is the typed chat API wrapper.
type Client struct {
	api     BotAPI
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewClient wraps an API connection. Logger and metrics must be non-nil.
func NewClient(api BotAPI, log *observability.Logger, metrics *observability.Metrics) *Client {
	return &Client{api: api, log: log, metrics: metrics}
}

// Dial connects to the chat service with the production HTTP timeouts. No
// network traffic happens until the first call; Me validates the token.
func Dial(token string, log *observability.Logger, metrics *observability.Metrics) (*Client, error) {
	b, err := bot.New(token,
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(PollTimeout, &http.Client{Timeout: httpTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot client: %w", err)
	}
	return NewClient(b, log, metrics), nil
}

// Me fetches the bot's own identity, validating the token.
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	user, err := c.api.GetMe(ctx)
	if err != nil {
		c.metrics.ChatError("getMe")
		return nil, fmt.Errorf("getMe failed: %w", err)
	}
	return user, nil
}

// Send delivers text to a destination, splitting over-limit messages into
// "(i/N) " parts with any buttons on the last part. On a MarkdownV2 entity
// rejection each part is retried once without parse mode. Returns the id of
// the last message sent, the one carrying the buttons.
func (c *Client) Send(ctx context.Context, dest Destination, text string, opts *SendOptions) (int, error) {
	if opts == nil {
		opts = &SendOptions{}
	}

	parts := Split(text, MessageLimit)
	lastID := 0
	for i, part := range parts {
		params := &bot.SendMessageParams{
			ChatID: dest.ChatID,
			Text:   part,
		}
		if dest.TopicID > GeneralTopicID {
			params.MessageThreadID = dest.TopicID
		}
		if !opts.Plain {
			params.ParseMode = models.ParseModeMarkdown
		}
		if i == 0 && opts.ReplyTo != 0 {
			params.ReplyParameters = &models.ReplyParameters{MessageID: opts.ReplyTo}
		}
		if i == len(parts)-1 {
			params.ReplyMarkup = opts.Markup
		}

		msg, err := c.sendWithFallback(ctx, params)
		if err != nil {
			c.metrics.ChatError("sendMessage")
			return 0, fmt.Errorf("sendMessage to chat %d topic %d: %w", dest.ChatID, dest.TopicID, err)
		}
		lastID = msg.ID
	}

	c.log.Debug(ctx, "message sent",
		"chat_id", dest.ChatID,
		"topic_id", dest.TopicID,
		"parts", len(parts),
		"message_id", lastID)
	return lastID, nil
}

// sendWithFallback retries once without parse mode when the service rejects
// the markdown entities; malformed agent output still gets delivered.
func (c *Client) sendWithFallback(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	msg, err := c.api.SendMessage(ctx, params)
	if err != nil && params.ParseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
		c.log.Warn(ctx, "markdown rejected, resending plain", "error", err)
		plain := *params
		plain.ParseMode = ""
		return c.api.SendMessage(ctx, &plain)
	}
	return msg, err
}

// FinalizeButtons replaces a message's keyboard with a single disabled-style
// button. Its callback data "_" makes any late click a no-op toast.
func (c *Client) FinalizeButtons(ctx context.Context, chatID int64, messageID int, label string) error {
	_, err := c.api.EditMessageReplyMarkup(ctx, &bot.EditMessageReplyMarkupParams{
		ChatID:    chatID,
		MessageID: messageID,
		ReplyMarkup: models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{{
				{Text: label, CallbackData: "_"},
			}},
		},
	})
	if err != nil {
		c.metrics.ChatError("editMessageReplyMarkup")
		return fmt.Errorf("editMessageReplyMarkup %d: %w", messageID, err)
	}
	return nil
}

// PermissionKeyboard is the two-button row attached to permission prompts.
func PermissionKeyboard() models.InlineKeyboardMarkup {
	return models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "✓ Allow", CallbackData: "y"},
			{Text: "✗ Deny", CallbackData: "n"},
		}},
	}
}

// Delete removes a message.
func (c *Client) Delete(ctx context.Context, chatID int64, messageID int) error {
	_, err := c.api.DeleteMessage(ctx, &bot.DeleteMessageParams{ChatID: chatID, MessageID: messageID})
	if err != nil {
		c.metrics.ChatError("deleteMessage")
		return fmt.Errorf("deleteMessage %d: %w", messageID, err)
	}
	return nil
}

// ReactionSeen acknowledges a forwarded inbound message.
const ReactionSeen = "👀"

// React sets an emoji reaction on a message.
func (c *Client) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	_, err := c.api.SetMessageReaction(ctx, &bot.SetMessageReactionParams{
		ChatID:    chatID,
		MessageID: messageID,
		Reaction: []models.ReactionType{{
			Type:              models.ReactionTypeTypeEmoji,
			ReactionTypeEmoji: &models.ReactionTypeEmoji{Type: "emoji", Emoji: emoji},
		}},
	})
	if err != nil {
		c.metrics.ChatError("setMessageReaction")
		return fmt.Errorf("setMessageReaction %d: %w", messageID, err)
	}
	return nil
}

// Typing shows the typing indicator at a destination. It fades after a few
// seconds or on the next message.
func (c *Client) Typing(ctx context.Context, dest Destination) error {
	params := &bot.SendChatActionParams{
		ChatID: dest.ChatID,
		Action: models.ChatActionTyping,
	}
	if dest.TopicID > GeneralTopicID {
		params.MessageThreadID = dest.TopicID
	}
	if _, err := c.api.SendChatAction(ctx, params); err != nil {
		c.metrics.ChatError("sendChatAction")
		return fmt.Errorf("sendChatAction: %w", err)
	}
	return nil
}

// AnswerCallback dismisses a button click's loading state, optionally with a
// toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	_, err := c.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	if err != nil {
		c.metrics.ChatError("answerCallbackQuery")
		return fmt.Errorf("answerCallbackQuery: %w", err)
	}
	return nil
}

// CreateTopic creates a forum topic and returns its thread id. A rights
// refusal surfaces as ErrNoTopicRights.
func (c *Client) CreateTopic(ctx context.Context, chatID int64, name string) (int, error) {
	topic, err := c.api.CreateForumTopic(ctx, &bot.CreateForumTopicParams{
		ChatID: chatID,
		Name:   name,
	})
	if err != nil {
		c.metrics.ChatError("createForumTopic")
		if strings.Contains(err.Error(), "not enough rights") {
			return 0, fmt.Errorf("create topic %q: %w", name, ErrNoTopicRights)
		}
		return 0, fmt.Errorf("create topic %q: %w", name, err)
	}
	c.log.Info(ctx, "topic created", "name", name, "topic_id", topic.MessageThreadID)
	return topic.MessageThreadID, nil
}

// CloseTopic closes a topic, retaining its history.
func (c *Client) CloseTopic(ctx context.Context, chatID int64, topicID int) error {
	_, err := c.api.CloseForumTopic(ctx, &bot.CloseForumTopicParams{ChatID: chatID, MessageThreadID: topicID})
	if err != nil {
		c.metrics.ChatError("closeForumTopic")
		return fmt.Errorf("close topic %d: %w", topicID, err)
	}
	return nil
}

// DeleteTopic deletes a topic and its history.
func (c *Client) DeleteTopic(ctx context.Context, chatID int64, topicID int) error {
	_, err := c.api.DeleteForumTopic(ctx, &bot.DeleteForumTopicParams{ChatID: chatID, MessageThreadID: topicID})
	if err != nil {
		c.metrics.ChatError("deleteForumTopic")
		return fmt.Errorf("delete topic %d: %w", topicID, err)
	}
	return nil
}

// RenameTopic changes a topic's display name.
func (c *Client) RenameTopic(ctx context.Context, chatID int64, topicID int, name string) error {
	_, err := c.api.EditForumTopic(ctx, &bot.EditForumTopicParams{
		ChatID:          chatID,
		MessageThreadID: topicID,
		Name:            name,
	})
	if err != nil {
		c.metrics.ChatError("editForumTopic")
		return fmt.Errorf("rename topic %d: %w", topicID, err)
	}
	return nil
}

// IsForum reports whether a chat is a forum-enabled supergroup.
func (c *Client) IsForum(ctx context.Context, chatID int64) (bool, error) {
	chat, err := c.api.GetChat(ctx, &bot.GetChatParams{ChatID: chatID})
	if err != nil {
		c.metrics.ChatError("getChat")
		return false, fmt.Errorf("getChat %d: %w", chatID, err)
	}
	return chat.IsForum, nil
}

// CanManageTopics reports whether the given user (the bot) holds the Manage
// Topics right in a chat. The owner implicitly holds every right.
func (c *Client) CanManageTopics(ctx context.Context, chatID, userID int64) (bool, error) {
	admins, err := c.api.GetChatAdministrators(ctx, &bot.GetChatAdministratorsParams{ChatID: chatID})
	if err != nil {
		c.metrics.ChatError("getChatAdministrators")
		return false, fmt.Errorf("getChatAdministrators %d: %w", chatID, err)
	}
	for _, m := range admins {
		if m.Owner != nil && m.Owner.User != nil && m.Owner.User.ID == userID {
			return true, nil
		}
		if m.Administrator != nil && m.Administrator.User != nil && m.Administrator.User.ID == userID {
			return m.Administrator.CanManageTopics, nil
		}
	}
	return false, nil
}

// RegisterCommands publishes the slash-command list shown in the chat UI.
func (c *Client) RegisterCommands(ctx context.Context) error {
	commands := []models.BotCommand{
		{Command: "setup", Description: "Initialize this group as control center"},
		{Command: "reset", Description: "Remove configuration"},
		{Command: "status", Description: "Show all tasks and status"},
		{Command: "recover", Description: "Rebuild registry from marker files"},
		{Command: "help", Description: "Show available commands"},
		{Command: "todo", Description: "Add todo to Operator queue"},
		{Command: "debug", Description: "Debug a message (reply to it)"},
		{Command: "spawn", Description: "Request a new task"},
		{Command: "cleanup", Description: "Clean up a task"},
		{Command: "tmux", Description: "List tmux panes"},
		{Command: "show", Description: "Show recent pane output"},
	}
	if _, err := c.api.SetMyCommands(ctx, &bot.SetMyCommandsParams{Commands: commands}); err != nil {
		c.metrics.ChatError("setMyCommands")
		return fmt.Errorf("setMyCommands: %w", err)
	}
	return nil
}

// Updates long-polls for the next batch of updates after offset.
func (c *Client) Updates(ctx context.Context, offset int64) ([]*models.Update, error) {
	updates, err := c.api.GetUpdates(ctx, &bot.GetUpdatesParams{
		Offset:  offset,
		Timeout: int(PollTimeout.Seconds()),
	})
	if err != nil {
		c.metrics.ChatError("getUpdates")
		return nil, fmt.Errorf("getUpdates: %w", err)
	}
	return updates, nil
}
