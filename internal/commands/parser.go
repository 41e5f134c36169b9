package commands

import (
	"regexp"
	"strings"

	"github.com/go-telegram/bot/models"
)

// Parsed is one slash command pulled off the front of a message.
type Parsed struct {
	// Name is the command keyword, lowercased, without the leading slash
	// or any @botname mention.
	Name string

	// Args is the trimmed text after the keyword. May span multiple lines.
	Args string
}

// controlRe matches a leading slash command: keyword, optional @botname
// mention (groups append one when several bots are present), optional
// argument tail. (?s) lets the tail span newlines.
var controlRe = regexp.MustCompile(`(?s)^/([a-zA-Z][a-zA-Z0-9_-]*)(?:@[A-Za-z0-9_]+)?(?:\s+(.*))?$`)

// Parse extracts a slash command from a message. It returns false for
// anything that does not start with a command token.
func Parse(text string) (Parsed, bool) {
	m := controlRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Parsed{}, false
	}
	return Parsed{Name: strings.ToLower(m[1]), Args: strings.TrimSpace(m[2])}, true
}

// IsDebugTrigger reports whether a reply is one of the bare shorthand forms
// ("debug", "?") that open a debug dump without a slash.
func IsDebugTrigger(msg *models.Message) bool {
	if msg == nil || msg.ReplyToMessage == nil {
		return false
	}
	t := strings.ToLower(strings.TrimSpace(msg.Text))
	return t == "debug" || t == "?"
}
