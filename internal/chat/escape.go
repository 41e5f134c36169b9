package chat

import "strings"

// markdownV2Special is the set of characters MarkdownV2 treats as syntax
// outside code entities. Backslash included so escapes survive re-escaping.
const markdownV2Special = "\\_*[]()~`>#+-=|{}.!"

// EscapeMarkdownV2 escapes every MarkdownV2 special character in text.
// Apply to prose pieces before assembly, never to content that will sit
// inside a code span or fence.
func EscapeMarkdownV2(text string) string {
	if !strings.ContainsAny(text, markdownV2Special) {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if strings.IndexByte(markdownV2Special, c) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// EscapeOutsideCode escapes MarkdownV2 specials in prose while leaving code
// fences and inline code spans intact, delimiters included. Used for text
// the agent wrote itself, which may legitimately contain markdown code.
func EscapeOutsideCode(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	i := 0
	for i < len(text) {
		if strings.HasPrefix(text[i:], "```") {
			end := strings.Index(text[i+3:], "```")
			if end < 0 {
				b.WriteString(text[i:])
				break
			}
			stop := i + 3 + end + 3
			b.WriteString(text[i:stop])
			i = stop
			continue
		}
		if text[i] == '`' {
			if end := strings.IndexByte(text[i+1:], '`'); end >= 0 {
				stop := i + 1 + end + 1
				b.WriteString(text[i:stop])
				i = stop
				continue
			}
			// Unpaired backtick, escape it as prose.
		}
		c := text[i]
		if strings.IndexByte(markdownV2Special, c) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// EscapeCode escapes the two characters that carry meaning inside an inline
// code span.
func EscapeCode(text string) string {
	text = strings.ReplaceAll(text, `\`, `\\`)
	return strings.ReplaceAll(text, "`", "\\`")
}

// SanitizeFence rewrites triple backticks so embedded content cannot close
// an enclosing code fence.
func SanitizeFence(text string) string {
	return strings.ReplaceAll(text, "```", "'''")
}
