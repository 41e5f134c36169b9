package chat

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// StripHome drops the current user's home-directory prefix from a path.
func StripHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return strings.TrimPrefix(path, home+"/")
}

// FormatPermissionMessage renders the full notification body for a pending
// tool: the assistant's accompanying text, when present, precedes the tool
// body separated by a horizontal rule.
func FormatPermissionMessage(assistantText, toolName string, input map[string]any) string {
	body := FormatToolPermission(toolName, input)
	if assistantText == "" {
		return body
	}
	return EscapeOutsideCode(assistantText) + "\n\n" + EscapeMarkdownV2("---") + "\n\n" + body
}

// FormatToolPermission renders the MarkdownV2 permission request for one tool
// call. Prose pieces are escaped; payloads sit in fences with embedded triple
// backticks rewritten so they cannot break out.
func FormatToolPermission(toolName string, input map[string]any) string {
	switch toolName {
	case "Bash":
		cmd := SanitizeFence(stringField(input, "command"))
		body := EscapeMarkdownV2("Claude is asking permission to run:") + "\n\n```bash\n" + cmd + "\n```"
		if desc := stringField(input, "description"); desc != "" {
			body += "\n\n_" + EscapeMarkdownV2(desc) + "_"
		}
		return body

	case "Edit":
		fp := StripHome(stringField(input, "file_path"))
		diff := SanitizeFence(unifiedDiff(fp, stringField(input, "old_string"), stringField(input, "new_string")))
		return EscapeMarkdownV2("Claude is asking permission to edit") +
			" `" + EscapeCode(fp) + "`:\n\n```diff\n" + diff + "\n```"

	case "Write":
		fp := StripHome(stringField(input, "file_path"))
		content := SanitizeFence(stringField(input, "content"))
		return EscapeMarkdownV2("Claude is asking permission to write") +
			" `" + EscapeCode(fp) + "`:\n\n```\n" + content + "\n```"

	case "Read":
		fp := StripHome(stringField(input, "file_path"))
		return EscapeMarkdownV2("Claude is asking permission to read") + " `" + EscapeCode(fp) + "`"

	case "AskUserQuestion":
		return formatQuestions(input)

	default:
		payload, err := json.MarshalIndent(input, "", "  ")
		if err != nil {
			payload = fmt.Appendf(nil, "%v", input)
		}
		return EscapeMarkdownV2("Claude is asking permission to use "+toolName+":") +
			"\n\n```\n" + SanitizeFence(string(payload)) + "\n```"
	}
}

func formatQuestions(input map[string]any) string {
	lines := []string{EscapeMarkdownV2("Claude is asking:") + "\n"}
	questions, _ := input["questions"].([]any)
	for _, qi := range questions {
		q, ok := qi.(map[string]any)
		if !ok {
			continue
		}
		lines = append(lines, "*"+EscapeMarkdownV2(stringField(q, "question"))+"*\n")
		options, _ := q["options"].([]any)
		for _, oi := range options {
			if o, ok := oi.(map[string]any); ok {
				lines = append(lines, "• "+EscapeMarkdownV2(stringField(o, "label")))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// unifiedDiff renders old→new as a unified diff with full context in a
// single hunk, the way a reviewer reads an edit in chat.
func unifiedDiff(path, oldText, newText string) string {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	oldN := len(splitLines(oldText))
	newN := len(splitLines(newText))
	oldStart, newStart := 1, 1
	if oldN == 0 {
		oldStart = 0
	}
	if newN == 0 {
		newStart = 0
	}

	lines := []string{
		"--- " + path,
		"+++ " + path,
		fmt.Sprintf("@@ -%d,%d +%d,%d @@", oldStart, oldN, newStart, newN),
	}
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range splitLines(d.Text) {
			lines = append(lines, strings.TrimRight(prefix+line, " \t"))
		}
	}
	return strings.Join(lines, "\n")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
