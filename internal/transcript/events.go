// Package transcript tails the JSONL transcripts Claude Code writes under
// ~/.claude/projects and turns them into chat-worthy events: permission
// prompts waiting in the TUI, compaction boundaries, and idle completions.
package transcript

import (
	"encoding/json"
	"time"
)

// autoApproved lists tools the TUI runs without a permission dialog; their
// tool_use records never become prompts.
var autoApproved = map[string]bool{
	"Task":      true,
	"TodoWrite": true,
}

// PendingTool is a tool call sitting unanswered in the agent's TUI.
type PendingTool struct {
	ToolUseID      string
	ToolName       string
	Input          map[string]any
	AssistantText  string
	Pane           string
	Cwd            string
	TranscriptPath string
	DetectedAt     time.Time
}

// Compaction is a context-compaction boundary the agent crossed.
type Compaction struct {
	Trigger   string
	PreTokens int
	Pane      string
	Cwd       string
}

// Idle is an assistant turn that ended in plain text: the agent stopped and
// is waiting for input.
type Idle struct {
	Text           string
	ClaudeMsgID    string
	Pane           string
	Cwd            string
	TranscriptPath string
}

// Activity marks a pane whose agent produced thinking output this tick.
type Activity struct {
	Pane string
	Cwd  string
}

// Result is everything one Check pass surfaced.
type Result struct {
	Tools       []PendingTool
	Compactions []Compaction
	Idles       []Idle
	Activity    []Activity
}

func (r *Result) merge(other Result) {
	r.Tools = append(r.Tools, other.Tools...)
	r.Compactions = append(r.Compactions, other.Compactions...)
	r.Idles = append(r.Idles, other.Idles...)
	r.Activity = append(r.Activity, other.Activity...)
}

// Transcript record envelope. Only the fields the daemon reads are decoded;
// everything else in a record is ignored.
type record struct {
	Type            string           `json:"type"`
	Subtype         string           `json:"subtype"`
	Message         *messageBody     `json:"message"`
	CompactMetadata *compactMetadata `json:"compactMetadata"`
}

type messageBody struct {
	ID string `json:"id"`
	// Content is an array of blocks for agent records but a bare string
	// for interactive user input, so it is decoded lazily.
	Content json.RawMessage `json:"content"`
}

// blocks decodes the content array, returning nil for string content or
// malformed blocks.
func (m *messageBody) blocks() []contentBlock {
	if m == nil || len(m.Content) == 0 || m.Content[0] != '[' {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

type contentBlock struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	Text      string         `json:"text"`
	ToolUseID string         `json:"tool_use_id"`
}

type compactMetadata struct {
	Trigger   string `json:"trigger"`
	PreTokens int    `json:"preTokens"`
}
