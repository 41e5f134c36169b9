package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/claude-army/internal/observability"
)

// announceDelay is how long a detected tool call must stay unresolved
// before it is announced. Claude auto-approves pre-authorized tools within
// a few hundred milliseconds; waiting strictly longer than this keeps those
// from ever reaching chat.
const announceDelay = 400 * time.Millisecond

// Watcher tails one transcript file. It is owned by the Manager and must
// only be used from the daemon's main loop.
type Watcher struct {
	path string
	pane string
	cwd  string

	// offset is the byte position after the last fully-parsed line.
	offset int64

	log     *observability.Logger
	metrics *observability.Metrics

	notified    map[string]bool
	results     map[string]bool
	pending     map[string]PendingTool
	queue       []string
	toolUseMsgs map[string]bool

	// lastIdleMsgID suppresses duplicate idle events while the agent
	// streams growing snapshots of the same assistant message.
	lastIdleMsgID string

	compactions []Compaction
	idles       []Idle
	activity    bool
}

func newWatcher(path, pane, cwd string, log *observability.Logger, metrics *observability.Metrics) *Watcher {
	w := &Watcher{
		path:        path,
		pane:        pane,
		cwd:         cwd,
		log:         log,
		metrics:     metrics,
		notified:    map[string]bool{},
		results:     map[string]bool{},
		pending:     map[string]PendingTool{},
		toolUseMsgs: map[string]bool{},
	}
	if fi, err := os.Stat(path); err == nil {
		w.offset = fi.Size()
	}
	return w
}

// seedResults scans the whole file for tool results only, so notifications
// persisted before a restart can still be expired, then leaves the watcher
// positioned at the end.
func (w *Watcher) seedResults() {
	w.offset = forEachLine(w.path, 0, func(line []byte) {
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return
		}
		if rec.Type != "user" {
			return
		}
		for _, b := range rec.Message.blocks() {
			if b.Type == "tool_result" && b.ToolUseID != "" {
				w.results[b.ToolUseID] = true
			}
		}
	})
}

// Check reads newly appended lines and returns everything announceable:
// queue-head tools past the delay window, compactions, idles, activity.
func (w *Watcher) Check(now time.Time) Result {
	w.readNew(now)

	res := Result{Compactions: w.compactions, Idles: w.idles}
	w.compactions, w.idles = nil, nil
	if w.activity {
		res.Activity = append(res.Activity, Activity{Pane: w.pane, Cwd: w.cwd})
		w.activity = false
	}

	// Announce in strict arrival order: a later tool never jumps an
	// earlier one still inside its delay window.
	for len(w.queue) > 0 {
		id := w.queue[0]
		if w.results[id] {
			// Resolved before announcement (auto-approved): drop silently.
			delete(w.pending, id)
			w.queue = w.queue[1:]
			continue
		}
		pt, ok := w.pending[id]
		if !ok {
			w.queue = w.queue[1:]
			continue
		}
		if now.Sub(pt.DetectedAt) > announceDelay {
			res.Tools = append(res.Tools, pt)
			w.notified[id] = true
			delete(w.pending, id)
			w.queue = w.queue[1:]
			continue
		}
		break
	}
	return res
}

// ResultSeen reports whether a tool id has a recorded result.
func (w *Watcher) ResultSeen(toolID string) bool {
	return w.results[toolID]
}

// ToolUseMsgSeen reports whether an assistant message id ever carried a
// tool_use block.
func (w *Watcher) ToolUseMsgSeen(msgID string) bool {
	return w.toolUseMsgs[msgID]
}

func (w *Watcher) readNew(now time.Time) {
	w.offset = forEachLine(w.path, w.offset, func(line []byte) {
		w.consumeLine(line, now)
	})
}

func (w *Watcher) consumeLine(line []byte, now time.Time) {
	if len(line) == 0 {
		return
	}
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		w.metrics.LineParsed(false)
		return
	}
	w.metrics.LineParsed(true)

	switch rec.Type {
	case "system":
		if rec.Subtype == "compact_boundary" {
			c := Compaction{Pane: w.pane, Cwd: w.cwd}
			if rec.CompactMetadata != nil {
				c.Trigger = rec.CompactMetadata.Trigger
				c.PreTokens = rec.CompactMetadata.PreTokens
			}
			w.compactions = append(w.compactions, c)
		}
	case "user":
		for _, b := range rec.Message.blocks() {
			if b.Type == "tool_result" && b.ToolUseID != "" {
				w.sawResult(b.ToolUseID)
			}
		}
	case "assistant":
		w.consumeAssistant(rec, now)
	}
}

func (w *Watcher) sawResult(toolID string) {
	w.results[toolID] = true
	delete(w.pending, toolID)
	delete(w.notified, toolID)
}

func (w *Watcher) consumeAssistant(rec record, now time.Time) {
	if rec.Message == nil {
		return
	}
	blocks := rec.Message.blocks()
	msgID := rec.Message.ID

	var textParts []string
	var sawToolUse, sawThinking bool
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				textParts = append(textParts, b.Text)
			}
		case "thinking":
			sawThinking = true
		case "tool_use":
			sawToolUse = true
		}
	}
	text := strings.TrimSpace(strings.Join(textParts, "\n\n"))

	if sawToolUse {
		if msgID != "" {
			w.toolUseMsgs[msgID] = true
		}
		for _, b := range blocks {
			if b.Type != "tool_use" || b.ID == "" || autoApproved[b.Name] {
				continue
			}
			w.trackTool(b, text, now)
		}
		return
	}

	if text != "" {
		if msgID != w.lastIdleMsgID {
			w.idles = append(w.idles, Idle{
				Text:           text,
				ClaudeMsgID:    msgID,
				Pane:           w.pane,
				Cwd:            w.cwd,
				TranscriptPath: w.path,
			})
			w.lastIdleMsgID = msgID
		}
		return
	}
	if sawThinking {
		w.activity = true
	}
}

func (w *Watcher) trackTool(b contentBlock, assistantText string, now time.Time) {
	if w.results[b.ID] || w.notified[b.ID] {
		return
	}
	if existing, ok := w.pending[b.ID]; ok {
		// Later snapshots of the same message carry the completed
		// input; refresh contents but keep the original clock and
		// queue position.
		existing.Input = b.Input
		if assistantText != "" {
			existing.AssistantText = assistantText
		}
		w.pending[b.ID] = existing
		return
	}
	w.pending[b.ID] = PendingTool{
		ToolUseID:      b.ID,
		ToolName:       b.Name,
		Input:          b.Input,
		AssistantText:  assistantText,
		Pane:           w.pane,
		Cwd:            w.cwd,
		TranscriptPath: w.path,
		DetectedAt:     now,
	}
	w.queue = append(w.queue, b.ID)
}

// forEachLine feeds fn every complete, newline-terminated line from offset
// onward and returns the offset just past the last complete line. A
// trailing fragment is left for the next call, so a mid-write line is never
// half-parsed. If the file shrank underneath us it is treated as rotated
// and the offset jumps to the new end.
func forEachLine(path string, offset int64, fn func(line []byte)) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.Size() < offset {
		return fi.Size()
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// EOF with an unterminated tail, or a read error:
			// either way the next call retries from here.
			return offset
		}
		offset += int64(len(line))
		fn(bytes.TrimSpace(line))
	}
}
