package transcript

import "encoding/json"

// One-shot whole-file scans, used when a chat reply or button press needs
// the transcript's current truth without waiting for a watcher tick.

// FirstPendingTool returns the oldest tool call without a result, in file
// order - the one the TUI's dialog is showing. Auto-approved tools are
// ignored.
func FirstPendingTool(path string) (string, bool) {
	var order []string
	seen := map[string]bool{}
	results := map[string]bool{}

	forEachLine(path, 0, func(line []byte) {
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return
		}
		switch rec.Type {
		case "assistant":
			for _, b := range rec.Message.blocks() {
				if b.Type != "tool_use" || b.ID == "" || autoApproved[b.Name] {
					continue
				}
				if !seen[b.ID] {
					seen[b.ID] = true
					order = append(order, b.ID)
				}
			}
		case "user":
			for _, b := range rec.Message.blocks() {
				if b.Type == "tool_result" && b.ToolUseID != "" {
					results[b.ToolUseID] = true
				}
			}
		}
	})

	for _, id := range order {
		if !results[id] {
			return id, true
		}
	}
	return "", false
}

// HasResult reports whether toolID already has a tool_result in the file.
func HasResult(path, toolID string) bool {
	found := false
	forEachLine(path, 0, func(line []byte) {
		if found {
			return
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return
		}
		if rec.Type != "user" {
			return
		}
		for _, b := range rec.Message.blocks() {
			if b.Type == "tool_result" && b.ToolUseID == toolID {
				found = true
				return
			}
		}
	})
	return found
}
