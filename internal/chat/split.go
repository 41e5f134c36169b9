package chat

import (
	"fmt"
	"regexp"
	"strings"
)

// MessageLimit is the chat service's hard per-message character cap.
const MessageLimit = 4096

// splitReserve keeps headroom in each part for the "(i/N) " prefix and for
// the close/reopen lines added around a fence split.
const splitReserve = 64

// Split breaks text into parts that each fit within limit once the "(i/N) "
// prefix is attached. Break points prefer newlines outside code fences, then
// newlines inside a fence (the fence is closed and reopened with its original
// info string so every part renders), then a hard cut. No byte of the input
// is dropped: stripping the prefixes and unsplicing the close/reopen pairs
// restores the original exactly.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	window := limit - splitReserve
	if window <= 0 {
		window = limit
	}

	var parts []string
	remaining := text

	for len(remaining) > window {
		spans := parseFenceSpans(remaining)

		var part, next string
		breakAt, fence := pickBreak(remaining[:window], spans)
		if breakAt >= 0 {
			part, next = remaining[:breakAt+1], remaining[breakAt+1:]
		} else {
			part, next = remaining[:window], remaining[window:]
			fence = fenceAt(spans, window)
		}

		if fence != nil {
			closeLine := fence.indent + fence.marker
			if !strings.HasSuffix(part, "\n") {
				part += "\n"
			}
			part += closeLine
			next = fence.openLine + "\n" + next
		}

		// Guarantee forward progress: an open line longer than the window
		// would otherwise be re-split forever.
		if len(next) >= len(remaining) {
			part, next = remaining[:window], remaining[window:]
		}

		parts = append(parts, part)
		remaining = next
	}
	parts = append(parts, remaining)

	if len(parts) == 1 {
		return parts
	}
	for i := range parts {
		parts[i] = fmt.Sprintf("(%d/%d) ", i+1, len(parts)) + parts[i]
	}
	return parts
}

// fenceSpan is one code fence region, from the start of its opening line to
// just past its closing line (or end of text when unterminated).
type fenceSpan struct {
	start    int
	end      int
	indent   string
	marker   string
	openLine string
}

var fenceOpenRegex = regexp.MustCompile("(?m)^([ \t]*)(```+|~~~+)([^\n]*)\n")

func parseFenceSpans(text string) []fenceSpan {
	var spans []fenceSpan
	consumed := 0

	for consumed < len(text) {
		rest := text[consumed:]
		match := fenceOpenRegex.FindStringSubmatchIndex(rest)
		if match == nil {
			break
		}

		indent := rest[match[2]:match[3]]
		marker := rest[match[4]:match[5]]
		openLine := rest[match[0] : match[1]-1]

		closeRe := regexp.MustCompile("(?m)^" + regexp.QuoteMeta(indent) + regexp.QuoteMeta(marker) + "[ \t]*$")
		end := len(text)
		if close := closeRe.FindStringIndex(rest[match[1]:]); close != nil {
			end = consumed + match[1] + close[1]
		}

		spans = append(spans, fenceSpan{
			start:    consumed + match[0],
			end:      end,
			indent:   indent,
			marker:   marker,
			openLine: openLine,
		})
		consumed = end
	}

	return spans
}

func fenceAt(spans []fenceSpan, idx int) *fenceSpan {
	for i := range spans {
		if idx >= spans[i].start && idx < spans[i].end {
			return &spans[i]
		}
	}
	return nil
}

// pickBreak returns the byte index of the newline to break after, preferring
// the last newline outside any fence, then the last newline inside one (with
// the owning fence so the caller can close and reopen it). Returns -1 when
// the window holds no newline at all.
func pickBreak(window string, spans []fenceSpan) (int, *fenceSpan) {
	lastSafe := -1
	lastAny := -1
	for i := 0; i < len(window); i++ {
		if window[i] != '\n' {
			continue
		}
		lastAny = i
		if fenceAt(spans, i) == nil {
			lastSafe = i
		}
	}
	if lastSafe >= 0 {
		return lastSafe, nil
	}
	if lastAny >= 0 {
		return lastAny, fenceAt(spans, lastAny)
	}
	return -1, nil
}
