package transcript

import (
	"path/filepath"
	"strings"
)

// EncodeCwd maps a working directory to the agent's project directory name:
// every path separator becomes a hyphen, so /home/u/proj lives under
// ~/.claude/projects/-home-u-proj.
func EncodeCwd(cwd string) string {
	return strings.ReplaceAll(cwd, "/", "-")
}

// DecodeCwd is the best-effort inverse of EncodeCwd, used only as a
// fallback when a persisted entry lacks the original cwd. The encoding is
// lossy (hyphens inside path segments are indistinguishable from
// separators), so only the first three hyphens are treated as separators,
// which recovers the common /home/<user>/<project> layout.
func DecodeCwd(encoded string) string {
	if !strings.HasPrefix(encoded, "-") {
		return encoded
	}
	return strings.Replace(encoded, "-", "/", 3)
}

// ProjectDir returns where the agent keeps transcripts for a working
// directory.
func ProjectDir(userHome, cwd string) string {
	return filepath.Join(userHome, ".claude", "projects", EncodeCwd(cwd))
}
