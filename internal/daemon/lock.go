package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning means a live daemon holds the pid lockfile. The second
// instance must exit instead of waiting.
var ErrAlreadyRunning = errors.New("daemon already running")

// lockInfo is the lockfile payload. StartTime is the owner's kernel start
// tick so a recycled pid is not mistaken for a live daemon; zero when the
// platform offers no /proc.
type lockInfo struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	StartTime uint64 `json:"start_time,omitempty"`
}

// Lock is the held pid lockfile.
type Lock struct {
	path string
}

// Acquire takes the daemon lock at path. A lockfile owned by a dead or
// recycled pid is removed and the acquisition retried once; a live owner
// aborts with ErrAlreadyRunning.
func Acquire(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info := lockInfo{
				PID:       os.Getpid(),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if st, ok := procStartTime(os.Getpid()); ok {
				info.StartTime = st
			}
			data, merr := json.Marshal(info)
			if merr == nil {
				_, merr = f.Write(data)
			}
			if cerr := f.Close(); merr == nil {
				merr = cerr
			}
			if merr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lockfile: %w", merr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lockfile: %w", err)
		}

		pid, alive := Owner(path)
		if alive {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		// Stale: the previous daemon died without cleaning up.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lockfile: %w", err)
		}
	}
	return nil, fmt.Errorf("lockfile at %s keeps reappearing", path)
}

// Release removes the lockfile. Safe to call once only.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lockfile: %w", err)
	}
	return nil
}

// Path returns the lockfile location.
func (l *Lock) Path() string { return l.path }

// Owner reports the pid recorded in the lockfile at path and whether that
// process is still the daemon that wrote it. A missing or unreadable file
// reports no owner.
func Owner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil || info.PID <= 0 {
		return 0, false
	}
	if !processAlive(info.PID) {
		return info.PID, false
	}
	if info.StartTime != 0 {
		if st, ok := procStartTime(info.PID); ok && st != info.StartTime {
			// Same pid, different process.
			return info.PID, false
		}
	}
	return info.PID, true
}

// processAlive probes a pid with signal 0. EPERM still means alive: the
// process exists, it just belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// procStartTime reads field 22 of /proc/<pid>/stat, the process start time
// in clock ticks since boot. Reports false where /proc is unavailable.
func procStartTime(pid int) (uint64, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	// The comm field is parenthesized and may itself contain spaces or
	// parens; everything after the last ')' is space-separated.
	stat := string(data)
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 || idx+2 >= len(stat) {
		return 0, false
	}
	fields := strings.Fields(stat[idx+2:])
	// fields[0] is the state, overall field 3; start time is field 22.
	const startTimeField = 22 - 3
	if len(fields) <= startTimeField {
		return 0, false
	}
	st, err := strconv.ParseUint(fields[startTimeField], 10, 64)
	if err != nil {
		return 0, false
	}
	return st, true
}
