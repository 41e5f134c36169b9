package state

import (
	"os"
	"path/filepath"
	"time"
)

// writeFileAtomic writes data to path via a temp file and rename so readers
// never observe a partial file. The parent directory is created when
// missing.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()

	err = tmp.Chmod(perm)
	if err == nil {
		_, err = tmp.Write(data)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// fileVersion remembers which on-disk copy of a state file is loaded in
// memory, so stores can detect edits made by other processes.
type fileVersion struct {
	loaded bool
	exists bool
	mtime  time.Time
	size   int64
}

// stale reports whether the file differs from the loaded copy. A file that
// vanished counts as stale so the store falls back to empty state.
func (v *fileVersion) stale(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return !v.loaded || v.exists
	}
	return !v.loaded || !v.exists || !fi.ModTime().Equal(v.mtime) || fi.Size() != v.size
}

// mark records the file's current identity as the loaded version.
func (v *fileVersion) mark(path string) {
	v.loaded = true
	fi, err := os.Stat(path)
	if err != nil {
		v.exists = false
		v.mtime = time.Time{}
		v.size = 0
		return
	}
	v.exists = true
	v.mtime = fi.ModTime()
	v.size = fi.Size()
}
