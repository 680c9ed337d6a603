// Package fsio provides crash-safe file primitives: whole-file atomic
// replacement and a synced append handle with optional advisory locking.
package fsio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/aos-labs/contextd/internal/model"
)

// WriteAtomic replaces the file at path with data. A reader observes either
// the prior content or the new content, never a partial write: data lands in
// a temp file in the same directory, is fsynced, then renamed over path, and
// the parent directory is fsynced.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.EWrap(model.KindIO, err, "create dir %s", dir)
	}

	tmp := fmt.Sprintf("%s.tmp.%s", path, uuid.NewString()[:8])
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return model.EWrap(model.KindIO, err, "open temp %s", tmp)
	}

	cleanup := func() { _ = f.Close(); _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		cleanup()
		return model.EWrap(model.KindIO, err, "write temp %s", tmp)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return model.EWrap(model.KindIO, err, "sync temp %s", tmp)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return model.EWrap(model.KindIO, err, "close temp %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return model.EWrap(model.KindIO, err, "rename %s", path)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		// Directory sync is best effort on platforms that refuse O_RDONLY
		// opens of directories.
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}

// LockMode selects cross-process serialization for append handles.
type LockMode string

const (
	LockAdvisory LockMode = "advisory"
	LockNone     LockMode = "none"
)

// AppendHandle is a single-writer append handle with per-line fsync. Within a
// process, appends are serialized by an internal mutex; across processes by
// an advisory flock when the mode allows it.
type AppendHandle struct {
	mu   sync.Mutex
	f    *os.File
	mode LockMode
}

// OpenAppend opens (creating if needed) path for durable line appends.
func OpenAppend(path string, mode LockMode) (*AppendHandle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, model.EWrap(model.KindIO, err, "create dir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, model.EWrap(model.KindIO, err, "open append %s", path)
	}
	return &AppendHandle{f: f, mode: mode}, nil
}

// AppendLine writes line plus a trailing newline in a single write and
// fsyncs. A crash mid-write can leave a torn final line, which readers
// detect as corruption.
func (h *AppendHandle) AppendLine(line []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mode == LockAdvisory {
		if err := unix.Flock(int(h.f.Fd()), unix.LOCK_EX); err == nil {
			defer unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
		}
		// Flock failure falls back to the single-writer assumption.
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := h.f.Write(buf); err != nil {
		return model.EWrap(model.KindIO, err, "append %s", h.f.Name())
	}
	if err := h.f.Sync(); err != nil {
		return model.EWrap(model.KindIO, err, "sync %s", h.f.Name())
	}
	return nil
}

// Close releases the handle.
func (h *AppendHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Close()
}
