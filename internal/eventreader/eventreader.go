// Package eventreader drains the fanotify notification channel and
// resolves raw kernel events into model.RawEvent records.
package eventreader

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"cmdtrace/internal/fanotify"
	"cmdtrace/internal/model"
	"cmdtrace/internal/pathtree"
)

// Reader resolves fanotify events against a pinned root-dir descriptor.
type Reader struct {
	group  *fanotify.Group
	rootFd int

	filterMu    sync.RWMutex
	include     *pathtree.Tree
	exclude     *pathtree.Tree
	maxFileSize int64

	logger      *log.Logger
	overflowLim *rate.Limiter
}

// New constructs a Reader. rootFd must be the descriptor pinned before
// the mount namespace was unshared (internal/nsisolate.PinOriginalRoot),
// so /proc/self/fd/N resolution stays stable across the isolation.
func New(group *fanotify.Group, rootFd int, include, exclude *pathtree.Tree, maxFileSize int64, logger *log.Logger) *Reader {
	return &Reader{
		group:       group,
		rootFd:      rootFd,
		include:     include,
		exclude:     exclude,
		maxFileSize: maxFileSize,
		logger:      logger,
		overflowLim: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// UpdateFilters swaps the active include/exclude trees and max-file-size
// threshold, used by the configuration hot-reload path in socket mode.
// Safe to call concurrently with Drain.
func (r *Reader) UpdateFilters(include, exclude *pathtree.Tree, maxFileSize int64) {
	r.filterMu.Lock()
	defer r.filterMu.Unlock()
	r.include = include
	r.exclude = exclude
	r.maxFileSize = maxFileSize
}

// Drain reads and resolves every currently-available fanotify event,
// dropping ones that fail the tolerance list or the path filters.
func (r *Reader) Drain(buf []byte) ([]model.RawEvent, error) {
	raws, err := fanotify.ReadEvents(r.group.Fd, buf)
	if err != nil {
		return nil, &ReaderError{Op: "read fanotify events", Err: err}
	}

	out := make([]model.RawEvent, 0, len(raws))
	for _, ev := range raws {
		resolved, ok := r.resolve(ev)
		if ok {
			out = append(out, resolved)
		}
	}
	return out, nil
}

// resolve implements the six-step contract: classify, resolve path, stat,
// close, filter, hand off. Returns ok=false for any tolerated failure.
func (r *Reader) resolve(ev fanotify.Event) (model.RawEvent, bool) {
	if ev.Mask&unix.FAN_Q_OVERFLOW != 0 {
		r.NoteOverflow()
		return model.RawEvent{}, false
	}

	fd := int(ev.Fd)
	defer unix.Close(fd) // unconditional: the reader owns this fd

	kind := model.RawRead
	switch {
	case fanotify.IsWrite(ev.Mask):
		kind = model.RawWrite
	case fanotify.IsRead(ev.Mask):
		kind = model.RawRead
	default:
		return model.RawEvent{}, false
	}

	path, err := r.resolvePath(fd)
	if err != nil {
		r.logf("drop event: resolve path for fd %d: %v", fd, err)
		return model.RawEvent{}, false
	}
	if strings.HasSuffix(path, " (deleted)") {
		return model.RawEvent{}, false
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		r.logf("drop event: stat %s: %v", path, err)
		return model.RawEvent{}, false
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return model.RawEvent{}, false
	}

	r.filterMu.RLock()
	include, exclude, maxFileSize := r.include, r.exclude, r.maxFileSize
	r.filterMu.RUnlock()

	if !pathtree.Decide(include, exclude, path) {
		return model.RawEvent{}, false
	}
	if maxFileSize > 0 && st.Size > maxFileSize {
		return model.RawEvent{}, false
	}

	return model.RawEvent{
		Kind:  kind,
		Path:  path,
		Size:  st.Size,
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Pid:   ev.Pid,
	}, true
}

// resolvePath reads the magic /proc/self/fd/N symlink relative to the
// pinned root descriptor so the result stays meaningful in the original
// mount view even after the engine's own namespace has been unshared.
func (r *Reader) resolvePath(fd int) (string, error) {
	// No leading slash: readlinkat(2) ignores dirfd for an absolute
	// pathname, which would silently resolve against the engine's
	// post-unshare view of / instead of the pinned rootFd.
	link := fmt.Sprintf("proc/self/fd/%d", fd)
	buf := make([]byte, 4096)
	n, err := unix.Readlinkat(r.rootFd, link, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// NoteOverflow logs a kernel-queue-overflow warning, throttled so a sudden
// burst of overflow notifications doesn't itself flood the log — the spec
// requires only that overflow be logged, not recovered from.
func (r *Reader) NoteOverflow() {
	if r.overflowLim.Allow() {
		r.logf("fanotify queue overflow: events may have been lost")
	}
}

func (r *Reader) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// ReaderError reports a fatal failure draining the notification channel.
// Per the error-handling policy, only this error kind skips final
// persistence; per-event resolution failures are tolerated and logged.
type ReaderError struct {
	Op  string
	Err error
}

func (e *ReaderError) Error() string {
	return fmt.Sprintf("reader error: %s: %v", e.Op, e.Err)
}

func (e *ReaderError) Unwrap() error { return e.Err }
