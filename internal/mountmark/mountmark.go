// Package mountmark resolves watched paths to their backing mount points
// and installs/tracks fanotify marks on those mounts.
package mountmark

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"cmdtrace/internal/fanotify"
	"cmdtrace/internal/pathtree"
)

// MarkState records one installed mark, mirroring jailhouse's JailState
// bookkeeping shape (id + metadata + install time) but never persisted to
// disk: a mark's only owner is the fanotify fd that armed it, and that fd
// dies with the process, so there is nothing meaningful to reconcile on
// the next run.
type MarkState struct {
	Mount     string
	Watched   []string // include paths resolved to this mount
	InstalledAt time.Time
}

// Manager tracks marks installed on the engine's fanotify group, keyed by
// mount point so repeated include paths under the same mount only cost
// one fanotify_mark call.
type Manager struct {
	group  *fanotify.Group
	mu     sync.RWMutex
	marked map[string]*MarkState
	logger *log.Logger
}

// NewManager wraps an already-initialized fanotify group.
func NewManager(group *fanotify.Group, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[mountmark] ", log.LstdFlags)
	}
	return &Manager{group: group, marked: make(map[string]*MarkState), logger: logger}
}

// InstallTree resolves every root path in tree to its mount point and
// installs a mark on each distinct mount exactly once.
func (m *Manager) InstallTree(tree *pathtree.Tree) error {
	for _, path := range tree.Roots() {
		if err := m.Install(path); err != nil {
			return err
		}
	}
	return nil
}

// Install marks the mount backing path, tolerating repeat calls for paths
// sharing a mount.
func (m *Manager) Install(path string) error {
	mount, err := ResolveMountPoint(path)
	if err != nil {
		return &MarkError{Path: path, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if state, exists := m.marked[mount]; exists {
		state.Watched = append(state.Watched, path)
		return nil
	}

	if err := m.group.Mark(mount, false); err != nil {
		return &MarkError{Path: path, Mount: mount, Err: err}
	}

	m.marked[mount] = &MarkState{Mount: mount, Watched: []string{path}, InstalledAt: time.Now()}
	m.logger.Printf("installed mark on mount %s (watching %s)", mount, path)
	return nil
}

// List returns the currently installed marks, sorted by mount for
// deterministic diagnostics output.
func (m *Manager) List() []*MarkState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*MarkState, 0, len(m.marked))
	for _, s := range m.marked {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mount < out[j].Mount })
	return out
}

// Get returns the mark state for a mount, if any.
func (m *Manager) Get(mount string) (*MarkState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.marked[mount]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// ResolveMountPoint finds the mount point backing path by the longest
// matching prefix in /proc/self/mountinfo. No third-party library in the
// retrieved pack parses mountinfo, and this is a handful of lines of
// bufio.Scanner over a pseudo-file — squarely stdlib territory.
func ResolveMountPoint(path string) (string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", fmt.Errorf("open mountinfo: %w", err)
	}
	defer f.Close()

	best := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		mountPoint := fields[4]
		if (path == mountPoint || strings.HasPrefix(path, mountPoint+"/")) && len(mountPoint) > len(best) {
			best = mountPoint
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan mountinfo: %w", err)
	}
	if best == "" {
		return "", fmt.Errorf("no mount found for %s", path)
	}
	return best, nil
}

// MarkError reports a failure installing a kernel file-access mark.
type MarkError struct {
	Path  string
	Mount string
	Err   error
}

func (e *MarkError) Error() string {
	if e.Mount != "" {
		return fmt.Sprintf("mark error: path %s on mount %s: %v", e.Path, e.Mount, e.Err)
	}
	return fmt.Sprintf("mark error: path %s: %v", e.Path, e.Err)
}

func (e *MarkError) Unwrap() error { return e.Err }
