// Package pathtree implements prefix-based include/exclude path matching
// with subtree semantics: a path matches a tree iff some ancestor of it
// (including itself) was inserted into the tree.
package pathtree

import (
	"path/filepath"
	"strings"
)

// Tree is a set of absolute paths with subtree match semantics.
type Tree struct {
	roots map[string]struct{}
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{roots: make(map[string]struct{})}
}

// Insert adds an absolute path to the tree. Relative paths are cleaned but
// not resolved against the working directory — callers are expected to
// pass absolute paths per the watch-configuration contract.
func (t *Tree) Insert(path string) {
	t.roots[filepath.Clean(path)] = struct{}{}
}

// Len reports how many root paths were inserted.
func (t *Tree) Len() int {
	return len(t.roots)
}

// Match reports whether path is path-equal to, or a descendant of, any
// inserted root.
func (t *Tree) Match(path string) bool {
	path = filepath.Clean(path)
	for root := range t.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Roots returns a copy of the inserted root paths, sorted order not
// guaranteed.
func (t *Tree) Roots() []string {
	out := make([]string, 0, len(t.roots))
	for r := range t.roots {
		out = append(out, r)
	}
	return out
}

// Decide applies the watch-configuration rule "exclude wins on tie": a path
// is observed iff it matches include and does not match exclude.
func Decide(include, exclude *Tree, path string) bool {
	if exclude != nil && exclude.Match(path) {
		return false
	}
	if include == nil {
		return false
	}
	return include.Match(path)
}
