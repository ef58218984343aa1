// Package ignore matches paths against user exclude patterns and a
// compile-time aggressive exclusion set. The aggressive set is what the
// file watcher uses: it must reject heavy directories before the OS opens
// a descriptor for them.
package ignore

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// aggressiveSegments are directory names excluded unconditionally,
// regardless of user configuration.
var aggressiveSegments = []string{
	"node_modules",
	".git",
	".next",
	"dist",
	"build",
	"coverage",
	".local-data",
	"dist-electron",
	".vscode",
	".idea",
	"tmp",
	"temp",
	"__pycache__",
	".cache",
	".gradle",
	".DS_Store",
	"Thumbs.db",
}

// Matcher matches paths against a pattern list. Patterns may be bare
// segments (match any path component), path fragments containing slashes
// (match any subpath), or globs with * and **.
type Matcher struct {
	root      string
	segments  map[string]bool
	fragments []string
	globs     []string
}

// NewMatcher builds a matcher for the given folder root and pattern list.
func NewMatcher(root string, patterns []string) *Matcher {
	m := &Matcher{
		root:     filepath.ToSlash(filepath.Clean(root)),
		segments: make(map[string]bool),
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = filepath.ToSlash(p)
		switch {
		case hasGlob(p):
			m.globs = append(m.globs, strings.TrimPrefix(p, "./"))
		case strings.Contains(strings.Trim(p, "/"), "/"):
			m.fragments = append(m.fragments, strings.Trim(p, "/"))
		default:
			m.segments[strings.Trim(p, "/")] = true
		}
	}
	return m
}

// NewAggressiveMatcher builds a matcher that combines the compile-time
// aggressive set with the given user patterns.
func NewAggressiveMatcher(root string, patterns []string) *Matcher {
	return NewMatcher(root, append(append([]string{}, aggressiveSegments...), patterns...))
}

// AggressiveSegments returns a copy of the unconditional exclusion list.
func AggressiveSegments() []string {
	return append([]string{}, aggressiveSegments...)
}

// Matches reports whether the path is excluded. The path is matched in both
// absolute and root-relative forms.
func (m *Matcher) Matches(path string) bool {
	abs := filepath.ToSlash(filepath.Clean(path))
	rel := abs
	if m.root != "" && strings.HasPrefix(abs, m.root+"/") {
		rel = strings.TrimPrefix(abs, m.root+"/")
	}

	if len(m.segments) > 0 {
		for _, seg := range strings.Split(rel, "/") {
			if m.segments[seg] {
				return true
			}
		}
	}

	for _, frag := range m.fragments {
		if rel == frag || strings.HasPrefix(rel, frag+"/") || strings.HasSuffix(rel, "/"+frag) || strings.Contains(rel, "/"+frag+"/") {
			return true
		}
	}

	for _, glob := range m.globs {
		if ok, err := doublestar.Match(glob, rel); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(glob, abs); err == nil && ok {
			return true
		}
	}

	return false
}

func hasGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}
