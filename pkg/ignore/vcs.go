package ignore

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// VCSMatcher applies .gitignore rules from the repository that contains a
// folder root. Folders outside any repository get a nil matcher, which
// matches nothing.
type VCSMatcher struct {
	repoRoot string
	matcher  gitignore.Matcher
}

var (
	vcsCache   = make(map[string]*VCSMatcher)
	vcsNoRepo  = make(map[string]bool)
	vcsCacheMu sync.Mutex
)

// NewVCSMatcher loads .gitignore patterns for the repository containing
// basePath. Returns (nil, nil) when no repository is found; that is not an
// error. Results are cached per repository root.
func NewVCSMatcher(basePath string) (*VCSMatcher, error) {
	vcsCacheMu.Lock()
	if vcsNoRepo[basePath] {
		vcsCacheMu.Unlock()
		return nil, nil
	}
	if m, ok := vcsCache[basePath]; ok {
		vcsCacheMu.Unlock()
		return m, nil
	}
	vcsCacheMu.Unlock()

	repo, err := git.PlainOpenWithOptions(basePath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		slog.Debug("No git repository found", "directory", basePath)
		vcsCacheMu.Lock()
		vcsNoRepo[basePath] = true
		vcsCacheMu.Unlock()
		return nil, nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	repoRoot := worktree.Filesystem.Root()

	patterns, err := gitignore.ReadPatterns(worktree.Filesystem, nil)
	if err != nil {
		slog.Warn("Failed to read gitignore patterns", "path", repoRoot, "error", err)
		return nil, err
	}

	m := &VCSMatcher{
		repoRoot: repoRoot,
		matcher:  gitignore.NewMatcher(patterns),
	}

	vcsCacheMu.Lock()
	vcsCache[basePath] = m
	vcsCacheMu.Unlock()

	slog.Debug("Loaded gitignore patterns", "repository", repoRoot)
	return m, nil
}

// RepoRoot returns the repository root path for this matcher.
func (m *VCSMatcher) RepoRoot() string {
	if m == nil {
		return ""
	}
	return m.repoRoot
}

// Matches reports whether the path is ignored by VCS rules. A nil matcher
// matches nothing.
func (m *VCSMatcher) Matches(path string) bool {
	if m == nil {
		return false
	}

	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".git" {
			return true
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if !strings.HasPrefix(absPath, m.repoRoot) {
		return false
	}

	relPath, err := filepath.Rel(m.repoRoot, absPath)
	if err != nil {
		return false
	}

	info, err := os.Stat(path)
	isDir := err == nil && info.IsDir()

	return m.matcher.Match(strings.Split(filepath.ToSlash(relPath), "/"), isDir)
}
