// Package discovery enumerates the regular files of a folder that are
// eligible for indexing: recursive or single-level walks, ignored
// directories pruned before descent, and an extension whitelist applied to
// every file.
package discovery

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/docker/folderindex/pkg/ignore"
)

// File is one discovered file: its absolute path and its path relative to
// the folder root.
type File struct {
	AbsPath string
	RelPath string
}

// Options configures a walk.
type Options struct {
	// Recursive descends into subdirectories. When false only the root's
	// immediate entries are considered.
	Recursive bool
	// Extensions is the effective whitelist: lowercase, without the leading
	// dot. Empty means no files match.
	Extensions map[string]bool
	// Ignore excludes files and prunes directories. May be nil.
	Ignore *ignore.Matcher
	// VCS optionally applies .gitignore rules on top of Ignore. May be nil.
	VCS *ignore.VCSMatcher
}

// EffectiveExtensions resolves the whitelist from a folder's configuration:
// fileTypeFilters overrides includeExtensions when non-empty.
func EffectiveExtensions(includeExtensions, fileTypeFilters []string) map[string]bool {
	src := includeExtensions
	if len(fileTypeFilters) > 0 {
		src = fileTypeFilters
	}
	out := make(map[string]bool, len(src))
	for _, ext := range src {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			out[ext] = true
		}
	}
	return out
}

// Walk enumerates eligible files under root. The walk observes context
// cancellation; the returned slice holds everything found before the error.
func Walk(ctx context.Context, root string, opts Options) ([]File, error) {
	root = filepath.Clean(root)

	var files []File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if path == root {
				return err
			}
			// Skip subtrees we cannot read.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path == root {
				return nil
			}
			if !opts.Recursive {
				return fs.SkipDir
			}
			if excluded(path, opts) {
				return fs.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		if excluded(path, opts) {
			return nil
		}

		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
		if !opts.Extensions[ext] {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = filepath.Base(path)
		}
		files = append(files, File{AbsPath: path, RelPath: rel})
		return nil
	})

	return files, err
}

func excluded(path string, opts Options) bool {
	if opts.Ignore != nil && opts.Ignore.Matches(path) {
		return true
	}
	if opts.VCS != nil && opts.VCS.Matches(path) {
		return true
	}
	return false
}
