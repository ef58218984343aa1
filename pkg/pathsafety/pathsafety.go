// Package pathsafety decides whether a user-supplied directory may be
// registered for indexing. It rejects filesystem roots, OS directories,
// the application's own resources, and paths too shallow to plausibly be
// a user project.
package pathsafety

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/docker/folderindex/pkg/paths"
)

// unixBlocklist contains Unix directories that must never be indexed
// directly. A folder nested two or more segments below one of these is
// still allowed (e.g. /Users/alice/project).
var unixBlocklist = map[string]bool{
	"System":       true,
	"Library":      true,
	"Applications": true,
	"Users":        true,
	"var":          true,
	"etc":          true,
	"private":      true,
	"usr":          true,
	"opt":          true,
	"sbin":         true,
	"bin":          true,
	"tmp":          true,
	"Volumes":      true,
	"cores":        true,
	"dev":          true,
	"proc":         true,
	"run":          true,
	"snap":         true,
	"boot":         true,
	"root":         true,
	"srv":          true,
	"lib":          true,
	"lib64":        true,
}

// windowsBlocklist contains Windows system directories directly under a
// drive root that must never be indexed. Compared case-insensitively.
var windowsBlocklist = map[string]bool{
	"windows":                   true,
	"program files":             true,
	"program files (x86)":       true,
	"users":                     true,
	"programdata":               true,
	"system volume information": true,
}

var (
	driveRootRe   = regexp.MustCompile(`^[A-Za-z]:[\\/]?$`)
	drivePathRe   = regexp.MustCompile(`^[A-Za-z]:/(.*)$`)
	resourcesMu   sync.RWMutex
	resourcesRoot string
)

// SetResourcesRoot registers the application's own resources directory.
// Paths inside it are rejected by Validate. An empty string clears it.
func SetResourcesRoot(root string) {
	resourcesMu.Lock()
	defer resourcesMu.Unlock()
	if root == "" {
		resourcesRoot = ""
		return
	}
	resourcesRoot = Normalize(root)
}

// ResourcesRoot returns the currently registered resources directory.
func ResourcesRoot() string {
	resourcesMu.RLock()
	defer resourcesMu.RUnlock()
	return resourcesRoot
}

// Normalize expands a leading tilde, resolves the path to absolute form and
// strips any trailing separator. All folder paths are stored and compared in
// this form.
func Normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" {
		p = paths.GetHomeDir()
	} else if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		if home := paths.GetHomeDir(); home != "" {
			p = filepath.Join(home, p[2:])
		}
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}

// Validate reports whether the path may be indexed. It returns an empty
// string for safe paths and a user-facing message otherwise. The path is
// normalized before the checks run.
func Validate(p string) string {
	norm := Normalize(p)

	if norm == "/" || driveRootRe.MatchString(norm) {
		return "Cannot sync the filesystem root. Choose a folder inside your home directory instead."
	}

	slash := filepath.ToSlash(norm)

	if m := drivePathRe.FindStringSubmatch(slash); m != nil {
		segments := splitSegments(m[1])
		if len(segments) == 1 && windowsBlocklist[strings.ToLower(segments[0])] {
			return fmt.Sprintf("Cannot sync the system folder %q.", segments[0])
		}
		if len(segments) < 2 {
			return "That folder is too close to the drive root. Choose a more specific folder."
		}
	} else if strings.HasPrefix(slash, "/") {
		segments := splitSegments(slash[1:])
		if len(segments) == 1 && unixBlocklist[segments[0]] {
			return fmt.Sprintf("Cannot sync the system folder /%s.", segments[0])
		}
		if len(segments) < 2 {
			return "That folder is too close to the filesystem root. Choose a more specific folder."
		}
	}

	if root := ResourcesRoot(); root != "" && isWithin(norm, root) {
		return "Cannot sync the application's own files."
	}

	return ""
}

func splitSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isWithin(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}
