package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Limits constrains one isolated command.
type Limits struct {
	Timeout     time.Duration `json:"timeout,omitempty"`
	AllowedDirs []string      `json:"allowed_dirs,omitempty"` // empty = any working dir
	DenyDirs    []string      `json:"deny_dirs,omitempty"`
}

// ValidatePath checks whether path may be used as a working directory or
// touched by a file action. DenyDirs always takes precedence over
// AllowedDirs, and an unresolvable deny rule denies.
func (l Limits) ValidatePath(path string) error {
	clean, err := resolveCleanPath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	for _, deny := range l.DenyDirs {
		base, err := resolveCleanPath(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied,
				"path %q denied: invalid deny rule %q: %v", path, deny, err)
		}
		if isUnderPath(clean, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	if len(l.AllowedDirs) == 0 {
		return nil
	}
	for _, allowed := range l.AllowedDirs {
		base, err := resolveCleanPath(allowed)
		if err != nil {
			continue
		}
		if isUnderPath(clean, base) {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is not under any allowed dir", path)
}

// resolveCleanPath makes path absolute and resolves symlinks on its longest
// existing prefix, so paths that do not exist yet compare consistently.
func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	for dir := abs; ; {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, err := filepath.Rel(parent, abs)
			if err != nil {
				return abs, nil
			}
			return filepath.Join(resolved, rel), nil
		}
		dir = parent
	}
}

// isUnderPath reports whether path is base or inside it. /tmp does not
// contain /tmpevil.
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsolatorCaps describes what an isolator can enforce beyond the timeout.
type IsolatorCaps struct {
	CanLimitMemory  bool `json:"can_limit_memory"`
	CanLimitCPU     bool `json:"can_limit_cpu"`
	CanLimitNetwork bool `json:"can_limit_network"`
	CanIsolateFS    bool `json:"can_isolate_fs"`
}

// Isolator wraps a command so that it runs under limits. The returned
// cleanup must always be called once the process has finished, and the
// caller must run the returned command rather than the original.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
	Capabilities() IsolatorCaps
}

// NewIsolator returns the isolator for this platform.
func NewIsolator() Isolator {
	return NewFallbackIsolator()
}
