package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathNotAllowed is returned for paths outside every workspace root.
	ErrPathNotAllowed = errors.New("path not allowed")

	// ErrUnsafePattern is returned for patterns rejected before execution.
	ErrUnsafePattern = errors.New("unsafe pattern")
)

// SecurityError is a rejection made before any file was touched.
type SecurityError struct {
	Path string
	Err  error
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Path)
}

func (e *SecurityError) Unwrap() error { return e.Err }

// SecurityViolation marks the error for the tool router.
func (e *SecurityError) SecurityViolation() bool { return true }

// Resolver resolves paths against an allow-list of workspace roots.
// Relative paths are taken relative to the first root.
type Resolver struct {
	Roots []string
}

// NewResolver creates a resolver for roots. Roots are made absolute and
// their symlinks resolved once here.
func NewResolver(roots ...string) (Resolver, error) {
	resolved := make([]string, 0, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return Resolver{}, fmt.Errorf("resolve workspace root %q: %w", root, err)
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		resolved = append(resolved, abs)
	}
	if len(resolved) == 0 {
		return Resolver{}, errors.New("at least one workspace root is required")
	}
	return Resolver{Roots: resolved}, nil
}

// Resolve returns the real absolute path for path, following symlinks, and
// fails with ErrPathNotAllowed unless it lies within one of the roots.
// The path itself does not need to exist yet.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	if len(r.Roots) == 0 {
		return "", &SecurityError{Path: path, Err: ErrPathNotAllowed}
	}
	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.Roots[0], target)
	}
	target, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	real, err := realPath(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !r.Allowed(real) {
		return "", &SecurityError{Path: path, Err: ErrPathNotAllowed}
	}
	return real, nil
}

// Allowed reports whether an absolute, symlink-free path is within a root.
func (r Resolver) Allowed(path string) bool {
	for _, root := range r.Roots {
		if within(root, path) {
			return true
		}
	}
	return false
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && !filepath.IsAbs(rel)
}

// realPath resolves symlinks in the longest existing prefix of path and
// appends the rest unchanged.
func realPath(path string) (string, error) {
	var rest []string
	current := path
	for {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				real = filepath.Join(real, rest[i])
			}
			return real, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		rest = append(rest, filepath.Base(current))
		current = parent
	}
}
