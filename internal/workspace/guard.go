// Package workspace enforces the per-session filesystem boundary. Every
// path a tool touches goes through Guard.Resolve first.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// PathErrorKind classifies Resolve failures.
type PathErrorKind string

const (
	ErrEmptyPath        PathErrorKind = "empty_path"
	ErrNotAbsolute      PathErrorKind = "not_absolute"
	ErrOutsideWorkspace PathErrorKind = "outside_workspace"
	ErrNotFound         PathErrorKind = "not_found"
	ErrNotAFile         PathErrorKind = "not_a_file"
	ErrNotADirectory    PathErrorKind = "not_a_directory"
	ErrUnresolvable     PathErrorKind = "unresolvable"
)

// PathError is a boundary violation or resolution failure. Kind lets
// callers branch; Path is what the caller asked for.
type PathError struct {
	Kind PathErrorKind
	Path string
}

func (e *PathError) Error() string {
	switch e.Kind {
	case ErrEmptyPath:
		return "path is empty"
	case ErrNotAbsolute:
		return fmt.Sprintf("path must be absolute: %s", e.Path)
	case ErrOutsideWorkspace:
		return fmt.Sprintf("access denied: path outside workspace: %s", e.Path)
	case ErrNotFound:
		return fmt.Sprintf("path does not exist: %s", e.Path)
	case ErrNotAFile:
		return fmt.Sprintf("not a regular file: %s", e.Path)
	case ErrNotADirectory:
		return fmt.Sprintf("not a directory: %s", e.Path)
	}
	return fmt.Sprintf("access denied: cannot resolve path: %s", e.Path)
}

// Guard confines file access to one session's workspace directory.
type Guard struct {
	root string // canonical absolute workspace root
	log  *slog.Logger
}

// New creates a Guard rooted at dir, creating it if needed. The stored
// root is canonical so symlinked workspace paths compare correctly.
func New(dir string) (*Guard, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize workspace root: %w", err)
	}
	return &Guard{root: real, log: slog.With("component", "workspace")}, nil
}

// Root returns the canonical workspace root.
func (g *Guard) Root() string { return g.root }

// UploadsDir returns the attachment staging directory, creating it lazily.
func (g *Guard) UploadsDir() (string, error) {
	dir := filepath.Join(g.root, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}
	return dir, nil
}

// Resolve canonicalizes p and verifies it stays inside the workspace.
// Missing leaves are allowed (for writes); the deepest existing ancestor
// is canonicalized so symlink chains cannot escape through a path that
// does not exist yet.
func (g *Guard) Resolve(p string) (string, error) {
	if p == "" {
		return "", &PathError{Kind: ErrEmptyPath}
	}
	if !filepath.IsAbs(p) {
		return "", &PathError{Kind: ErrNotAbsolute, Path: p}
	}
	clean := filepath.Clean(p)

	real, err := filepath.EvalSymlinks(clean)
	if err != nil {
		if !os.IsNotExist(err) {
			g.log.Warn("path resolve failed", "path", p, "error", err)
			return "", &PathError{Kind: ErrUnresolvable, Path: p}
		}
		if linfo, lerr := os.Lstat(clean); lerr == nil && linfo.Mode()&os.ModeSymlink != 0 {
			// Broken symlink. Validate its target, resolving through
			// existing ancestors to catch chained links.
			target, readErr := os.Readlink(clean)
			if readErr != nil {
				return "", &PathError{Kind: ErrUnresolvable, Path: p}
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(clean), target)
			}
			real, err = resolveThroughExistingAncestors(filepath.Clean(target))
			if err != nil {
				g.log.Warn("broken symlink resolve failed", "path", p, "target", target)
				return "", &PathError{Kind: ErrUnresolvable, Path: p}
			}
		} else {
			real, err = resolveThroughExistingAncestors(clean)
			if err != nil {
				return "", &PathError{Kind: ErrUnresolvable, Path: p}
			}
		}
	}

	if !isPathInside(real, g.root) {
		g.log.Warn("path escape blocked", "path", p, "resolved", real, "workspace", g.root)
		return "", &PathError{Kind: ErrOutsideWorkspace, Path: p}
	}
	return real, nil
}

// ResolveExistingFile resolves p and requires a regular file at the result.
func (g *Guard) ResolveExistingFile(p string) (string, error) {
	real, err := g.Resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(real)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &PathError{Kind: ErrNotFound, Path: p}
		}
		return "", &PathError{Kind: ErrUnresolvable, Path: p}
	}
	if info.IsDir() {
		return "", &PathError{Kind: ErrNotAFile, Path: p}
	}
	return real, nil
}

// ResolveExistingDir resolves p and requires a directory at the result.
func (g *Guard) ResolveExistingDir(p string) (string, error) {
	real, err := g.Resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(real)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &PathError{Kind: ErrNotFound, Path: p}
		}
		return "", &PathError{Kind: ErrUnresolvable, Path: p}
	}
	if !info.IsDir() {
		return "", &PathError{Kind: ErrNotADirectory, Path: p}
	}
	return real, nil
}

// EnsureParent resolves p for writing and creates its parent directories.
func (g *Guard) EnsureParent(p string) (string, error) {
	real, err := g.Resolve(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
		return "", fmt.Errorf("create parent dirs: %w", err)
	}
	return real, nil
}

// IsWithin reports whether p resolves inside the workspace.
func (g *Guard) IsWithin(p string) bool {
	_, err := g.Resolve(p)
	return err == nil
}

// isPathInside checks whether child is inside or equal to parent directory.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// resolveThroughExistingAncestors canonicalizes the deepest existing
// ancestor of target, then reattaches the missing tail components.
func resolveThroughExistingAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}

	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}
