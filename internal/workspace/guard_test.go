package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestResolveRejections(t *testing.T) {
	g := newGuard(t)

	tests := []struct {
		name string
		path string
		kind PathErrorKind
	}{
		{"empty", "", ErrEmptyPath},
		{"relative", "notes.txt", ErrNotAbsolute},
		{"outside", "/etc/passwd", ErrOutsideWorkspace},
		{"dotdot escape", filepath.Join(g.Root(), "..", "other"), ErrOutsideWorkspace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Resolve(tt.path)
			var pe *PathError
			if !errors.As(err, &pe) {
				t.Fatalf("Resolve(%q) err = %v, want PathError", tt.path, err)
			}
			if pe.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", pe.Kind, tt.kind)
			}
		})
	}
}

func TestResolveInsideWorkspace(t *testing.T) {
	g := newGuard(t)
	p := filepath.Join(g.Root(), "sub", "file.txt")
	got, err := g.Resolve(p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != p {
		t.Errorf("got %q, want %q", got, p)
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	g := newGuard(t)
	outside := t.TempDir()
	link := filepath.Join(g.Root(), "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	_, err := g.Resolve(filepath.Join(link, "x.txt"))
	var pe *PathError
	if !errors.As(err, &pe) || pe.Kind != ErrOutsideWorkspace {
		t.Errorf("symlink escape not blocked: %v", err)
	}
}

func TestResolveBrokenSymlinkEscape(t *testing.T) {
	g := newGuard(t)
	link := filepath.Join(g.Root(), "dangling")
	if err := os.Symlink("/nonexistent/outside/target", link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	_, err := g.Resolve(link)
	var pe *PathError
	if !errors.As(err, &pe) || pe.Kind != ErrOutsideWorkspace {
		t.Errorf("broken symlink escape not blocked: %v", err)
	}
}

func TestResolveExistingFile(t *testing.T) {
	g := newGuard(t)
	dir := filepath.Join(g.Root(), "d")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := g.ResolveExistingFile(filepath.Join(g.Root(), "missing.txt")); err == nil {
		t.Error("missing file accepted")
	}
	var pe *PathError
	if _, err := g.ResolveExistingFile(dir); !errors.As(err, &pe) || pe.Kind != ErrNotAFile {
		t.Errorf("directory accepted as file: %v", err)
	}

	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := g.ResolveExistingFile(file); err != nil {
		t.Errorf("ResolveExistingFile: %v", err)
	}
}

func TestEnsureParentCreatesDirs(t *testing.T) {
	g := newGuard(t)
	p := filepath.Join(g.Root(), "a", "b", "c.txt")
	real, err := g.EnsureParent(p)
	if err != nil {
		t.Fatalf("EnsureParent: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(real)); err != nil {
		t.Errorf("parent not created: %v", err)
	}
}

func TestUploadsDir(t *testing.T) {
	g := newGuard(t)
	dir, err := g.UploadsDir()
	if err != nil {
		t.Fatalf("UploadsDir: %v", err)
	}
	if !g.IsWithin(dir) {
		t.Errorf("uploads dir %q escapes workspace", dir)
	}
}
