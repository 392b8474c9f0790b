// Package vfs provides the explicit filesystem-handle value that
// replaces the teacher corpus's globally patched file-access wrappers
// (spec.md §9 redesign flag). Every component that touches disk is
// handed a *VFS rather than calling os.* directly, so path auditing and
// store-specific path encoding happen in one place.
package vfs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rcowham/vcscore/apperr"
)

// VFS roots all file access at Root and audits every path that passes
// through it.
type VFS struct {
	Root string
	// Encode, if set, transforms a logical path into an on-disk path
	// before any operation touches disk (used by the store VFS for
	// filelog path encoding; nil for the working-copy VFS).
	Encode func(string) string
}

// New returns a VFS rooted at root with no path encoding.
func New(root string) *VFS {
	return &VFS{Root: root}
}

// WithEncoding returns a copy of v that applies enc to every path before
// joining it to Root, for the store's filelog-path subclass.
func (v *VFS) WithEncoding(enc func(string) string) *VFS {
	return &VFS{Root: v.Root, Encode: enc}
}

// Join resolves a logical, '/'-separated path to an absolute filesystem
// path without auditing it; callers that need audited writes must call
// Audit first.
func (v *VFS) Join(path string) string {
	p := path
	if v.Encode != nil {
		p = v.Encode(p)
	}
	return filepath.Join(v.Root, filepath.FromSlash(p))
}

// Audit rejects a working-copy path per spec.md §4.6: it may not
// contain a ".hg"-equivalent component, escape the root via "..", or
// traverse a symlink at a non-terminal component. It does not check for
// case-insensitive collisions with tracked paths; only dirstate knows
// the tracked set, and it makes that check itself.
func (v *VFS) Audit(path string, storeDirName string) error {
	if path == "" {
		return apperr.NewPathError(path, "empty path")
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == "." {
		return apperr.NewPathError(path, "empty path")
	}
	parts := splitClean(clean)
	for _, part := range parts {
		if part == ".." {
			return apperr.NewPathError(path, "escapes working-copy root")
		}
		if storeDirName != "" && part == storeDirName {
			return apperr.NewPathError(path, "path traverses the store directory")
		}
	}
	if filepath.IsAbs(path) {
		return apperr.NewPathError(path, "absolute paths are not permitted")
	}
	// Walk non-terminal components and reject any that are symlinks.
	walked := ""
	for i, part := range parts[:max(0, len(parts)-1)] {
		if i == 0 {
			walked = part
		} else {
			walked = walked + "/" + part
		}
		fi, err := os.Lstat(filepath.Join(v.Root, filepath.FromSlash(walked)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return apperr.NewPathError(path, err.Error())
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return apperr.NewPathError(path, "traverses a symbolic link component")
		}
	}
	return nil
}

func splitClean(p string) []string {
	var out []string
	for _, part := range filepathSplitList(p) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func filepathSplitList(p string) []string {
	var out []string
	cur := ""
	for _, r := range p {
		if r == '/' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	out = append(out, cur)
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Open opens a file relative to Root for reading.
func (v *VFS) Open(path string) (*os.File, error) {
	return os.Open(v.Join(path))
}

// Create creates (or truncates) a file relative to Root, creating parent
// directories as needed.
func (v *VFS) Create(path string) (*os.File, error) {
	full := v.Join(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	return os.Create(full)
}

// Stat lstat's a path relative to Root.
func (v *VFS) Stat(path string) (os.FileInfo, error) {
	return os.Lstat(v.Join(path))
}

// Rename renames src to dst, both relative to Root.
func (v *VFS) Rename(src, dst string) error {
	full := v.Join(dst)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.Rename(v.Join(src), full)
}

// Unlink removes a path relative to Root.
func (v *VFS) Unlink(path string) error {
	return os.Remove(v.Join(path))
}

// ReadFile reads the whole file relative to Root.
func (v *VFS) ReadFile(path string) ([]byte, error) {
	f, err := v.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFileAtomic writes data to path by writing to a tempfile in the
// same directory and renaming over the destination, the idiom spec.md
// §4.6 requires for dirstate and every other single-file store.
func (v *VFS) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	full := v.Join(path)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, full)
}
