// Package ephemeral owns short-lived files that hold key material.
//
// A File is created empty with owner-only permissions before anything is
// written to it, and Release overwrites and removes it. Release is
// idempotent and never panics; a failure to delete is returned as a
// *CleanupError so callers can report it without it replacing the result
// of the operation that used the file.
package ephemeral

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Mode is the permission every ephemeral file is created with.
const Mode os.FileMode = 0o600

// ErrCleanupFailed is matched by every CleanupError.
var ErrCleanupFailed = errors.New("cleanup failed")

// CleanupError reports that an ephemeral file could not be removed. It is
// a warning: the file may still exist on disk at Path.
type CleanupError struct {
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup failed for %s: %v", e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

func (e *CleanupError) Is(target error) bool {
	return target == ErrCleanupFailed
}

// File is a path holding sensitive bytes that must not outlive its owner.
type File struct {
	path      string
	createdAt time.Time

	mu       sync.Mutex
	released bool
	cleanup  runtime.Cleanup

	// remove is swapped in tests to simulate deletion failures
	remove func(string) error
}

// Create makes a new empty file called name in dir (os.TempDir() when
// empty). name is a bare file name carrying the caller's random component,
// e.g. "certvault-3f2a....pfx". The file is created exclusively with Mode
// so it never collides with, or reuses, an existing file.
func Create(dir, name string) (*File, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid ephemeral file name %q", name)
	}

	path := filepath.Join(dir, name)
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, Mode)
	if err != nil {
		return nil, fmt.Errorf("failed to create ephemeral file: %w", err)
	}
	// umask can only clear bits, but make the mode explicit anyway
	if err := fh.Chmod(Mode); err != nil {
		_ = fh.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to restrict ephemeral file: %w", err)
	}
	if err := fh.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to create ephemeral file: %w", err)
	}

	f := &File{
		path:      path,
		createdAt: time.Now(),
		remove:    os.Remove,
	}
	// Last resort if the owner drops the File without releasing it.
	f.cleanup = runtime.AddCleanup(f, func(p string) { _ = os.Remove(p) }, path)
	return f, nil
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// CreatedAt returns when the file was created.
func (f *File) CreatedAt() time.Time {
	return f.createdAt
}

// Released reports whether Release has completed successfully.
func (f *File) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Release overwrites the file with random bytes, then removes it. Removal
// is attempted twice. Calling Release again after success is a no-op; after
// a failure it tries again.
func (f *File) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released {
		return nil
	}

	// Overwriting is best effort: removal is what the guarantee rests on.
	_ = shred(f.path)

	err := f.remove(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		err = f.remove(f.path)
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return &CleanupError{Path: f.path, Err: err}
	}

	f.released = true
	f.cleanup.Stop()
	return nil
}

// String identifies the file without revealing anything about its contents.
func (f *File) String() string {
	return "ephemeral:" + f.path
}

func shred(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	fh, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer func() { _ = fh.Close() }()

	if err := overwriteWithRandom(fh, size); err != nil {
		return err
	}
	return fh.Sync()
}

func overwriteWithRandom(w io.Writer, size int64) error {
	const bufSize = 64 * 1024

	buf := make([]byte, bufSize)
	remaining := size

	for remaining > 0 {
		n := bufSize
		if remaining < int64(bufSize) {
			n = int(remaining)
		}
		if _, err := rand.Read(buf[:n]); err != nil {
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		remaining -= int64(n)
	}

	return nil
}
