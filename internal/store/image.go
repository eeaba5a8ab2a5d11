package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/Lysandre0/virtusb/internal/device"
)

const imageSuffix = ".img"

// ImageStore keeps one fixed-size zero-filled backing file per device.
type ImageStore struct {
	dir string

	// freeBytes is swappable so tests can simulate a full filesystem.
	freeBytes func(dir string) (uint64, error)
}

// NewImageStore opens (and creates if needed) an image directory.
func NewImageStore(dir string) (*ImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("image dir: %w", err)
	}
	return &ImageStore{dir: dir, freeBytes: statfsFree}, nil
}

// SetFreeBytesFunc overrides the free-space probe. Test hook.
func (s *ImageStore) SetFreeBytesFunc(fn func(dir string) (uint64, error)) {
	s.freeBytes = fn
}

// Create allocates a zero-filled backing file of exactly size bytes after
// verifying the filesystem has room for it.
func (s *ImageStore) Create(name string, size int64) error {
	free, err := s.freeBytes(s.dir)
	if err != nil {
		return fmt.Errorf("free space probe: %w", err)
	}
	if free < uint64(size) {
		return fmt.Errorf("%w: need %d bytes, %d free", device.ErrInsufficientSpace, size, free)
	}

	f, err := os.OpenFile(s.Path(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: image %q", device.ErrAlreadyExists, name)
	}
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(s.Path(name))
		return fmt.Errorf("allocate image %q: %w", name, err)
	}
	return f.Close()
}

// Path returns the backing file path for name, present or not.
func (s *ImageStore) Path(name string) string {
	return filepath.Join(s.dir, name+imageSuffix)
}

// Exists reports whether a backing file is present for name.
func (s *ImageStore) Exists(name string) bool {
	_, err := os.Lstat(s.Path(name))
	return err == nil
}

// SizeOf returns the backing file size for name.
func (s *ImageStore) SizeOf(name string) (int64, error) {
	info, err := os.Lstat(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: image %q", device.ErrNotFound, name)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Names returns the device names with a backing file present.
func (s *ImageStore) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if name, ok := strings.CutSuffix(entry.Name(), imageSuffix); ok && !entry.IsDir() {
			names = append(names, name)
		}
	}
	return names, nil
}

// Delete removes the backing file. Idempotent.
func (s *ImageStore) Delete(name string) error {
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func statfsFree(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
