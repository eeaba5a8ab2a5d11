package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// EnabledSet is the durable set of device names the operator wants active.
// One name per line; every mutation is an atomic rewrite of the whole file.
type EnabledSet struct {
	path string
}

// NewEnabledSet opens the enabled-set file, creating its directory if needed.
func NewEnabledSet(path string) (*EnabledSet, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("enabled set dir: %w", err)
	}
	return &EnabledSet{path: path}, nil
}

// Add marks a device as enabled. Idempotent.
func (s *EnabledSet) Add(name string) error {
	names, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := names[name]; ok {
		return nil
	}
	names[name] = struct{}{}
	return s.write(names)
}

// Remove clears a device's enabled mark. Idempotent.
func (s *EnabledSet) Remove(name string) error {
	names, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := names[name]; !ok {
		return nil
	}
	delete(names, name)
	return s.write(names)
}

// Contains reports enabled membership for name.
func (s *EnabledSet) Contains(name string) (bool, error) {
	names, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := names[name]
	return ok, nil
}

// List returns all enabled names, sorted.
func (s *EnabledSet) List() ([]string, error) {
	names, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Clear removes every entry.
func (s *EnabledSet) Clear() error {
	return s.write(map[string]struct{}{})
}

func (s *EnabledSet) load() (map[string]struct{}, error) {
	names := make(map[string]struct{})
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return names, nil
	}
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names[line] = struct{}{}
		}
	}
	return names, nil
}

func (s *EnabledSet) write(names map[string]struct{}) error {
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var b strings.Builder
	for _, name := range sorted {
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return renameio.WriteFile(s.path, []byte(b.String()), 0o644)
}
