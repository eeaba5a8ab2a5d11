// Package store implements the three durable stores: device metadata
// records, backing images, and the enabled set.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/Lysandre0/virtusb/internal/device"
)

const recordSuffix = ".rec"

// MetadataStore keeps one key/value text file per device record.
type MetadataStore struct {
	dir string
}

// NewMetadataStore opens (and creates if needed) a record directory.
func NewMetadataStore(dir string) (*MetadataStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metadata dir: %w", err)
	}
	return &MetadataStore{dir: dir}, nil
}

// Create persists a new record. A record with the same name must not exist.
func (s *MetadataStore) Create(rec device.Record) error {
	path := s.path(rec.Name)
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%w: record %q", device.ErrAlreadyExists, rec.Name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return renameio.WriteFile(path, encodeRecord(rec), 0o644)
}

// Get reads one record by name.
func (s *MetadataStore) Get(name string) (device.Record, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return device.Record{}, fmt.Errorf("%w: record %q", device.ErrNotFound, name)
	}
	if err != nil {
		return device.Record{}, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return device.Record{}, fmt.Errorf("record %q: %w", name, err)
	}
	return rec, nil
}

// Exists reports whether a record file is present for name.
func (s *MetadataStore) Exists(name string) bool {
	_, err := os.Lstat(s.path(name))
	return err == nil
}

// Each walks all records lazily in no defined order, decoding one at a time.
// Restartable by calling again; stops on the first fn error.
func (s *MetadataStore) Each(fn func(device.Record) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), recordSuffix)
		if !ok || entry.IsDir() {
			continue
		}
		rec, err := s.Get(name)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Names returns all record names without decoding record bodies.
func (s *MetadataStore) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if name, ok := strings.CutSuffix(entry.Name(), recordSuffix); ok && !entry.IsDir() {
			names = append(names, name)
		}
	}
	return names, nil
}

// Delete removes a record file. Idempotent.
func (s *MetadataStore) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *MetadataStore) path(name string) string {
	return filepath.Join(s.dir, name+recordSuffix)
}

var recordFields = []string{"NAME", "VID_PID", "VENDOR", "PRODUCT", "SERIAL", "BRAND", "SIZE", "CREATED_AT"}

func encodeRecord(rec device.Record) []byte {
	values := map[string]string{
		"NAME":       rec.Name,
		"VID_PID":    rec.VIDPID(),
		"VENDOR":     rec.VendorString,
		"PRODUCT":    rec.ProductString,
		"SERIAL":     rec.Serial,
		"BRAND":      rec.Brand,
		"SIZE":       rec.SizeSpec,
		"CREATED_AT": rec.CreatedAt.Format(time.RFC3339),
	}
	var b strings.Builder
	for _, key := range recordFields {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(values[key]))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// decodeRecord parses the key/value text format into an immutable record.
// Values are plain quoted strings; nothing in the file is evaluated.
func decodeRecord(data []byte) (device.Record, error) {
	values := make(map[string]string, len(recordFields))
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, quoted, ok := strings.Cut(line, "=")
		if !ok {
			return device.Record{}, fmt.Errorf("malformed line %q", line)
		}
		val, err := strconv.Unquote(quoted)
		if err != nil {
			return device.Record{}, fmt.Errorf("malformed value on line %q", line)
		}
		values[key] = val
	}
	for _, key := range recordFields {
		if _, ok := values[key]; !ok {
			return device.Record{}, fmt.Errorf("missing field %s", key)
		}
	}

	vid, pid, err := parseVIDPID(values["VID_PID"])
	if err != nil {
		return device.Record{}, err
	}
	sizeBytes, err := device.ParseSize(values["SIZE"])
	if err != nil {
		return device.Record{}, err
	}
	createdAt, err := time.Parse(time.RFC3339, values["CREATED_AT"])
	if err != nil {
		return device.Record{}, fmt.Errorf("malformed CREATED_AT %q", values["CREATED_AT"])
	}

	return device.Record{
		Name:          values["NAME"],
		VendorID:      vid,
		ProductID:     pid,
		VendorString:  values["VENDOR"],
		ProductString: values["PRODUCT"],
		Serial:        values["SERIAL"],
		Brand:         values["BRAND"],
		SizeSpec:      values["SIZE"],
		SizeBytes:     sizeBytes,
		CreatedAt:     createdAt,
	}, nil
}

func parseVIDPID(raw string) (uint16, uint16, error) {
	v, p, ok := strings.Cut(raw, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed VID_PID %q", raw)
	}
	vid, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed VID_PID %q", raw)
	}
	pid, err := strconv.ParseUint(p, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed VID_PID %q", raw)
	}
	return uint16(vid), uint16(pid), nil
}
