package device

import (
	"fmt"
	"strconv"
)

const (
	// MinSizeBytes and MaxSizeBytes bound the resolvable size range (1K..1T).
	MinSizeBytes = int64(1) << 10
	MaxSizeBytes = int64(1) << 40
)

// ParseSize resolves a size spec of the form [0-9]+[KMG]? to bytes.
// Suffixes are 1024-based; a bare number is bytes.
func ParseSize(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("%w: empty size", ErrInvalidInput)
	}

	digits := spec
	shift := uint(0)
	switch spec[len(spec)-1] {
	case 'K':
		digits, shift = spec[:len(spec)-1], 10
	case 'M':
		digits, shift = spec[:len(spec)-1], 20
	case 'G':
		digits, shift = spec[:len(spec)-1], 30
	}
	if digits == "" {
		return 0, fmt.Errorf("%w: invalid size %q", ErrInvalidInput, spec)
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, fmt.Errorf("%w: invalid size %q", ErrInvalidInput, spec)
		}
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid size %q", ErrInvalidInput, spec)
	}
	if n > MaxSizeBytes>>shift {
		return 0, fmt.Errorf("%w: size %q above 1T", ErrInvalidInput, spec)
	}
	bytes := n << shift
	if bytes < MinSizeBytes {
		return 0, fmt.Errorf("%w: size %q below 1K", ErrInvalidInput, spec)
	}
	return bytes, nil
}

// FormatSize renders bytes with the largest exact 1024-based suffix.
func FormatSize(bytes int64) string {
	switch {
	case bytes >= 1<<30 && bytes%(1<<30) == 0:
		return strconv.FormatInt(bytes>>30, 10) + "G"
	case bytes >= 1<<20 && bytes%(1<<20) == 0:
		return strconv.FormatInt(bytes>>20, 10) + "M"
	case bytes >= 1<<10 && bytes%(1<<10) == 0:
		return strconv.FormatInt(bytes>>10, 10) + "K"
	default:
		return strconv.FormatInt(bytes, 10)
	}
}
