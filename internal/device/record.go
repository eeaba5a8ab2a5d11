// Package device holds the immutable device record model, the static brand
// identity table, and the shared error taxonomy for virtusb components.
package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxNameLen = 50

// Record is one virtual device definition. Written once at creation and
// never mutated; deleted atomically with its backing image.
type Record struct {
	Name          string
	VendorID      uint16
	ProductID     uint16
	VendorString  string
	ProductString string
	Serial        string
	Brand         string
	SizeSpec      string
	SizeBytes     int64
	CreatedAt     time.Time
}

// NewRecord validates name, size spec, and brand, and builds a record with a
// freshly generated serial number.
func NewRecord(name, sizeSpec, brand string) (Record, error) {
	if err := ValidateName(name); err != nil {
		return Record{}, err
	}
	bytes, err := ParseSize(sizeSpec)
	if err != nil {
		return Record{}, err
	}
	info, err := LookupBrand(brand)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Name:          name,
		VendorID:      info.VendorID,
		ProductID:     info.ProductID,
		VendorString:  info.VendorString,
		ProductString: info.ProductString,
		Serial:        newSerial(),
		Brand:         strings.ToLower(strings.TrimSpace(brand)),
		SizeSpec:      sizeSpec,
		SizeBytes:     bytes,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}, nil
}

// VIDPID renders the identity pair in the canonical vvvv:pppp form.
func (r Record) VIDPID() string {
	return fmt.Sprintf("%04x:%04x", r.VendorID, r.ProductID)
}

// ValidateName checks the [A-Za-z0-9_-]{1,50} name format.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: name must be 1-50 characters of [A-Za-z0-9_-], got %q", ErrInvalidInput, name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if !(isAlpha || isDigit || c == '_' || c == '-') {
			return fmt.Errorf("%w: name must be 1-50 characters of [A-Za-z0-9_-], got %q", ErrInvalidInput, name)
		}
	}
	return nil
}

// newSerial derives a 16-character uppercase hex serial from a v4 UUID.
// Unique enough for a single host, not guaranteed globally unique.
func newSerial() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:16])
}
