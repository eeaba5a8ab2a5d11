package device

import (
	"fmt"
	"sort"
	"strings"
)

// BrandInfo is the static identity triple a brand resolves to.
type BrandInfo struct {
	VendorID      uint16
	ProductID     uint16
	VendorString  string
	ProductString string
}

var brands = map[string]BrandInfo{
	"sandisk":  {VendorID: 0x0781, ProductID: 0x5567, VendorString: "SanDisk", ProductString: "Cruzer Blade"},
	"kingston": {VendorID: 0x0951, ProductID: 0x1666, VendorString: "Kingston", ProductString: "DataTraveler 3.0"},
	"samsung":  {VendorID: 0x090c, ProductID: 0x1000, VendorString: "Samsung", ProductString: "Flash Drive FIT"},
	"toshiba":  {VendorID: 0x0930, ProductID: 0x6545, VendorString: "Toshiba", ProductString: "TransMemory"},
	"verbatim": {VendorID: 0x18a5, ProductID: 0x0302, VendorString: "Verbatim", ProductString: "Store 'n' Go"},
	"pny":      {VendorID: 0x154b, ProductID: 0x00ee, VendorString: "PNY", ProductString: "USB 3.0 FD"},
	"generic":  {VendorID: 0x058f, ProductID: 0x6387, VendorString: "Alcor Micro", ProductString: "Mass Storage"},
}

// LookupBrand resolves a brand name to its identity triple.
func LookupBrand(name string) (BrandInfo, error) {
	info, ok := brands[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return BrandInfo{}, fmt.Errorf("%w: unknown brand %q (known: %s)", ErrInvalidInput, name, strings.Join(Brands(), ", "))
	}
	return info, nil
}

// Brands returns the known brand names in deterministic order.
func Brands() []string {
	names := make([]string, 0, len(brands))
	for name := range brands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
