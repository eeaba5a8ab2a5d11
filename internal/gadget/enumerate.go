package gadget

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultSysfsUSBDir is where the kernel lists enumerated USB devices.
const DefaultSysfsUSBDir = "/sys/bus/usb/devices"

// Enumerator reports whether a device identity is visible on the host bus.
// Faked in tests; the real implementation reads sysfs.
type Enumerator interface {
	Present(vendorID, productID uint16) (bool, error)
}

// SysfsEnumerator scans the sysfs USB device listing for an identity pair.
type SysfsEnumerator struct {
	// Root is the sysfs USB device directory, normally /sys/bus/usb/devices.
	Root string
}

func (e SysfsEnumerator) Present(vendorID, productID uint16) (bool, error) {
	entries, err := os.ReadDir(e.Root)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		name := entry.Name()
		// Skip hub roots (usbN) and interface entries (1-1:1.0).
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}
		dir := filepath.Join(e.Root, name)
		vid, err := readHexAttr(filepath.Join(dir, "idVendor"))
		if err != nil {
			continue
		}
		pid, err := readHexAttr(filepath.Join(dir, "idProduct"))
		if err != nil {
			continue
		}
		if vid == vendorID && pid == productID {
			return true, nil
		}
	}
	return false, nil
}

func readHexAttr(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
