// Package gadget builds and tears down USB gadget configfs trees and
// manages their UDC slot bindings.
package gadget

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Lysandre0/virtusb/internal/device"
	"github.com/Lysandre0/virtusb/internal/tools"
)

const (
	langDir      = "0x409"
	configDir    = "c.1"
	functionDir  = "mass_storage.0"
	udcAttr      = "UDC"
	maxPower     = "250"
	configString = "Mass Storage Config"
)

// Controller owns the live gadget tree for every device under one configfs
// usb_gadget root. Only this type mutates the tree.
type Controller struct {
	root   string
	module string
	runner tools.CommandRunner
}

// NewController returns a controller over root. module is the owning kernel
// module reloaded on destructive recovery.
func NewController(root, module string, runner tools.CommandRunner) *Controller {
	return &Controller{root: root, module: module, runner: runner}
}

// Exists reports whether a gadget tree is present for name.
func (c *Controller) Exists(name string) bool {
	info, err := os.Lstat(c.dir(name))
	return err == nil && info.IsDir()
}

// List returns the names of all live gadget trees, sorted.
func (c *Controller) List() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Build constructs the full gadget tree for a record: identity attributes,
// locale strings, one configuration, a mass-storage function backed by
// imagePath, and the config-to-function link. A failed intermediate step
// unwinds the partial tree before returning.
func (c *Controller) Build(rec device.Record, imagePath string) error {
	if c.Exists(rec.Name) {
		return fmt.Errorf("%w: gadget %q", device.ErrAlreadyExists, rec.Name)
	}
	if err := c.build(rec, imagePath); err != nil {
		log.Warn().Str("gadget", rec.Name).Err(err).Msg("build failed, unwinding partial tree")
		if derr := c.Destroy(rec.Name); derr != nil {
			log.Error().Str("gadget", rec.Name).Err(derr).Msg("unwind after failed build also failed")
		}
		return fmt.Errorf("build gadget %q: %w", rec.Name, err)
	}
	log.Debug().Str("gadget", rec.Name).Str("vid_pid", rec.VIDPID()).Msg("gadget tree built")
	return nil
}

func (c *Controller) build(rec device.Record, imagePath string) error {
	root := c.dir(rec.Name)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	idAttrs := map[string]string{
		"idVendor":  fmt.Sprintf("0x%04x", rec.VendorID),
		"idProduct": fmt.Sprintf("0x%04x", rec.ProductID),
		"bcdDevice": "0x0100",
		"bcdUSB":    "0x0200",
	}
	for attr, val := range idAttrs {
		if err := writeAttr(filepath.Join(root, attr), val); err != nil {
			return err
		}
	}

	strDir := filepath.Join(root, "strings", langDir)
	if err := os.MkdirAll(strDir, 0o755); err != nil {
		return err
	}
	strAttrs := map[string]string{
		"manufacturer": rec.VendorString,
		"product":      rec.ProductString,
		"serialnumber": rec.Serial,
	}
	for attr, val := range strAttrs {
		if err := writeAttr(filepath.Join(strDir, attr), val); err != nil {
			return err
		}
	}

	cfgStrDir := filepath.Join(root, "configs", configDir, "strings", langDir)
	if err := os.MkdirAll(cfgStrDir, 0o755); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(cfgStrDir, "configuration"), configString); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(root, "configs", configDir, "MaxPower"), maxPower); err != nil {
		return err
	}

	lunDir := filepath.Join(root, "functions", functionDir, "lun.0")
	if err := os.MkdirAll(lunDir, 0o755); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(lunDir, "removable"), "1"); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(lunDir, "file"), imagePath); err != nil {
		return err
	}

	return os.Symlink(
		filepath.Join(root, "functions", functionDir),
		filepath.Join(root, "configs", configDir, functionDir),
	)
}

// Destroy tears the tree down in strict dependency order: unbind, unlink,
// leaf directories, intermediate directories, root. The kernel forbids
// removing a directory with live children. A busy root escalates to a
// module reload that kills every live gadget on the host.
func (c *Controller) Destroy(name string) error {
	root := c.dir(name)
	if !c.Exists(name) {
		return nil
	}

	if err := c.UnbindUDC(name); err != nil {
		log.Warn().Str("gadget", name).Err(err).Msg("unbind during destroy failed")
	}
	if err := os.Remove(filepath.Join(root, "configs", configDir, functionDir)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("gadget", name).Err(err).Msg("config link removal failed")
	}

	ordered := []string{
		filepath.Join(root, "configs", configDir, "strings", langDir),
		filepath.Join(root, "configs", configDir, "strings"),
		filepath.Join(root, "configs", configDir),
		filepath.Join(root, "configs"),
		filepath.Join(root, "functions", functionDir, "lun.0"),
		filepath.Join(root, "functions", functionDir),
		filepath.Join(root, "functions"),
		filepath.Join(root, "strings", langDir),
		filepath.Join(root, "strings"),
	}
	for _, dir := range ordered {
		removeDirBestEffort(dir)
	}

	if err := removeDir(root); err != nil {
		log.Error().Str("gadget", name).Err(err).Msg("gadget busy, escalating to module reload")
		if rerr := c.reloadModule(); rerr != nil {
			return fmt.Errorf("%w: gadget %q stuck and module reload failed: %v", device.ErrTeardownFailed, name, rerr)
		}
		return &device.SystemWideResetError{Gadget: name, Cause: err}
	}
	log.Debug().Str("gadget", name).Msg("gadget tree destroyed")
	return nil
}

// BindUDC writes a slot name into the gadget's UDC attribute.
func (c *Controller) BindUDC(name, udc string) error {
	return writeAttr(filepath.Join(c.dir(name), udcAttr), udc)
}

// UnbindUDC clears the gadget's UDC attribute. No-op when already unbound.
func (c *Controller) UnbindUDC(name string) error {
	path := filepath.Join(c.dir(name), udcAttr)
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return writeAttr(path, "")
}

// BoundUDC returns the slot the gadget is bound to, or "" when unbound.
func (c *Controller) BoundUDC(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.dir(name), udcAttr))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// reloadModule force-clears every live gadget by reloading the owning
// kernel module.
func (c *Controller) reloadModule() error {
	log.Error().Str("module", c.module).Msg("reloading gadget module, all slot bindings are gone")
	if out, err := c.runner.Run("modprobe", "-r", c.module); err != nil {
		return fmt.Errorf("modprobe -r %s: %v (%s)", c.module, err, strings.TrimSpace(out))
	}
	if out, err := c.runner.Run("modprobe", c.module); err != nil {
		return fmt.Errorf("modprobe %s: %v (%s)", c.module, err, strings.TrimSpace(out))
	}
	return nil
}

func (c *Controller) dir(name string) string {
	return filepath.Join(c.root, name)
}

func writeAttr(path, value string) error {
	return os.WriteFile(path, []byte(value+"\n"), 0o644)
}

// removeDir deletes attribute files inside dir, then the directory itself.
// Configfs drops attribute files with the rmdir, so file removal errors are
// ignored; only the final rmdir outcome matters.
func removeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func removeDirBestEffort(dir string) {
	if err := removeDir(dir); err != nil {
		log.Debug().Str("dir", dir).Err(err).Msg("directory removal deferred")
	}
}
