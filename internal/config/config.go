// Package config loads the virtusb TOML configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPath is where the CLI looks for configuration unless overridden.
const DefaultPath = "/etc/virtusb/config.toml"

// Config holds resolved runtime settings for all components.
type Config struct {
	MetadataDir  string
	ImageDir     string
	EnabledFile  string
	LockFile     string
	ConfigfsDir  string
	UDCDir       string
	GadgetModule string
	SettleDelay  time.Duration
	VerifyWindow time.Duration
}

// Default returns the stock single-host configuration.
func Default() Config {
	return Config{
		MetadataDir:  "/var/lib/virtusb/meta",
		ImageDir:     "/var/lib/virtusb/images",
		EnabledFile:  "/var/lib/virtusb/enabled",
		LockFile:     "/run/virtusb.lock",
		ConfigfsDir:  "/sys/kernel/config/usb_gadget",
		UDCDir:       "/sys/class/udc",
		GadgetModule: "dummy_hcd",
		SettleDelay:  200 * time.Millisecond,
		VerifyWindow: 2 * time.Second,
	}
}

type fileConfig struct {
	MetadataDir  string `toml:"metadata_dir"`
	ImageDir     string `toml:"image_dir"`
	EnabledFile  string `toml:"enabled_file"`
	LockFile     string `toml:"lock_file"`
	ConfigfsDir  string `toml:"configfs_dir"`
	UDCDir       string `toml:"udc_dir"`
	GadgetModule string `toml:"gadget_module"`
	SettleDelay  string `toml:"settle_delay"`
	VerifyWindow string `toml:"verify_window"`
}

// Load reads a TOML config file; fields not present keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("metadata_dir") {
		cfg.MetadataDir = strings.TrimSpace(raw.MetadataDir)
	}
	if meta.IsDefined("image_dir") {
		cfg.ImageDir = strings.TrimSpace(raw.ImageDir)
	}
	if meta.IsDefined("enabled_file") {
		cfg.EnabledFile = strings.TrimSpace(raw.EnabledFile)
	}
	if meta.IsDefined("lock_file") {
		cfg.LockFile = strings.TrimSpace(raw.LockFile)
	}
	if meta.IsDefined("configfs_dir") {
		cfg.ConfigfsDir = strings.TrimSpace(raw.ConfigfsDir)
	}
	if meta.IsDefined("udc_dir") {
		cfg.UDCDir = strings.TrimSpace(raw.UDCDir)
	}
	if meta.IsDefined("gadget_module") {
		cfg.GadgetModule = strings.TrimSpace(raw.GadgetModule)
	}
	if meta.IsDefined("settle_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SettleDelay))
		if err != nil {
			return Config{}, fmt.Errorf("parse settle_delay: %w", err)
		}
		cfg.SettleDelay = d
	}
	if meta.IsDefined("verify_window") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.VerifyWindow))
		if err != nil {
			return Config{}, fmt.Errorf("parse verify_window: %w", err)
		}
		cfg.VerifyWindow = d
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	required := map[string]string{
		"metadata_dir": cfg.MetadataDir,
		"image_dir":    cfg.ImageDir,
		"enabled_file": cfg.EnabledFile,
		"lock_file":    cfg.LockFile,
		"configfs_dir": cfg.ConfigfsDir,
		"udc_dir":      cfg.UDCDir,
	}
	for key, val := range required {
		if val == "" {
			return fmt.Errorf("config: %s must not be empty", key)
		}
	}
	if cfg.SettleDelay < 0 || cfg.VerifyWindow < 0 {
		return fmt.Errorf("config: delays must not be negative")
	}
	return nil
}
