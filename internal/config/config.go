package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// Config is the top-level daemon configuration.
type Config struct {
	// Device is the framebuffer device node to drive.
	Device string `yaml:"device" json:"device"`

	// Listen is the HTTP listen address for the diagnostics API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel selects the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DoubleBufferAllow lists fbdev fixed-info id strings for which
	// double buffering may be negotiated. Most fbdev drivers accept any
	// virtual resolution and then break mmap, so the default is an empty
	// list and double buffering stays off unless a device is known good.
	DoubleBufferAllow []string `yaml:"double_buffer_allow" json:"double_buffer_allow"`

	// Dither enables ordered dithering when rendering to 16 bpp formats.
	Dither bool `yaml:"dither" json:"dither"`

	// BlankCron, if set, is a cron schedule on which the monitor is
	// blanked (DPMS off), e.g. "0 23 * * *".
	BlankCron string `yaml:"blank_cron" json:"blank_cron"`

	// WakeCron, if set, is a cron schedule on which the monitor is
	// unblanked (DPMS on), e.g. "0 7 * * *".
	WakeCron string `yaml:"wake_cron" json:"wake_cron"`

	// Pattern selects the demo rendering: "card", "gradient" or "off".
	Pattern string `yaml:"pattern" json:"pattern"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Device:            "/dev/fb0",
		Listen:            "127.0.0.1:8080",
		LogLevel:          "info",
		DoubleBufferAllow: []string{},
		Dither:            false,
		Pattern:           "card",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Device == "" {
		c.Device = "/dev/fb0"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DoubleBufferAllow == nil {
		c.DoubleBufferAllow = []string{}
	}
	switch c.Pattern {
	case "card", "gradient", "off":
		// ok
	default:
		c.Pattern = "card"
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".fbvid-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Set permissions to 0600 on temp file before rename.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	// Rename over the target path.
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the
// package-level Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// AllowsDoubleBuffer reports whether the given fbdev id string is on the
// double-buffer allow-list.
func (c *Config) AllowsDoubleBuffer(id string) bool {
	for _, allowed := range c.DoubleBufferAllow {
		if allowed == id {
			return true
		}
	}
	return false
}
