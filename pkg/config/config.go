package config

import (
	"os"
	"path/filepath"
	"strings"

	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

const (
	// LibraryEnv overrides the library directory from the config file.
	LibraryEnv = "VM_CURATOR_LIBRARY"
	// ConfigEnv points at an alternative config file.
	ConfigEnv = "VM_CURATOR_CONFIG"

	defaultLibrary  = "~/vm-space"
	defaultDiskSize = "20G"
)

// Config is the user's vm-curator settings.
type Config struct {
	Library         string `yaml:"vm_library_path" json:"vm_library_path"`
	QemuImgPath     string `yaml:"qemu_img_path,omitempty" json:"qemu_img_path,omitempty"`
	DefaultDiskSize string `yaml:"default_disk_size,omitempty" json:"default_disk_size,omitempty"`
}

func Default() *Config {
	return &Config{
		Library:         defaultLibrary,
		DefaultDiskSize: defaultDiskSize,
	}
}

// DefaultPath is $VM_CURATOR_CONFIG, else config.yaml under the user config
// directory.
func DefaultPath() (string, error) {
	if p := os.Getenv(ConfigEnv); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Errorf("finding config directory: %w", err)
	}
	return filepath.Join(dir, "vm-curator", "config.yaml"), nil
}

// Load reads path over the defaults. A missing file is not an error. The
// library path has ~ expanded and LibraryEnv applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, errors.Errorf("reading %s: %w", path, err)
	}

	cfg.Library = getEnv(LibraryEnv, cfg.Library)
	if cfg.Library == "" {
		cfg.Library = defaultLibrary
	}
	if cfg.DefaultDiskSize == "" {
		cfg.DefaultDiskSize = defaultDiskSize
	}

	lib, err := ExpandHome(cfg.Library)
	if err != nil {
		return nil, err
	}
	cfg.Library = lib
	return cfg, nil
}

// Save writes cfg to path, creating its directory.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Errorf("writing config: %w", err)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return fallback
	}
	return value
}
