// Package config loads the virtual machine configuration from a YAML
// file and validates it against the platform limits.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vesselvm/vessel/internal/guest"
)

// Default addressing mirrors the usual user-mode networking convention.
const (
	DefaultMemorySize = Size(512 << 20)
	DefaultCoreCount  = 1

	DefaultNetAddress = "10.0.2.15"
	DefaultNetMask    = "255.255.255.0"
	DefaultNetGateway = "10.0.2.2"
)

// Config is the full VM configuration.
type Config struct {
	// ImagePath is the statically linked guest ELF binary.
	ImagePath string `yaml:"image_path"`

	MemorySize Size `yaml:"memory_size"`
	CoreCount  int  `yaml:"core_count"`

	Net NetConfig `yaml:"net"`
}

// NetConfig configures the emulated network device.
type NetConfig struct {
	Enabled bool `yaml:"enabled"`

	// Mode selects the host transport: "user" for the in-process stack,
	// "tap" for a host TAP interface.
	Mode string `yaml:"mode"`

	// Interface is the TAP interface name when Mode is "tap".
	Interface string `yaml:"interface"`

	Address string `yaml:"address"`
	Mask    string `yaml:"mask"`
	Gateway string `yaml:"gateway"`
}

// Size wraps a byte count for YAML unmarshaling of values like "512M".
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	parsed, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Size) Bytes() uint64 { return uint64(s) }

// ParseSize parses a byte count with an optional K, M or G suffix
// (KiB/MiB/GiB are accepted too). A bare number is bytes.
func ParseSize(raw string) (Size, error) {
	str := strings.TrimSpace(raw)
	upper := strings.ToUpper(str)

	shift := 0
	switch {
	case strings.HasSuffix(upper, "GIB"), strings.HasSuffix(upper, "G"):
		shift = 30
	case strings.HasSuffix(upper, "MIB"), strings.HasSuffix(upper, "M"):
		shift = 20
	case strings.HasSuffix(upper, "KIB"), strings.HasSuffix(upper, "K"):
		shift = 10
	}
	if shift != 0 {
		str = strings.TrimRight(str, "BbIi")
		str = str[:len(str)-1]
	}

	n, err := strconv.ParseUint(strings.TrimSpace(str), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size %q: %w", raw, err)
	}
	if shift > 0 && n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("config: size %q overflows", raw)
	}
	return Size(n << shift), nil
}

// Load reads a YAML config file and applies defaults. A missing file is
// an error; use Default for an all-defaults configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

func (c *Config) ApplyDefaults() {
	if c.MemorySize == 0 {
		c.MemorySize = DefaultMemorySize
	}
	if c.CoreCount == 0 {
		c.CoreCount = DefaultCoreCount
	}
	if c.Net.Mode == "" {
		c.Net.Mode = "user"
	}
	if c.Net.Address == "" {
		c.Net.Address = DefaultNetAddress
	}
	if c.Net.Mask == "" {
		c.Net.Mask = DefaultNetMask
	}
	if c.Net.Gateway == "" {
		c.Net.Gateway = DefaultNetGateway
	}
}

func (c *Config) Validate() error {
	if c.ImagePath == "" {
		return fmt.Errorf("config: no image path")
	}
	if c.CoreCount < 1 {
		return fmt.Errorf("config: core count %d", c.CoreCount)
	}
	if c.MemorySize.Bytes() >= guest.TriggerAddr {
		return fmt.Errorf("config: memory size 0x%x reaches the hypercall trigger page at 0x%x",
			c.MemorySize.Bytes(), guest.TriggerAddr)
	}

	if c.Net.Enabled {
		switch c.Net.Mode {
		case "user":
		case "tap":
			if c.Net.Interface == "" {
				return fmt.Errorf("config: tap networking needs an interface name")
			}
		default:
			return fmt.Errorf("config: unknown net mode %q", c.Net.Mode)
		}
		for _, f := range []struct{ name, val string }{
			{"address", c.Net.Address},
			{"mask", c.Net.Mask},
			{"gateway", c.Net.Gateway},
		} {
			ip := net.ParseIP(f.val)
			if ip == nil || ip.To4() == nil {
				return fmt.Errorf("config: net %s %q is not an IPv4 address", f.name, f.val)
			}
		}
	}
	return nil
}
