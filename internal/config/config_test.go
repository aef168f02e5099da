package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"4K", 4 << 10},
		{"512M", 512 << 20},
		{"2G", 2 << 30},
		{"512MiB", 512 << 20},
		{"1GiB", 1 << 30},
		{" 64M ", 64 << 20},
		{"1g", 1 << 30},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		require.Equal(t, tc.want, got.Bytes(), "input %q", tc.in)
	}

	for _, bad := range []string{"", "M", "12X", "-5M", "999999999999G"} {
		_, err := ParseSize(bad)
		require.Error(t, err, "input %q", bad)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vessel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
image_path: /srv/guest.elf
memory_size: 128M
core_count: 4
net:
  enabled: true
  address: 192.168.7.2
  mask: 255.255.255.0
  gateway: 192.168.7.1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "/srv/guest.elf", cfg.ImagePath)
	require.Equal(t, uint64(128<<20), cfg.MemorySize.Bytes())
	require.Equal(t, 4, cfg.CoreCount)
	require.True(t, cfg.Net.Enabled)
	require.Equal(t, "user", cfg.Net.Mode) // defaulted
	require.Equal(t, "192.168.7.2", cfg.Net.Address)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `image_path: /srv/guest.elf`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, DefaultMemorySize, cfg.MemorySize)
	require.Equal(t, DefaultCoreCount, cfg.CoreCount)
	require.Equal(t, DefaultNetAddress, cfg.Net.Address)
	require.False(t, cfg.Net.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.ImagePath = "/srv/guest.elf"
		return cfg
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.ImagePath = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.CoreCount = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.MemorySize = Size(4 << 30)
	require.ErrorContains(t, cfg.Validate(), "trigger")

	cfg = base()
	cfg.Net.Enabled = true
	cfg.Net.Address = "fd00::1"
	require.ErrorContains(t, cfg.Validate(), "IPv4")

	cfg = base()
	cfg.Net.Enabled = true
	cfg.Net.Mode = "tap"
	require.ErrorContains(t, cfg.Validate(), "interface")

	cfg = base()
	cfg.Net.Enabled = true
	cfg.Net.Mode = "bridge"
	require.ErrorContains(t, cfg.Validate(), "net mode")
}
