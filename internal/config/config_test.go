package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vzcli/internal/devconf"
	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, uint(4), cfg.CPUs)
	assert.Equal(t, uint64(8192), cfg.MemoryMiB)
	assert.Equal(t, uint64(8192)<<20, cfg.MemoryBytes())
	assert.Equal(t, "1280x800x226", cfg.Resolution)
	assert.Equal(t, "user", cfg.Net)
	assert.Empty(t, cfg.Sharing)
	assert.Equal(t, uint64(64), cfg.InitDiskSizeGiB)
	assert.Equal(t, string(DisplayGraphics), cfg.Display)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(&Paths{ConfigDir: t.TempDir()}))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "cpus: 2\nnet: nat:52:54:00:00:00:01\ninit_disk_size: 128\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	v := New(&Paths{ConfigDir: dir})
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, uint(2), cfg.CPUs)
	assert.Equal(t, "nat:52:54:00:00:00:01", cfg.Net)
	assert.Equal(t, uint64(128), cfg.InitDiskSizeGiB)
	assert.Equal(t, uint64(8192), cfg.MemoryMiB)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), v.ConfigFileUsed())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("VZCLI_MEM", "4096")
	t.Setenv("VZCLI_SHARING", "home:/tmp:ro")

	cfg, err := Load(New(&Paths{ConfigDir: t.TempDir()}))
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), cfg.MemoryMiB)
	assert.Equal(t, "home:/tmp:ro", cfg.Sharing)
}

func TestLoadMalformedConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("cpus: [\n"), 0644))

	_, err := Load(New(&Paths{ConfigDir: dir}))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestParseDevices(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Net = "user:2222:22+nat:52:54:00:00:00:01"
	cfg.Sharing = "rosetta+home:/Users/me:rw"
	cfg.Display = "Console"

	devs, err := cfg.ParseDevices()
	require.NoError(t, err)
	assert.Len(t, devs.Network, 2)
	assert.Len(t, devs.Shares, 2)
	assert.Equal(t, devconf.Display{Width: 1280, Height: 800, PPI: 226}, devs.Display)
	assert.Equal(t, DisplayConsole, devs.Mode)
}

func TestParseDevicesErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"network", func(c *Config) { c.Net = "wifi" }, "--net"},
		{"sharing", func(c *Config) { c.Sharing = "a:b" }, "--sharing"},
		{"resolution", func(c *Config) { c.Resolution = "big" }, "--resolution"},
		{"display", func(c *Config) { c.Display = "vnc" }, "--display"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			_, err := cfg.ParseDevices()
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestGetPathsXDG(t *testing.T) {
	if os.Getenv("HOME") == "" {
		t.Skip("no home directory")
	}
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	paths, err := GetPaths()
	require.NoError(t, err)
	assert.Equal(t, "config.yaml", filepath.Base(paths.ConfigFile))
	assert.Equal(t, paths.ConfigDir, filepath.Dir(paths.ConfigFile))
}

func fullCaps() hypervisor.Capabilities {
	return hypervisor.Capabilities{
		SharedDirs: true, Networking: true, Bridged: true, Rosetta: true,
		Graphics: true, Audio: true,
		MinCPUs: 1, MaxCPUs: 8, MinMemory: 128 << 20, MaxMemory: 16 << 30,
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config, caps *hypervisor.Capabilities)
		wantField string
		wantFatal bool
	}{
		{"too many cpus", func(c *Config, _ *hypervisor.Capabilities) { c.CPUs = 32 }, "cpus", false},
		{"too much memory", func(c *Config, _ *hypervisor.Capabilities) { c.MemoryMiB = 64 << 10 }, "mem", false},
		{"no virtio-fs", func(c *Config, caps *hypervisor.Capabilities) {
			c.Sharing = "home:/tmp:rw"
			caps.SharedDirs = false
		}, "sharing", true},
		{"no rosetta", func(c *Config, caps *hypervisor.Capabilities) {
			c.Sharing = "rosetta"
			caps.Rosetta = false
		}, "sharing", true},
		{"no networking", func(_ *Config, caps *hypervisor.Capabilities) { caps.Networking = false }, "net", true},
		{"no bridging", func(c *Config, caps *hypervisor.Capabilities) {
			c.Net = "bridged:en0:52:54:00:00:00:01"
			caps.Bridged = false
		}, "net", true},
		{"bad port forward", func(c *Config, _ *hypervisor.Capabilities) { c.Net = "user:bogus" }, "net", true},
		{"no graphics", func(_ *Config, caps *hypervisor.Capabilities) { caps.Graphics = false }, "display", true},
		{"no audio", func(_ *Config, caps *hypervisor.Capabilities) { caps.Audio = false }, "audio", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			caps := fullCaps()
			tt.mutate(cfg, &caps)
			devs, err := cfg.ParseDevices()
			require.NoError(t, err)

			errs := ValidateConfig(cfg, devs, caps)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantField, errs[0].Field)
			assert.Equal(t, tt.wantFatal, errs[0].Fatal)
			assert.Equal(t, tt.wantFatal, HasFatal(errs))
		})
	}
}

func TestValidateConfigClean(t *testing.T) {
	cfg := DefaultConfig()
	devs, err := cfg.ParseDevices()
	require.NoError(t, err)

	errs := ValidateConfig(cfg, devs, fullCaps())
	assert.Empty(t, errs)
	assert.Empty(t, FormatValidationErrors(errs))
}

func TestFormatValidationErrors(t *testing.T) {
	out := FormatValidationErrors([]ValidationError{
		{Field: "cpus", Message: "clamped"},
		{Field: "net", Message: "unsupported", Fatal: true},
	})
	assert.Contains(t, out, "Warning [cpus]: clamped")
	assert.Contains(t, out, "Error [net]: unsupported")
}
