package hypervisor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testIdentity struct{}

func (testIdentity) DataRepresentation() []byte { return []byte("id") }

type testStore struct{ path string }

func (s testStore) Path() string { return s.path }

type testModel struct{}

func (testModel) DataRepresentation() []byte { return []byte("hw") }
func (testModel) Supported() bool            { return true }

func linuxConfig() *VMConfig {
	return &VMConfig{
		Kind:        GuestLinux,
		CPUs:        2,
		MemoryBytes: 512 * 1024 * 1024,
		Identity:    testIdentity{},
		Firmware:    testStore{path: "efi"},
		Storage:     []StorageDevice{{Path: "disk.img"}},
	}
}

func TestVMConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *VMConfig)
		want   error
	}{
		{"valid linux", func(c *VMConfig) {}, nil},
		{"bad kind", func(c *VMConfig) { c.Kind = "windows" }, ErrInvalidGuestKind},
		{"zero cpus", func(c *VMConfig) { c.CPUs = 0 }, ErrInvalidCPUCount},
		{"low memory", func(c *VMConfig) { c.MemoryBytes = 64 * 1024 * 1024 }, ErrInsufficientMemory},
		{"no identity", func(c *VMConfig) { c.Identity = nil }, ErrMissingIdentity},
		{"no firmware", func(c *VMConfig) { c.Firmware = nil }, ErrMissingFirmware},
		{"macos without platform", func(c *VMConfig) { c.Kind = GuestMacOS }, ErrMissingPlatform},
		{"valid macos", func(c *VMConfig) {
			c.Kind = GuestMacOS
			c.Firmware = nil
			c.Platform = &PlatformConfig{HardwareModel: testModel{}, AuxiliaryStorage: testStore{path: "aux"}}
		}, nil},
		{"no disks", func(c *VMConfig) { c.Storage = nil }, ErrMissingDisk},
		{"bridged without interface", func(c *VMConfig) {
			c.Network = []NetworkDevice{{Attachment: AttachBridged}}
		}, ErrInvalidNetworkMode},
		{"filehandle without socket", func(c *VMConfig) {
			c.Network = []NetworkDevice{{Attachment: AttachFileHandle}}
		}, ErrInvalidNetworkMode},
		{"filehandle with socket", func(c *VMConfig) {
			c.Network = []NetworkDevice{{Attachment: AttachFileHandle, Socket: os.Stdin}}
		}, nil},
		{"unknown attachment", func(c *VMConfig) {
			c.Network = []NetworkDevice{{Attachment: NetworkAttachment(42)}}
		}, ErrInvalidNetworkMode},
		{"share without tag", func(c *VMConfig) {
			c.Shares = []ShareDevice{{Path: "/tmp"}}
		}, ErrInvalidShare},
		{"share without path", func(c *VMConfig) {
			c.Shares = []ShareDevice{{Tag: "home"}}
		}, ErrInvalidShare},
		{"rosetta share needs no path", func(c *VMConfig) {
			c.Shares = []ShareDevice{{Tag: "rosetta", Rosetta: true}}
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := linuxConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGuestKindValid(t *testing.T) {
	assert.True(t, GuestLinux.Valid())
	assert.True(t, GuestMacOS.Valid())
	assert.False(t, GuestKind("").Valid())
	assert.False(t, GuestKind("freebsd").Valid())
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "automatic", DiskCachingAutomatic.String())
	assert.Equal(t, "cached", DiskCachingCached.String())
	assert.Equal(t, "uncached", DiskCachingUncached.String())
	assert.Equal(t, "unknown", DiskCachingMode(9).String())

	assert.Equal(t, "nat", AttachNAT.String())
	assert.Equal(t, "bridged", AttachBridged.String())
	assert.Equal(t, "filehandle", AttachFileHandle.String())
	assert.Equal(t, "unknown", NetworkAttachment(-1).String())
}
