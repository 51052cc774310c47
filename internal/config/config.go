package config

import (
	"strings"

	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/vzcli/internal/devconf"
)

// DisplayMode selects how a running machine is shown.
type DisplayMode string

const (
	DisplayGraphics DisplayMode = "graphics"
	DisplayConsole  DisplayMode = "console"
	DisplayNone     DisplayMode = "none"
)

// ParseDisplayMode validates a display mode name.
func ParseDisplayMode(s string) (DisplayMode, error) {
	switch m := DisplayMode(strings.ToLower(s)); m {
	case DisplayGraphics, DisplayConsole, DisplayNone:
		return m, nil
	default:
		return "", errors.Errorf("unknown display mode %q, want graphics, console or none", s)
	}
}

// Config holds the launch settings that can come from flags, environment or
// the config file.
type Config struct {
	// CPUs is the number of virtual CPUs.
	CPUs uint `mapstructure:"cpus"`

	// MemoryMiB is the guest memory in MiB.
	MemoryMiB uint64 `mapstructure:"mem"`

	// Resolution is WIDTHxHEIGHT[xPPI].
	Resolution string `mapstructure:"resolution"`

	// Net is the network device string.
	Net string `mapstructure:"net"`

	// Sharing is the directory share string.
	Sharing string `mapstructure:"sharing"`

	Display string `mapstructure:"display"`

	// Attach binds the terminal to the serial console when running headless.
	Attach bool `mapstructure:"attach"`

	Audio bool `mapstructure:"audio"`

	// InitDiskSizeGiB is the main disk size of a fresh install.
	InitDiskSizeGiB uint64 `mapstructure:"init_disk_size"`

	LogLevel string `mapstructure:"log_level"`
}

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		CPUs:            4,
		MemoryMiB:       8192,
		Resolution:      "1280x800x226",
		Net:             "user",
		Display:         string(DisplayGraphics),
		Audio:           true,
		InitDiskSizeGiB: 64,
		LogLevel:        "info",
	}
}

// MemoryBytes returns the guest memory in bytes.
func (c *Config) MemoryBytes() uint64 {
	return c.MemoryMiB << 20
}

// Devices are the parsed device strings of a Config.
type Devices struct {
	Network []devconf.NetworkDevice
	Shares  []devconf.Share
	Display devconf.Display
	Mode    DisplayMode
}

// ParseDevices parses the network, share and display settings.
func (c *Config) ParseDevices() (*Devices, error) {
	network, err := devconf.ParseNetworkConfig(c.Net)
	if err != nil {
		return nil, errors.Errorf("--net: %w", err)
	}
	shares, err := devconf.ParseShareConfig(c.Sharing)
	if err != nil {
		return nil, errors.Errorf("--sharing: %w", err)
	}
	display, err := devconf.ParseDisplay(c.Resolution)
	if err != nil {
		return nil, errors.Errorf("--resolution: %w", err)
	}
	mode, err := ParseDisplayMode(c.Display)
	if err != nil {
		return nil, errors.Errorf("--display: %w", err)
	}
	return &Devices{Network: network, Shares: shares, Display: display, Mode: mode}, nil
}

// New returns a viper instance with defaults, the config file search path
// and environment support set up. Settings are read by Load.
func New(paths *Paths) *viper.Viper {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("cpus", defaults.CPUs)
	v.SetDefault("mem", defaults.MemoryMiB)
	v.SetDefault("resolution", defaults.Resolution)
	v.SetDefault("net", defaults.Net)
	v.SetDefault("sharing", defaults.Sharing)
	v.SetDefault("display", defaults.Display)
	v.SetDefault("attach", defaults.Attach)
	v.SetDefault("audio", defaults.Audio)
	v.SetDefault("init_disk_size", defaults.InitDiskSizeGiB)
	v.SetDefault("log_level", defaults.LogLevel)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if paths != nil {
		v.AddConfigPath(paths.ConfigDir)
	}

	// VZCLI_CPUS, VZCLI_INIT_DISK_SIZE, etc.
	v.SetEnvPrefix("VZCLI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file if there is one and returns the merged settings.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
