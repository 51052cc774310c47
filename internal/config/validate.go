package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/javanstorm/vzcli/internal/devconf"
	"github.com/javanstorm/vzcli/internal/usernet"
	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be adjusted or ignored
}

// ValidateConfig checks configuration against platform capabilities.
// Returns a list of validation errors/warnings.
func ValidateConfig(cfg *Config, devs *Devices, caps hypervisor.Capabilities) []ValidationError {
	var errs []ValidationError

	if clamped := caps.ClampCPUs(cfg.CPUs); clamped != cfg.CPUs {
		errs = append(errs, ValidationError{
			Field:   "cpus",
			Message: fmt.Sprintf("%d CPUs out of range, will use %d", cfg.CPUs, clamped),
		})
	}
	if mem := cfg.MemoryBytes(); caps.ClampMemory(mem) != mem {
		errs = append(errs, ValidationError{
			Field: "mem",
			Message: fmt.Sprintf("%s memory out of range, will use %s",
				humanize.IBytes(mem), humanize.IBytes(caps.ClampMemory(mem))),
		})
	}

	if len(devs.Shares) > 0 && !caps.SharedDirs {
		errs = append(errs, ValidationError{
			Field:   "sharing",
			Message: "shared directories not supported on this platform",
			Fatal:   true,
		})
	}
	for _, s := range devs.Shares {
		if s.Rosetta && !caps.Rosetta {
			errs = append(errs, ValidationError{
				Field:   "sharing",
				Message: "rosetta is not installed on this host",
				Fatal:   true,
			})
		}
	}

	if len(devs.Network) > 0 && !caps.Networking {
		errs = append(errs, ValidationError{
			Field:   "net",
			Message: "networking not supported on this platform",
			Fatal:   true,
		})
	}
	for _, n := range devs.Network {
		if n.Kind != devconf.KindUser {
			continue
		}
		if _, err := usernet.ParsePortForwards(n.Options); err != nil {
			errs = append(errs, ValidationError{
				Field:   "net",
				Message: err.Error(),
				Fatal:   true,
			})
		}
	}
	for _, n := range devs.Network {
		if n.Kind == devconf.KindBridged && !caps.Bridged {
			errs = append(errs, ValidationError{
				Field:   "net",
				Message: "bridged networking needs the bridging entitlement",
				Fatal:   true,
			})
			break
		}
	}

	if devs.Mode == DisplayGraphics && !caps.Graphics {
		errs = append(errs, ValidationError{
			Field:   "display",
			Message: "graphics not supported on this platform",
			Fatal:   true,
		})
	}
	if cfg.Audio && !caps.Audio {
		errs = append(errs, ValidationError{
			Field:   "audio",
			Message: "audio not supported on this platform, disabling",
		})
	}

	return errs
}

// HasFatal reports whether any of errs prevents launching.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration problems:\n")
	for _, e := range errs {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
