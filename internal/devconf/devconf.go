// Package devconf parses the compact device configuration strings accepted on
// the command line: network devices, directory shares and the display.
//
// Entries are separated by '+'. Parsing is pure and fails closed: any bad
// entry yields a *ConfigError and no partial result.
package devconf

import (
	"fmt"
	"net"
)

// EntrySeparator joins top-level entries in every config string.
const EntrySeparator = "+"

// ConfigError reports a malformed entry in a config string.
type ConfigError struct {
	Entry  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config entry %q: %s", e.Entry, e.Reason)
}

func configErr(entry, format string, args ...any) *ConfigError {
	return &ConfigError{Entry: entry, Reason: fmt.Sprintf(format, args...)}
}

// parseMAC accepts EUI-48 addresses only.
func parseMAC(entry, s string) (net.HardwareAddr, error) {
	if s == "" {
		return nil, configErr(entry, "missing MAC address")
	}
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, configErr(entry, "malformed MAC address %q", s)
	}
	if len(mac) != 6 {
		return nil, configErr(entry, "MAC address %q is not 48 bits", s)
	}
	return mac, nil
}
