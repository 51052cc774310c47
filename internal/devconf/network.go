package devconf

import (
	"net"
	"strings"
)

// NetworkKind selects how a guest NIC reaches the network.
type NetworkKind string

const (
	// KindUser carries traffic over a socket pair to a user-mode network stack.
	KindUser NetworkKind = "user"
	// KindNAT uses the hypervisor's built-in NAT.
	KindNAT NetworkKind = "nat"
	// KindBridged attaches the NIC to a host interface.
	KindBridged NetworkKind = "bridged"
)

// NetworkDevice is one parsed network entry.
type NetworkDevice struct {
	Kind NetworkKind

	// Options is the raw port-forward string of a user device. It is handed
	// to the network stack unparsed.
	Options string

	// Interface is the host interface of a bridged device.
	Interface string

	// MAC is required for nat and bridged devices and unset for user devices.
	MAC net.HardwareAddr
}

// ParseNetworkConfig parses entries of the form
//
//	user[:portforwards] | nat:mac | bridged:interface:mac
//
// joined by '+'. An empty spec yields no devices.
func ParseNetworkConfig(spec string) ([]NetworkDevice, error) {
	if spec == "" {
		return nil, nil
	}

	var (
		devices    []NetworkDevice
		macs       = make(map[string]struct{})
		interfaces = make(map[string]struct{})
	)
	for _, entry := range strings.Split(spec, EntrySeparator) {
		dev, err := parseNetworkEntry(entry)
		if err != nil {
			return nil, err
		}

		if dev.MAC != nil {
			key := dev.MAC.String()
			if _, dup := macs[key]; dup {
				return nil, configErr(entry, "duplicate MAC address %s", key)
			}
			macs[key] = struct{}{}
		}
		if dev.Kind == KindBridged {
			if _, dup := interfaces[dev.Interface]; dup {
				return nil, configErr(entry, "interface %s is already bridged", dev.Interface)
			}
			interfaces[dev.Interface] = struct{}{}
		}

		devices = append(devices, dev)
	}
	return devices, nil
}

func parseNetworkEntry(entry string) (NetworkDevice, error) {
	if entry == "" {
		return NetworkDevice{}, configErr(entry, "empty network entry")
	}

	kind, options, _ := strings.Cut(entry, ":")
	switch NetworkKind(kind) {
	case KindUser:
		return NetworkDevice{Kind: KindUser, Options: options}, nil

	case KindNAT:
		mac, err := parseMAC(entry, options)
		if err != nil {
			return NetworkDevice{}, err
		}
		return NetworkDevice{Kind: KindNAT, MAC: mac}, nil

	case KindBridged:
		iface, macStr, found := strings.Cut(options, ":")
		if iface == "" {
			return NetworkDevice{}, configErr(entry, "bridged device needs interface:mac, missing interface")
		}
		if !found || macStr == "" {
			return NetworkDevice{}, configErr(entry, "bridged device needs interface:mac, missing MAC address")
		}
		mac, err := parseMAC(entry, macStr)
		if err != nil {
			return NetworkDevice{}, err
		}
		return NetworkDevice{Kind: KindBridged, Interface: iface, MAC: mac}, nil

	default:
		return NetworkDevice{}, configErr(entry, "unknown network kind %q", kind)
	}
}

// String renders d in the syntax accepted by ParseNetworkConfig.
func (d NetworkDevice) String() string {
	switch d.Kind {
	case KindUser:
		if d.Options == "" {
			return string(KindUser)
		}
		return string(KindUser) + ":" + d.Options
	case KindNAT:
		return string(KindNAT) + ":" + d.MAC.String()
	case KindBridged:
		return string(KindBridged) + ":" + d.Interface + ":" + d.MAC.String()
	default:
		return string(d.Kind)
	}
}

// FormatNetworkConfig is the inverse of ParseNetworkConfig.
func FormatNetworkConfig(devices []NetworkDevice) string {
	parts := make([]string, len(devices))
	for i, d := range devices {
		parts[i] = d.String()
	}
	return strings.Join(parts, EntrySeparator)
}
