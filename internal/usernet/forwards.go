package usernet

import (
	"net"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// ParsePortForwards parses a comma-separated list of port forwards:
//
//	hostport:guestport                   127.0.0.1:hostport -> GuestIP:guestport
//	hostip:hostport:guestip:guestport
//
// The result maps host address to guest address. An empty string yields nil.
func ParsePortForwards(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}

	forwards := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		fields := strings.Split(entry, ":")
		var hostIP, hostPort, guestIP, guestPort string
		switch len(fields) {
		case 2:
			hostIP, hostPort, guestIP, guestPort = "127.0.0.1", fields[0], GuestIP, fields[1]
		case 4:
			hostIP, hostPort, guestIP, guestPort = fields[0], fields[1], fields[2], fields[3]
		default:
			return nil, errors.Errorf("invalid port forward %q: want hostport:guestport or hostip:hostport:guestip:guestport", entry)
		}

		for _, ip := range []string{hostIP, guestIP} {
			if net.ParseIP(ip) == nil {
				return nil, errors.Errorf("invalid port forward %q: bad IP %q", entry, ip)
			}
		}
		for _, port := range []string{hostPort, guestPort} {
			n, err := strconv.Atoi(port)
			if err != nil || n < 1 || n > 65535 {
				return nil, errors.Errorf("invalid port forward %q: bad port %q", entry, port)
			}
		}

		host := net.JoinHostPort(hostIP, hostPort)
		if _, dup := forwards[host]; dup {
			return nil, errors.Errorf("invalid port forward %q: %s already forwarded", entry, host)
		}
		forwards[host] = net.JoinHostPort(guestIP, guestPort)
	}
	return forwards, nil
}
