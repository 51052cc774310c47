package usernet

import (
	"context"
	"net"
	"os"

	"github.com/containers/gvisor-tap-vsock/pkg/types"
	"github.com/containers/gvisor-tap-vsock/pkg/virtualnetwork"
	slogctx "github.com/veqryn/slog-context"
	"gitlab.com/tozd/go/errors"
)

// Addresses of the user-mode network.
const (
	Subnet            = "172.16.10.0/24"
	GatewayIP         = "172.16.10.1"
	GatewayMacAddress = "5a:94:ef:e4:0c:dd"
	GuestIP           = "172.16.10.2"
	// HostAliasIP reaches the host's loopback from the guest.
	HostAliasIP = "172.16.10.254"
	MTU         = 1500
)

// GvisorStack is a Stack backed by gvisor-tap-vsock.
type GvisorStack struct{}

// NewGvisorStack returns a Stack that runs a gvisor-tap-vsock virtual network
// per socket pair.
func NewGvisorStack() *GvisorStack {
	return &GvisorStack{}
}

// Configuration returns the virtual network configuration for forwards.
func Configuration(forwards map[string]string) types.Configuration {
	return types.Configuration{
		MTU:               MTU,
		Subnet:            Subnet,
		GatewayIP:         GatewayIP,
		GatewayMacAddress: GatewayMacAddress,
		Forwards:          forwards,
		NAT: map[string]string{
			HostAliasIP: "127.0.0.1",
		},
		GatewayVirtualIPs: []string{HostAliasIP},
		Protocol:          types.BessProtocol,
	}
}

func (s *GvisorStack) Serve(ctx context.Context, conn *os.File, options string) error {
	defer conn.Close()

	forwards, err := ParsePortForwards(options)
	if err != nil {
		return err
	}
	cfg := Configuration(forwards)

	vn, err := virtualnetwork.New(&cfg)
	if err != nil {
		return errors.Errorf("creating virtual network: %w", err)
	}

	c, err := net.FileConn(conn)
	if err != nil {
		return errors.Errorf("wrapping socket: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	slogctx.Info(ctx, "user network stack started",
		"subnet", Subnet,
		"gateway", GatewayIP,
		"forwards", len(forwards),
	)

	err = vn.AcceptBess(ctx, c)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return errors.Errorf("serving virtual network: %w", err)
	}
	return nil
}
