// Package tun creates the virtual interface the tunnel reads plaintext
// packets from.
package tun

import (
	"fmt"
	"net"
	"regexp"

	"github.com/sirupsen/logrus"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// TUNDevice interface for TUN devices - allows mocking for tests
type TUNDevice interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

// Config describes the interface to create.
type Config struct {
	Name    string
	Address string // CIDR, empty leaves the interface unconfigured
	MTU     int
	// Routes are installed on the interface, typically the peers' AllowedIPs
	Routes []net.IPNet
}

var (
	log       = logrus.WithField("component", "tun")
	validName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// validateInterfaceName checks the name against the kernel's limits
func validateInterfaceName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid interface name: %s (contains unsafe characters)", name)
	}
	if len(name) > 15 { // IFNAMSIZ - 1
		return fmt.Errorf("interface name too long: %s (max 15 chars)", name)
	}
	return nil
}

// parseAddress validates a CIDR address for the interface
func parseAddress(address string) (*netlink.Addr, error) {
	if _, _, err := net.ParseCIDR(address); err != nil {
		return nil, fmt.Errorf("invalid TUN address: %s (%w)", address, err)
	}
	addr, err := netlink.ParseAddr(address)
	if err != nil {
		return nil, fmt.Errorf("invalid TUN address: %s (%w)", address, err)
	}
	return addr, nil
}

// SetupTUN creates and configures a TUN interface
func SetupTUN(cfg Config) (TUNDevice, error) {
	if err := validateInterfaceName(cfg.Name); err != nil {
		return nil, err
	}
	var addr *netlink.Addr
	if cfg.Address != "" {
		a, err := parseAddress(cfg.Address)
		if err != nil {
			return nil, err
		}
		addr = a
	}

	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN interface: %w", err)
	}
	ilog := log.WithField("iface", iface.Name())
	ilog.Info("TUN interface created")

	if addr == nil {
		ilog.Warn("no TUN address specified - interface created but not configured")
		return iface, nil
	}

	if err := configureLink(iface.Name(), addr, cfg.MTU, cfg.Routes); err != nil {
		iface.Close()
		return nil, err
	}
	ilog.WithFields(logrus.Fields{"address": cfg.Address, "mtu": cfg.MTU}).Info("interface configured and up")
	return iface, nil
}

// configureLink does what wg-quick does with ip(8): address, MTU, up, routes.
func configureLink(name string, addr *netlink.Addr, mtu int, routes []net.IPNet) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", name, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to add IP address %s to %s: %w", addr, name, err)
	}
	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("failed to set MTU %d on %s: %w", mtu, name, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up interface %s: %w", name, err)
	}
	for i := range routes {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       &routes[i],
		}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("failed to add route %s via %s: %w", routes[i].String(), name, err)
		}
	}
	return nil
}
