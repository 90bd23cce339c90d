// Package netconf configures a guest network interface and renders
// /etc/resolv.conf and /etc/hosts, replacing this system's previous
// hand-rolled raw netlink syscalls with the real netlink library.
package netconf

import (
	"net"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/nanovisor/nanovisor/internal/failure"
)

const interfaceAppearTimeout = 5 * time.Second

// WaitForInterface polls until name appears (virtio-net devices can take a
// moment to attach) or the timeout elapses.
func WaitForInterface(name string) (netlink.Link, error) {
	deadline := time.Now().Add(interfaceAppearTimeout)
	for {
		link, err := netlink.LinkByName(name)
		if err == nil {
			return link, nil
		}
		if time.Now().After(deadline) {
			return nil, failure.Newf(failure.Timeout, "interface %s did not appear", name)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Up brings link up, optionally setting mtu first (mtu=0 leaves it
// unchanged).
func Up(link netlink.Link, mtu int) error {
	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return failure.Wrap(failure.InternalError, "set mtu", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return failure.Wrap(failure.InternalError, "link up", err)
	}
	return nil
}

// Down brings link down.
func Down(link netlink.Link) error {
	if err := netlink.LinkSetDown(link); err != nil {
		return failure.Wrap(failure.InternalError, "link down", err)
	}
	return nil
}

// AddressAdd assigns a CIDR address (e.g. "192.168.127.2/24") to link.
func AddressAdd(link netlink.Link, cidr string) error {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return failure.Wrap(failure.InvalidArgument, "parse address "+cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return failure.Wrap(failure.InternalError, "add address", err)
	}
	return nil
}

// RouteAddDefault installs a default route via gateway over link.
func RouteAddDefault(link netlink.Link, gateway net.IP) error {
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gateway,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return failure.Wrap(failure.InternalError, "add default route", err)
	}
	return nil
}

// InterfaceStatistics reports rx/tx byte and packet counters, or
// failure.Unsupported if the link carries no statistics.
type InterfaceStatistics struct {
	RxBytes, TxBytes     uint64
	RxPackets, TxPackets uint64
}

func Statistics(link netlink.Link) (*InterfaceStatistics, error) {
	stats := link.Attrs().Statistics
	if stats == nil {
		return nil, failure.New(failure.Unsupported, "no statistics available")
	}
	return &InterfaceStatistics{
		RxBytes:   stats.RxBytes,
		TxBytes:   stats.TxBytes,
		RxPackets: stats.RxPackets,
		TxPackets: stats.TxPackets,
	}, nil
}
