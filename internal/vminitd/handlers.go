package vminitd

import (
	"context"
	"encoding/json"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nanovisor/nanovisor/internal/failure"
	"github.com/nanovisor/nanovisor/internal/netconf"
)

type mountParams struct {
	Source      string `json:"source"`
	Fstype      string `json:"fstype"`
	Destination string `json:"destination"`
}

func handleMount(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p mountParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode mount params", err)
	}
	if err := os.MkdirAll(p.Destination, 0o755); err != nil {
		return nil, failure.Wrap(failure.InternalError, "mkdir mount destination", err)
	}
	if err := unix.Mount(p.Source, p.Destination, p.Fstype, 0, ""); err != nil {
		return nil, failure.Wrap(failure.InternalError, "mount "+p.Destination, err)
	}
	return nil, nil
}

type umountParams struct {
	Path  string `json:"path"`
	Flags int    `json:"flags"`
}

func handleUmount(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p umountParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode umount params", err)
	}
	if err := unix.Unmount(p.Path, p.Flags); err != nil {
		return nil, failure.Wrap(failure.InternalError, "umount "+p.Path, err)
	}
	return nil, nil
}

type netParams struct {
	Interface string `json:"interface"`
	Address   string `json:"address"`
	MTU       int    `json:"mtu"`
	Gateway   string `json:"gateway"`
}

func handleAddressAdd(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p netParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode addressAdd params", err)
	}
	link, err := netconf.WaitForInterface(p.Interface)
	if err != nil {
		return nil, err
	}
	return nil, netconf.AddressAdd(link, p.Address)
}

func handleUp(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p netParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode up params", err)
	}
	link, err := netconf.WaitForInterface(p.Interface)
	if err != nil {
		return nil, err
	}
	return nil, netconf.Up(link, p.MTU)
}

func handleDown(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p netParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode down params", err)
	}
	link, err := netconf.WaitForInterface(p.Interface)
	if err != nil {
		return nil, err
	}
	return nil, netconf.Down(link)
}

func handleInterfaceStatistics(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p netParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode interfaceStatistics params", err)
	}
	link, err := netconf.WaitForInterface(p.Interface)
	if err != nil {
		return nil, err
	}
	return netconf.Statistics(link)
}

func handleRouteAddDefault(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p netParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode routeAddDefault params", err)
	}
	link, err := netconf.WaitForInterface(p.Interface)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(p.Gateway)
	if ip == nil {
		return nil, failure.Newf(failure.InvalidArgument, "invalid gateway %q", p.Gateway)
	}
	return nil, netconf.RouteAddDefault(link, ip)
}

type dnsParams struct {
	Config   netconf.DNSConfig `json:"config"`
	RootPath string            `json:"rootPath"`
}

func handleConfigureDNS(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p dnsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode configureDNS params", err)
	}
	return nil, netconf.ConfigureDNS(p.Config, p.RootPath)
}

type hostsParams struct {
	Config   netconf.HostsConfig `json:"config"`
	RootPath string              `json:"rootPath"`
}

func handleConfigureHosts(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p hostsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode configureHosts params", err)
	}
	return nil, netconf.ConfigureHosts(p.Config, p.RootPath)
}

func handleStandardSetup(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return nil, nil
}
