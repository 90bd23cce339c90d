package netconf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/miekg/dns"

	"github.com/nanovisor/nanovisor/internal/failure"
)

// DNSConfig renders an /etc/resolv.conf.
type DNSConfig struct {
	Nameservers []string
	Domain      string
	Search      []string
	Options     []string
}

// Render produces the exact per-line resolv.conf text this system writes
// into a container's rootfs. An empty config renders as the empty string.
func (c DNSConfig) Render() string {
	var b strings.Builder
	for _, ns := range c.Nameservers {
		fmt.Fprintf(&b, "nameserver %s\n", ns)
	}
	if c.Domain != "" {
		fmt.Fprintf(&b, "domain %s\n", c.Domain)
	}
	if len(c.Search) > 0 {
		fmt.Fprintf(&b, "search %s\n", strings.Join(c.Search, " "))
	}
	if len(c.Options) > 0 {
		fmt.Fprintf(&b, "options %s\n", strings.Join(c.Options, " "))
	}
	return b.String()
}

// ParseClientConfig parses resolv.conf text the way a guest resolver would,
// used to validate a rendered config round-trips through a real resolver
// parser before it's written into a container's rootfs.
func ParseClientConfig(text string) (*dns.ClientConfig, error) {
	cfg, err := dns.ClientConfigFromReader(strings.NewReader(text))
	if err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "parse resolv.conf", err)
	}
	return cfg, nil
}

// ConfigureDNS writes resolv.conf under rootPath (the container's rootfs
// root as seen from the guest, e.g. /run/container/<id>/rootfs).
func ConfigureDNS(cfg DNSConfig, rootPath string) error {
	path := filepath.Join(rootPath, "etc", "resolv.conf")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure.Wrap(failure.InternalError, "create /etc", err)
	}
	if err := os.WriteFile(path, []byte(cfg.Render()), 0o644); err != nil {
		return failure.Wrap(failure.InternalError, "write resolv.conf", err)
	}
	return nil
}

// HostsEntry is one /etc/hosts line: an IP mapped to one or more hostnames,
// with an optional trailing comment.
type HostsEntry struct {
	IP        string
	Hostnames []string
	Comment   string
}

// HostsConfig renders an /etc/hosts file.
type HostsConfig struct {
	TopComment string
	Entries    []HostsEntry
}

// DefaultHosts is the standard entry set this system writes when the
// container configuration requests Hosts.default rather than a custom list.
func DefaultHosts() HostsConfig {
	return HostsConfig{
		Entries: []HostsEntry{
			{IP: "127.0.0.1", Hostnames: []string{"localhost"}},
			{IP: "::1", Hostnames: []string{"localhost", "ip6-localhost", "ip6-loopback"}},
			{IP: "fe00::", Hostnames: []string{"ip6-localnet"}},
			{IP: "ff00::", Hostnames: []string{"ip6-mcastprefix"}},
			{IP: "ff02::1", Hostnames: []string{"ip6-allnodes"}},
			{IP: "ff02::2", Hostnames: []string{"ip6-allrouters"}},
		},
	}
}

// Render produces the exact hosts-file text, a "# comment" top line (if
// set) followed by one line per entry.
func (c HostsConfig) Render() string {
	var b strings.Builder
	if c.TopComment != "" {
		fmt.Fprintf(&b, "# %s\n", c.TopComment)
	}
	for _, e := range c.Entries {
		fmt.Fprintf(&b, "%s %s", e.IP, strings.Join(e.Hostnames, " "))
		if e.Comment != "" {
			fmt.Fprintf(&b, " # %s", e.Comment)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ConfigureHosts writes /etc/hosts under rootPath.
func ConfigureHosts(cfg HostsConfig, rootPath string) error {
	path := filepath.Join(rootPath, "etc", "hosts")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure.Wrap(failure.InternalError, "create /etc", err)
	}
	if err := os.WriteFile(path, []byte(cfg.Render()), 0o644); err != nil {
		return failure.Wrap(failure.InternalError, "write hosts", err)
	}
	return nil
}
