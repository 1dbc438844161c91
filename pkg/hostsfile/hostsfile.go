// Package hostsfile synthesizes the shared name-resolution table that gets
// distributed to every booted guest as /etc/hosts.
package hostsfile

import (
	"fmt"
	"os"
	"strings"

	"qemunet/api"
)

const DefaultPath = "/tmp/qemunet_hosts"

var header = []string{
	"127.0.0.1   localhost",
	"::1     localhost ip6-localhost ip6-loopback",
	"ff02::1 ip6-allnodes",
	"ff02::2 ip6-allrouters",
}

// HostEntry maps one booted host's name to its experiment-plane address.
type HostEntry struct {
	Name string
	Ip   string
}

// RouterEntry maps one addressed router interface to a derived hostname.
type RouterEntry struct {
	Hostname string
	Ip       string
}

// Render produces the full file content: boilerplate, one line per booted
// host, one line per addressed router interface, and a trailing marker.
func Render(hosts []HostEntry, routers []RouterEntry) string {
	lines := append([]string(nil), header...)

	lines = append(lines, "", "# QEMU VM Data Plane IPs")
	for _, h := range hosts {
		lines = append(lines, fmt.Sprintf("%s\t%s", h.Ip, h.Name))
	}

	lines = append(lines, "", "# Router Interface IPs")
	for _, r := range routers {
		lines = append(lines, fmt.Sprintf("%s\t%s", r.Ip, r.Hostname))
	}

	lines = append(lines, "", "# End of Mininet host entries")
	return strings.Join(lines, "\n") + "\n"
}

// Write persists content at path, world-readable regardless of umask.
func Write(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write hosts file %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		return fmt.Errorf("failed to chmod hosts file %s: %w", path, err)
	}
	return nil
}

// RouterHostname derives the published name for a router interface: VLAN
// sub-interfaces get <router>-vlan<id>, everything else <router>-<suffix>
// with the router-name prefix stripped from the interface name.
func RouterHostname(router string, intf api.RouterIntf) string {
	if intf.VlanId > 0 {
		return fmt.Sprintf("%s-vlan%d", router, intf.VlanId)
	}
	suffix := strings.TrimPrefix(intf.Name, router+"-")
	return fmt.Sprintf("%s-%s", router, suffix)
}
