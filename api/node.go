package api

import "strings"

// QemuHost describes one VM-backed data-plane node. The management plane
// (SSH over a user-mode hostfwd) and the experiment plane (tap bridged into
// an OVS switch) are separate NICs inside the guest.
type QemuHost struct {
	Name string `yaml:"name"`

	// Overlay is the per-host qcow2 copy-on-write image path.
	Overlay string `yaml:"overlay"`

	// Tap is the host-side tap device name for the experiment NIC.
	Tap string `yaml:"tap"`

	// Mac is the experiment NIC MAC; MgmtMacSuffix is the final octet pair
	// of the fixed management NIC MAC prefix.
	Mac           string `yaml:"mac"`
	MgmtMacSuffix string `yaml:"mgmtMacSuffix"`

	// SshHostIp/SshHostPort is the host-side endpoint forwarded to guest :22.
	SshHostIp   string `yaml:"sshHostIp"`
	SshHostPort int    `yaml:"sshHostPort"`

	// AppIp is the experiment-plane address in CIDR form (e.g. 10.0.0.10/24),
	// configured on IntfName inside the guest after boot.
	AppIp    string `yaml:"appIp"`
	IntfName string `yaml:"intfName"`

	// DefaultGw is the experiment-plane default gateway, empty for flat LANs.
	DefaultGw string `yaml:"defaultGw"`

	// BridgeName is the OVS switch this host's tap attaches to.
	BridgeName string `yaml:"bridgeName"`

	// VlanTag marks the tap as an access port of that VLAN; zero means untagged.
	VlanTag int `yaml:"vlanTag"`

	StaticRoutes []StaticRoute `yaml:"staticRoutes"`
}

// AppAddr returns the experiment-plane address without its prefix length.
func (h *QemuHost) AppAddr() string {
	addr, _, _ := strings.Cut(h.AppIp, "/")
	return addr
}

// StaticRoute is one guest or router route entry.
type StaticRoute struct {
	Subnet string `yaml:"subnet"`
	Via    string `yaml:"via"`
	Dev    string `yaml:"dev"`
}

// Router is a lightweight forwarding node realized as a named network
// namespace. Interfaces is populated as links and VLAN sub-interfaces are
// materialized; it is the source of the router lines in the hosts file.
type Router struct {
	Name         string        `yaml:"name"`
	StaticRoutes []StaticRoute `yaml:"staticRoutes"`

	Interfaces []RouterIntf `yaml:"-"`
}

// RouterIntf records one addressed router interface.
type RouterIntf struct {
	Name   string
	Ip     string // CIDR form, empty for an address-less trunk
	VlanId int    // non-zero for VLAN sub-interfaces
}

// Switch is one OVS bridge.
type Switch struct {
	Name string `yaml:"name"`
}

// Credentials is the management-plane SSH identity for every QemuHost.
type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// WithDefaults fills unset fields with the stock guest-image identity.
func (c Credentials) WithDefaults() Credentials {
	if c.User == "" {
		c.User = "root"
	}
	if c.Password == "" {
		c.Password = "0944"
	}
	return c
}
