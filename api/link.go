package api

// Link wires a router into a switch with a veth pair. SwitchIntf stays in
// the root namespace as an OVS port; RouterIntf moves into the router's
// namespace and carries RouterIp (which may be empty for VLAN trunks).
type Link struct {
	Switch     string `yaml:"switch"`
	Router     string `yaml:"router"`
	SwitchIntf string `yaml:"switchIntf"`
	RouterIntf string `yaml:"routerIntf"`
	RouterIp   string `yaml:"routerIp"`
}

// RouterLink wires two routers together directly, one veth end in each
// namespace. Used for inter-router transit segments.
type RouterLink struct {
	Router1 string `yaml:"router1"`
	Router2 string `yaml:"router2"`
	Intf1   string `yaml:"intf1"`
	Intf2   string `yaml:"intf2"`
	Ip1     string `yaml:"ip1"`
	Ip2     string `yaml:"ip2"`
}
