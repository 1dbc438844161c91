package api

// TopoConfig is one complete experiment topology: switches, router nodes,
// the links wiring them together, and the VM-backed hosts hanging off the
// switches. Host taps are attached out-of-band during each host's boot.
type TopoConfig struct {
	Name        string       `yaml:"name"`
	Switches    []Switch     `yaml:"switches"`
	Routers     []Router     `yaml:"routers"`
	Links       []Link       `yaml:"links"`
	RouterLinks []RouterLink `yaml:"routerLinks"`
	Hosts       []QemuHost   `yaml:"hosts"`

	// Vlan enables the access-tag/trunk configuration pass after bridges
	// come up.
	Vlan bool `yaml:"vlan"`

	Credentials Credentials `yaml:"credentials"`
}
