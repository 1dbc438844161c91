// Package topo holds the built-in topology catalog, YAML topology loading,
// and build-time validation.
package topo

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"qemunet/api"
	"qemunet/pkg/util"
)

var catalog = map[string]func() *api.TopoConfig{
	"basic-lan":      BasicLan,
	"scaled-lan":     ScaledLan,
	"routed-subnets": RoutedSubnets,
	"multi-router":   MultiRouter,
	"vlan":           Vlan,
}

// Names lists the built-in topologies in stable order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps name to a validated topology: first against the built-in
// catalog, then as a YAML file path.
func Resolve(name string) (*api.TopoConfig, error) {
	if build, ok := catalog[name]; ok {
		cfg := build()
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if _, err := os.Stat(name); err == nil {
		return Load(name)
	}
	return nil, fmt.Errorf("unknown topology %q (built-ins: %v)", name, Names())
}

// Load reads a topology from a YAML file and validates it.
func Load(path string) (*api.TopoConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %v", err)
	}

	var cfg api.TopoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling YAML file: %v", err)
	}
	if cfg.Name == "" {
		cfg.Name = path
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the topology graph eagerly, before any system state is
// touched: unique names, declared endpoints, well-formed addresses.
func Validate(cfg *api.TopoConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("topology has no name")
	}

	switches := make(map[string]bool)
	for _, sw := range cfg.Switches {
		if sw.Name == "" {
			return fmt.Errorf("topology %s: switch with empty name", cfg.Name)
		}
		if switches[sw.Name] {
			return fmt.Errorf("topology %s: duplicate switch %s", cfg.Name, sw.Name)
		}
		switches[sw.Name] = true
	}

	routers := make(map[string]bool)
	for _, r := range cfg.Routers {
		if r.Name == "" {
			return fmt.Errorf("topology %s: router with empty name", cfg.Name)
		}
		if routers[r.Name] || switches[r.Name] {
			return fmt.Errorf("topology %s: duplicate node name %s", cfg.Name, r.Name)
		}
		routers[r.Name] = true
	}

	for _, link := range cfg.Links {
		if !switches[link.Switch] {
			return fmt.Errorf("topology %s: link references unknown switch %s", cfg.Name, link.Switch)
		}
		if !routers[link.Router] {
			return fmt.Errorf("topology %s: link references unknown router %s", cfg.Name, link.Router)
		}
		if link.SwitchIntf == "" || link.RouterIntf == "" {
			return fmt.Errorf("topology %s: link %s<->%s has unnamed interfaces", cfg.Name, link.Switch, link.Router)
		}
		if link.RouterIp != "" && !util.CheckValidIpv4(link.RouterIp) {
			return fmt.Errorf("topology %s: link %s<->%s has invalid address %s", cfg.Name, link.Switch, link.Router, link.RouterIp)
		}
	}

	for _, link := range cfg.RouterLinks {
		if !routers[link.Router1] || !routers[link.Router2] {
			return fmt.Errorf("topology %s: router link references unknown router (%s, %s)", cfg.Name, link.Router1, link.Router2)
		}
		if !util.CheckValidIpv4(link.Ip1) || !util.CheckValidIpv4(link.Ip2) {
			return fmt.Errorf("topology %s: router link %s<->%s has invalid addresses", cfg.Name, link.Router1, link.Router2)
		}
	}

	hosts := make(map[string]bool)
	taps := make(map[string]bool)
	ports := make(map[int]bool)
	for _, h := range cfg.Hosts {
		if h.Name == "" {
			return fmt.Errorf("topology %s: host with empty name", cfg.Name)
		}
		if hosts[h.Name] || routers[h.Name] || switches[h.Name] {
			return fmt.Errorf("topology %s: duplicate node name %s", cfg.Name, h.Name)
		}
		hosts[h.Name] = true

		if h.BridgeName == "" {
			return fmt.Errorf("topology %s: host %s declares no bridge", cfg.Name, h.Name)
		}
		if !switches[h.BridgeName] {
			return fmt.Errorf("topology %s: host %s targets unknown bridge %s", cfg.Name, h.Name, h.BridgeName)
		}
		if h.Tap == "" {
			return fmt.Errorf("topology %s: host %s declares no tap", cfg.Name, h.Name)
		}
		if taps[h.Tap] {
			return fmt.Errorf("topology %s: duplicate tap %s", cfg.Name, h.Tap)
		}
		taps[h.Tap] = true

		if h.SshHostPort <= 0 || h.SshHostPort > 65535 {
			return fmt.Errorf("topology %s: host %s has invalid SSH port %d", cfg.Name, h.Name, h.SshHostPort)
		}
		if ports[h.SshHostPort] {
			return fmt.Errorf("topology %s: duplicate SSH port %d", cfg.Name, h.SshHostPort)
		}
		ports[h.SshHostPort] = true

		if !util.CheckValidIpv4(h.AppIp) {
			return fmt.Errorf("topology %s: host %s has invalid address %s", cfg.Name, h.Name, h.AppIp)
		}
		if h.DefaultGw != "" && !util.CheckValidIpv4(h.DefaultGw) {
			return fmt.Errorf("topology %s: host %s has invalid gateway %s", cfg.Name, h.Name, h.DefaultGw)
		}
		if !util.CheckValidMac(h.Mac) {
			return fmt.Errorf("topology %s: host %s has invalid MAC %s", cfg.Name, h.Name, h.Mac)
		}
	}

	return nil
}
