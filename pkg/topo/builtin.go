package topo

import "qemunet/api"

// The built-in topologies. Management SSH ports are unique across all of
// them so leftover forwards from an aborted run never collide with the next.

// BasicLan is two hosts on one switch, flat subnet.
func BasicLan() *api.TopoConfig {
	return &api.TopoConfig{
		Name:     "basic-lan",
		Switches: []api.Switch{{Name: "s1"}},
		Hosts: []api.QemuHost{
			{
				Name: "q1", Overlay: "/tmp/q1-basic.qcow2", Tap: "tapb1",
				Mac: "52:54:00:B4:51:10", MgmtMacSuffix: "b1",
				SshHostIp: "127.0.0.1", SshHostPort: 2211,
				AppIp: "10.0.0.10/24", IntfName: "ens4", BridgeName: "s1",
			},
			{
				Name: "q2", Overlay: "/tmp/q2-basic.qcow2", Tap: "tapb2",
				Mac: "52:54:00:B4:51:11", MgmtMacSuffix: "b2",
				SshHostIp: "127.0.0.1", SshHostPort: 2212,
				AppIp: "10.0.0.11/24", IntfName: "ens4", BridgeName: "s1",
			},
		},
	}
}

// ScaledLan is five hosts on one switch.
func ScaledLan() *api.TopoConfig {
	cfg := &api.TopoConfig{
		Name:     "scaled-lan",
		Switches: []api.Switch{{Name: "s1"}},
	}
	for i := 0; i < 5; i++ {
		cfg.Hosts = append(cfg.Hosts, api.QemuHost{
			Name:          hostName(i + 1),
			Overlay:       "/tmp/" + hostName(i+1) + "-scaled.qcow2",
			Tap:           "taps" + digit(i+1),
			Mac:           "52:54:00:5C:A1:1" + digit(i),
			MgmtMacSuffix: "1" + digit(i),
			SshHostIp:     "127.0.0.1",
			SshHostPort:   2221 + i,
			AppIp:         "10.0.0.1" + digit(i) + "/24",
			IntfName:      "ens4",
			BridgeName:    "s1",
		})
	}
	return cfg
}

func hostName(i int) string { return "q" + digit(i) }

func digit(i int) string { return string(rune('0' + i)) }

// RoutedSubnets is two switches joined by one router, hosts split across
// two subnets with static routes to the far side.
func RoutedSubnets() *api.TopoConfig {
	return &api.TopoConfig{
		Name:     "routed-subnets",
		Switches: []api.Switch{{Name: "s1"}, {Name: "s2"}},
		Routers:  []api.Router{{Name: "r0"}},
		Links: []api.Link{
			{Switch: "s1", Router: "r0", SwitchIntf: "s1-eth1", RouterIntf: "r0-eth1", RouterIp: "10.0.0.1/24"},
			{Switch: "s2", Router: "r0", SwitchIntf: "s2-eth1", RouterIntf: "r0-eth2", RouterIp: "10.0.1.1/24"},
		},
		Hosts: []api.QemuHost{
			{
				Name: "q1", Overlay: "/tmp/q1-routed.qcow2", Tap: "tapr1",
				Mac: "52:54:00:12:34:10", MgmtMacSuffix: "01",
				SshHostIp: "127.0.0.1", SshHostPort: 2201,
				AppIp: "10.0.0.10/24", IntfName: "ens4", DefaultGw: "10.0.0.1", BridgeName: "s1",
				StaticRoutes: []api.StaticRoute{{Subnet: "10.0.1.0/24", Via: "10.0.0.1"}},
			},
			{
				Name: "q2", Overlay: "/tmp/q2-routed.qcow2", Tap: "tapr2",
				Mac: "52:54:00:12:34:11", MgmtMacSuffix: "02",
				SshHostIp: "127.0.0.1", SshHostPort: 2202,
				AppIp: "10.0.0.11/24", IntfName: "ens4", DefaultGw: "10.0.0.1", BridgeName: "s1",
				StaticRoutes: []api.StaticRoute{{Subnet: "10.0.1.0/24", Via: "10.0.0.1"}},
			},
			{
				Name: "q3", Overlay: "/tmp/q3-routed.qcow2", Tap: "tapr3",
				Mac: "52:54:00:12:34:12", MgmtMacSuffix: "03",
				SshHostIp: "127.0.0.1", SshHostPort: 2203,
				AppIp: "10.0.1.10/24", IntfName: "ens4", DefaultGw: "10.0.1.1", BridgeName: "s2",
				StaticRoutes: []api.StaticRoute{{Subnet: "10.0.0.0/24", Via: "10.0.1.1"}},
			},
		},
	}
}

// MultiRouter is two LANs, each behind its own router, joined by a /30
// transit segment with static routes on both routers.
func MultiRouter() *api.TopoConfig {
	return &api.TopoConfig{
		Name:     "multi-router",
		Switches: []api.Switch{{Name: "s1"}, {Name: "s2"}},
		Routers: []api.Router{
			{
				Name: "r0",
				StaticRoutes: []api.StaticRoute{
					{Subnet: "10.0.3.0/24", Via: "10.0.12.2", Dev: "r0-r1-eth0"},
				},
			},
			{
				Name: "r1",
				StaticRoutes: []api.StaticRoute{
					{Subnet: "10.0.1.0/24", Via: "10.0.12.1", Dev: "r1-r0-eth0"},
				},
			},
		},
		Links: []api.Link{
			{Switch: "s1", Router: "r0", SwitchIntf: "s1-r0", RouterIntf: "r0-lan1-eth0", RouterIp: "10.0.1.1/24"},
			{Switch: "s2", Router: "r1", SwitchIntf: "s2-r1", RouterIntf: "r1-lan2-eth0", RouterIp: "10.0.3.1/24"},
		},
		RouterLinks: []api.RouterLink{
			{
				Router1: "r0", Router2: "r1",
				Intf1: "r0-r1-eth0", Intf2: "r1-r0-eth0",
				Ip1: "10.0.12.1/30", Ip2: "10.0.12.2/30",
			},
		},
		Hosts: []api.QemuHost{
			{
				Name: "q1", Overlay: "/tmp/q1-mrt.qcow2", Tap: "taplan1vm1",
				Mac: "52:54:00:12:01:10", MgmtMacSuffix: "11",
				SshHostIp: "127.0.0.1", SshHostPort: 2251,
				AppIp: "10.0.1.10/24", IntfName: "ens4", DefaultGw: "10.0.1.1", BridgeName: "s1",
			},
			{
				Name: "q2", Overlay: "/tmp/q2-mrt.qcow2", Tap: "taplan1vm2",
				Mac: "52:54:00:12:01:11", MgmtMacSuffix: "12",
				SshHostIp: "127.0.0.1", SshHostPort: 2252,
				AppIp: "10.0.1.11/24", IntfName: "ens4", DefaultGw: "10.0.1.1", BridgeName: "s1",
			},
			{
				Name: "q3", Overlay: "/tmp/q3-mrt.qcow2", Tap: "taplan2vm1",
				Mac: "52:54:00:12:02:10", MgmtMacSuffix: "13",
				SshHostIp: "127.0.0.1", SshHostPort: 2253,
				AppIp: "10.0.3.10/24", IntfName: "ens4", DefaultGw: "10.0.3.1", BridgeName: "s2",
			},
			{
				Name: "q4", Overlay: "/tmp/q4-mrt.qcow2", Tap: "taplan2vm2",
				Mac: "52:54:00:12:02:11", MgmtMacSuffix: "14",
				SshHostIp: "127.0.0.1", SshHostPort: 2254,
				AppIp: "10.0.3.11/24", IntfName: "ens4", DefaultGw: "10.0.3.1", BridgeName: "s2",
			},
		},
	}
}

// Vlan is one switch carrying two VLANs, inter-VLAN routing over an
// address-less trunk into r0.
func Vlan() *api.TopoConfig {
	return &api.TopoConfig{
		Name:     "vlan",
		Switches: []api.Switch{{Name: "s1"}},
		Routers:  []api.Router{{Name: "r0"}},
		Links: []api.Link{
			{Switch: "s1", Router: "r0", SwitchIntf: "s1-trunk-port", RouterIntf: "r0-phys-trunk"},
		},
		Vlan: true,
		Hosts: []api.QemuHost{
			{
				Name: "q1", Overlay: "/tmp/q1-vlan.qcow2", Tap: "tapv100q1",
				Mac: "52:54:00:AA:01:10", MgmtMacSuffix: "A1",
				SshHostIp: "127.0.0.1", SshHostPort: 2261,
				AppIp: "10.0.100.10/24", IntfName: "ens4", DefaultGw: "10.0.100.1",
				BridgeName: "s1", VlanTag: 100,
				StaticRoutes: []api.StaticRoute{{Subnet: "10.0.200.0/24", Via: "10.0.100.1"}},
			},
			{
				Name: "q2", Overlay: "/tmp/q2-vlan.qcow2", Tap: "tapv100q2",
				Mac: "52:54:00:AA:01:11", MgmtMacSuffix: "A2",
				SshHostIp: "127.0.0.1", SshHostPort: 2262,
				AppIp: "10.0.100.11/24", IntfName: "ens4", DefaultGw: "10.0.100.1",
				BridgeName: "s1", VlanTag: 100,
				StaticRoutes: []api.StaticRoute{{Subnet: "10.0.200.0/24", Via: "10.0.100.1"}},
			},
			{
				Name: "q3", Overlay: "/tmp/q3-vlan.qcow2", Tap: "tapv200q3",
				Mac: "52:54:00:AA:02:10", MgmtMacSuffix: "B1",
				SshHostIp: "127.0.0.1", SshHostPort: 2263,
				AppIp: "10.0.200.10/24", IntfName: "ens4", DefaultGw: "10.0.200.1",
				BridgeName: "s1", VlanTag: 200,
				StaticRoutes: []api.StaticRoute{{Subnet: "10.0.100.0/24", Via: "10.0.200.1"}},
			},
			{
				Name: "q4", Overlay: "/tmp/q4-vlan.qcow2", Tap: "tapv200q4",
				Mac: "52:54:00:AA:02:11", MgmtMacSuffix: "B2",
				SshHostIp: "127.0.0.1", SshHostPort: 2264,
				AppIp: "10.0.200.11/24", IntfName: "ens4", DefaultGw: "10.0.200.1",
				BridgeName: "s1", VlanTag: 200,
				StaticRoutes: []api.StaticRoute{{Subnet: "10.0.100.0/24", Via: "10.0.200.1"}},
			},
		},
	}
}
