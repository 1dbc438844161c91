package topo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qemunet/api"
)

func TestBuiltinsValidate(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			cfg, err := Resolve(name)
			require.NoError(t, err)
			assert.Equal(t, name, cfg.Name)
			assert.NotEmpty(t, cfg.Hosts)
			assert.NotEmpty(t, cfg.Switches)
		})
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"basic-lan", "multi-router", "routed-subnets", "scaled-lan", "vlan"}, Names())
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve("no-such-topology")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown topology")
}

func TestVlanTopologyShape(t *testing.T) {
	cfg, err := Resolve("vlan")
	require.NoError(t, err)

	assert.True(t, cfg.Vlan)
	require.Len(t, cfg.Links, 1)
	assert.Empty(t, cfg.Links[0].RouterIp, "trunk link must stay address-less")

	tags := make(map[int]int)
	for _, h := range cfg.Hosts {
		tags[h.VlanTag]++
	}
	assert.Equal(t, map[int]int{100: 2, 200: 2}, tags)
}

func TestMultiRouterTopologyShape(t *testing.T) {
	cfg, err := Resolve("multi-router")
	require.NoError(t, err)

	require.Len(t, cfg.RouterLinks, 1)
	require.Len(t, cfg.Routers, 2)
	assert.NotEmpty(t, cfg.Routers[0].StaticRoutes)
	assert.NotEmpty(t, cfg.Routers[1].StaticRoutes)
}

func TestLoadYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: mini
switches:
  - name: s1
hosts:
  - name: q1
    overlay: /tmp/q1.qcow2
    tap: tapq1
    mac: "52:54:00:00:00:10"
    mgmtMacSuffix: "10"
    sshHostIp: 127.0.0.1
    sshHostPort: 2301
    appIp: 10.0.0.10/24
    intfName: ens4
    bridgeName: s1
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mini", cfg.Name)
	require.Len(t, cfg.Hosts, 1)
	assert.Equal(t, "tapq1", cfg.Hosts[0].Tap)
	assert.Equal(t, 2301, cfg.Hosts[0].SshHostPort)
}

func validBase() *api.TopoConfig {
	return &api.TopoConfig{
		Name:     "t",
		Switches: []api.Switch{{Name: "s1"}},
		Hosts: []api.QemuHost{{
			Name: "q1", Overlay: "/tmp/q1.qcow2", Tap: "tap1",
			Mac: "52:54:00:00:00:10", SshHostIp: "127.0.0.1", SshHostPort: 2401,
			AppIp: "10.0.0.10/24", IntfName: "ens4", BridgeName: "s1",
		}},
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*api.TopoConfig)
	}{
		{"unknown bridge", func(c *api.TopoConfig) { c.Hosts[0].BridgeName = "s9" }},
		{"empty bridge", func(c *api.TopoConfig) { c.Hosts[0].BridgeName = "" }},
		{"bad app ip", func(c *api.TopoConfig) { c.Hosts[0].AppIp = "10.0.0.999/24" }},
		{"bad gateway", func(c *api.TopoConfig) { c.Hosts[0].DefaultGw = "not-an-ip" }},
		{"bad mac", func(c *api.TopoConfig) { c.Hosts[0].Mac = "zz:54:00:00:00:10" }},
		{"no tap", func(c *api.TopoConfig) { c.Hosts[0].Tap = "" }},
		{"bad port", func(c *api.TopoConfig) { c.Hosts[0].SshHostPort = 0 }},
		{"duplicate host", func(c *api.TopoConfig) {
			h := c.Hosts[0]
			h.Tap, h.SshHostPort = "tap2", 2402
			c.Hosts = append(c.Hosts, h)
		}},
		{"duplicate tap", func(c *api.TopoConfig) {
			h := c.Hosts[0]
			h.Name, h.SshHostPort = "q2", 2402
			c.Hosts = append(c.Hosts, h)
		}},
		{"duplicate ssh port", func(c *api.TopoConfig) {
			h := c.Hosts[0]
			h.Name, h.Tap = "q2", "tap2"
			c.Hosts = append(c.Hosts, h)
		}},
		{"link to unknown switch", func(c *api.TopoConfig) {
			c.Routers = []api.Router{{Name: "r0"}}
			c.Links = []api.Link{{Switch: "s9", Router: "r0", SwitchIntf: "a", RouterIntf: "b"}}
		}},
		{"link to unknown router", func(c *api.TopoConfig) {
			c.Links = []api.Link{{Switch: "s1", Router: "r9", SwitchIntf: "a", RouterIntf: "b"}}
		}},
		{"router link bad address", func(c *api.TopoConfig) {
			c.Routers = []api.Router{{Name: "r0"}, {Name: "r1"}}
			c.RouterLinks = []api.RouterLink{{Router1: "r0", Router2: "r1", Intf1: "a", Intf2: "b", Ip1: "bad", Ip2: "10.0.12.2/30"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
