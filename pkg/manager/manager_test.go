package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qemunet/api"
	"qemunet/pkg/executor"
)

type fakeRunner struct {
	ran []string
}

func (f *fakeRunner) Run(cmd string, _ time.Duration) executor.Result {
	f.ran = append(f.ran, cmd)
	return executor.Result{}
}

type fakeHost struct {
	cfg       *api.QemuHost
	bootErr   error
	booted    bool
	bootCalls int
	stopCalls int
	addrSet   bool
	routesSet bool
	pushed    []string
	runner    *fakeRunner
}

func newFakeHost(cfg *api.QemuHost) *fakeHost {
	return &fakeHost{cfg: cfg, runner: &fakeRunner{}}
}

func (f *fakeHost) Name() string            { return f.cfg.Name }
func (f *fakeHost) Config() *api.QemuHost   { return f.cfg }
func (f *fakeHost) Booted() bool            { return f.booted }
func (f *fakeHost) Runner() executor.Runner { return f.runner }

func (f *fakeHost) Boot() error {
	f.bootCalls++
	if f.bootErr != nil {
		return f.bootErr
	}
	f.booted = true
	return nil
}

func (f *fakeHost) Stop() {
	f.stopCalls++
	f.booted = false
}

func (f *fakeHost) SetAddress(addr, intf, gw string) bool {
	f.addrSet = true
	return true
}

func (f *fakeHost) ApplyStaticRoutes()             { f.routesSet = true }
func (f *fakeHost) DisableOffloads(string)         {}
func (f *fakeHost) OpenFirewall()                  {}
func (f *fakeHost) PushHostsFile(path string) error {
	f.pushed = append(f.pushed, path)
	return nil
}

type fakeRouter struct {
	cfg        *api.Router
	created    bool
	configured bool
	terminated int
	links      []api.Link
	vlanIntf   string
	vlanTags   []int
	runner     *fakeRunner
}

func newFakeRouter(name string) *fakeRouter {
	return &fakeRouter{cfg: &api.Router{Name: name}, runner: &fakeRunner{}}
}

func (f *fakeRouter) Name() string            { return f.cfg.Name }
func (f *fakeRouter) Config() *api.Router     { return f.cfg }
func (f *fakeRouter) Runner() executor.Runner { return f.runner }

func (f *fakeRouter) Create() error {
	f.created = true
	return nil
}

func (f *fakeRouter) AttachBridgeLink(link api.Link) error {
	f.links = append(f.links, link)
	f.cfg.Interfaces = append(f.cfg.Interfaces, api.RouterIntf{Name: link.RouterIntf, Ip: link.RouterIp})
	return nil
}

func (f *fakeRouter) Configure() error {
	f.configured = true
	return nil
}

func (f *fakeRouter) AddStaticRoutes() {}

func (f *fakeRouter) SetupVlans(trunkIntf string, tags []int) error {
	f.vlanIntf = trunkIntf
	f.vlanTags = tags
	return nil
}

func (f *fakeRouter) Terminate() { f.terminated++ }

type fakeFabric struct {
	serviceErr error
	vlanErr    error
	started    map[string][]string
	vlanCalls  []string
	stopped    []string
}

func newFakeFabric() *fakeFabric {
	return &fakeFabric{started: make(map[string][]string)}
}

func (f *fakeFabric) CheckService() error { return f.serviceErr }

func (f *fakeFabric) Start(bridge string, taps, ports []string) error {
	f.started[bridge] = append(append([]string(nil), taps...), ports...)
	return nil
}

func (f *fakeFabric) ConfigureVlans(bridge string, accessTags map[string]int, trunkPort string) ([]int, error) {
	f.vlanCalls = append(f.vlanCalls, fmt.Sprintf("%s/%s/%d", bridge, trunkPort, len(accessTags)))
	if f.vlanErr != nil {
		return nil, f.vlanErr
	}
	seen := make(map[int]bool)
	var tags []int
	for _, tag := range accessTags {
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

func (f *fakeFabric) Stop(bridge string) error {
	f.stopped = append(f.stopped, bridge)
	return nil
}

func host(name, bridge, tap, ip string) *api.QemuHost {
	return &api.QemuHost{
		Name: name, BridgeName: bridge, Tap: tap,
		AppIp: ip, IntfName: "ens4",
		Overlay: "/tmp/" + name + ".qcow2",
	}
}

func testManager(t *testing.T, cfg *api.TopoConfig, hosts []Host, routers []Router, fabric Fabric) *Manager {
	t.Helper()
	m := assemble(cfg, fabric, hosts, routers, executor.NewRegistry(),
		filepath.Join(t.TempDir(), "hosts"), zap.NewNop())
	m.settle = 0
	m.connect = func(a, b Router, link api.RouterLink, _ *zap.Logger) error { return nil }
	return m
}

func TestStartHappyPath(t *testing.T) {
	q1 := newFakeHost(host("q1", "s1", "tap1", "10.0.0.10/24"))
	q2 := newFakeHost(host("q2", "s1", "tap2", "10.0.0.11/24"))
	fabric := newFakeFabric()
	cfg := &api.TopoConfig{Name: "t", Switches: []api.Switch{{Name: "s1"}}}

	m := testManager(t, cfg, []Host{q1, q2}, nil, fabric)
	require.NoError(t, m.Start())

	assert.Equal(t, []string{"tap1", "tap2"}, fabric.started["s1"])
	assert.True(t, q1.booted)
	assert.True(t, q2.booted)
	assert.True(t, q1.addrSet)
	assert.True(t, q2.routesSet)
	assert.NotEmpty(t, q1.pushed)
}

func TestStartFailsFastOnBootFailure(t *testing.T) {
	q1 := newFakeHost(host("q1", "s1", "tap1", "10.0.0.10/24"))
	q2 := newFakeHost(host("q2", "s1", "tap2", "10.0.0.11/24"))
	q3 := newFakeHost(host("q3", "s1", "tap3", "10.0.0.12/24"))
	q2.bootErr = fmt.Errorf("login retry budget exhausted")
	fabric := newFakeFabric()
	cfg := &api.TopoConfig{Name: "t", Switches: []api.Switch{{Name: "s1"}}}

	m := testManager(t, cfg, []Host{q1, q2, q3}, nil, fabric)
	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "q2")

	assert.Equal(t, 0, q3.bootCalls, "boot loop must stop at the first failure")
	assert.Equal(t, 1, q1.stopCalls)
	assert.Equal(t, 1, q2.stopCalls)
	assert.Equal(t, 1, q3.stopCalls)
	assert.Equal(t, []string{"s1"}, fabric.stopped)
	assert.False(t, q1.addrSet, "no guest configuration after an aborted run")
}

func TestStartAbortsWhenInfrastructureUnavailable(t *testing.T) {
	q1 := newFakeHost(host("q1", "s1", "tap1", "10.0.0.10/24"))
	fabric := newFakeFabric()
	fabric.serviceErr = fmt.Errorf("Open vSwitch is not available")
	cfg := &api.TopoConfig{Name: "t", Switches: []api.Switch{{Name: "s1"}}}

	m := testManager(t, cfg, []Host{q1}, nil, fabric)
	require.Error(t, m.Start())
	assert.Equal(t, 0, q1.bootCalls)
	assert.Empty(t, fabric.started)
}

func TestNotBootedHostIsSkippedEverywhere(t *testing.T) {
	q1 := newFakeHost(host("q1", "s1", "tap1", "10.0.0.10/24"))
	q2 := newFakeHost(host("q2", "s1", "tap2", "10.0.0.11/24"))
	fabric := newFakeFabric()
	cfg := &api.TopoConfig{Name: "t", Switches: []api.Switch{{Name: "s1"}}}
	m := testManager(t, cfg, []Host{q1, q2}, nil, fabric)

	require.NoError(t, m.bootHosts())
	q2.booted = false // lost after boot

	m.configureGuests()
	m.distributeHostsFile()

	assert.True(t, q1.addrSet)
	assert.False(t, q2.addrSet)
	assert.Empty(t, q2.pushed)

	data, err := os.ReadFile(m.hostsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.10\tq1")
	assert.NotContains(t, string(data), "q2")
}

func TestHostsFileIncludesRouterInterfaces(t *testing.T) {
	q1 := newFakeHost(host("q1", "s1", "tap1", "10.0.0.10/24"))
	q1.booted = true
	r0 := newFakeRouter("r0")
	r0.cfg.Interfaces = []api.RouterIntf{
		{Name: "r0-eth1", Ip: "10.0.0.1/24"},
		{Name: "vlan100", Ip: "10.0.100.1/24", VlanId: 100},
		{Name: "r0-phys-trunk"}, // address-less, must not appear
	}
	cfg := &api.TopoConfig{Name: "t", Switches: []api.Switch{{Name: "s1"}}}
	m := testManager(t, cfg, []Host{q1}, []Router{r0}, newFakeFabric())

	m.distributeHostsFile()

	data, err := os.ReadFile(m.hostsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.1\tr0\n", "bare router name resolves to its first addressed interface")
	assert.Contains(t, string(data), "10.0.0.1\tr0-eth1")
	assert.Contains(t, string(data), "10.0.100.1\tr0-vlan100")
	assert.NotContains(t, string(data), "phys-trunk")
}

func TestVlanConfigurationFlow(t *testing.T) {
	q1 := newFakeHost(host("q1", "s1", "tapv100q1", "10.0.100.10/24"))
	q1.cfg.VlanTag = 100
	q3 := newFakeHost(host("q3", "s1", "tapv200q3", "10.0.200.10/24"))
	q3.cfg.VlanTag = 200
	r0 := newFakeRouter("r0")
	fabric := newFakeFabric()
	cfg := &api.TopoConfig{
		Name:     "t",
		Vlan:     true,
		Switches: []api.Switch{{Name: "s1"}},
		Links: []api.Link{
			{Switch: "s1", Router: "r0", SwitchIntf: "s1-trunk-port", RouterIntf: "r0-phys-trunk"},
		},
	}

	m := testManager(t, cfg, []Host{q1, q3}, []Router{r0}, fabric)
	require.NoError(t, m.Start())

	assert.Equal(t, []string{"s1/s1-trunk-port/2"}, fabric.vlanCalls)
	assert.Equal(t, "r0-phys-trunk", r0.vlanIntf)
	assert.ElementsMatch(t, []int{100, 200}, r0.vlanTags)
}

func TestVlanWithoutTrunkLinkDegrades(t *testing.T) {
	q1 := newFakeHost(host("q1", "s1", "tap1", "10.0.100.10/24"))
	q1.cfg.VlanTag = 100
	fabric := newFakeFabric()
	cfg := &api.TopoConfig{Name: "t", Vlan: true, Switches: []api.Switch{{Name: "s1"}}}

	m := testManager(t, cfg, []Host{q1}, nil, fabric)
	require.NoError(t, m.Start(), "missing trunk degrades VLAN config, run continues")
	assert.Empty(t, fabric.vlanCalls)
	assert.True(t, q1.booted)
}

func TestVlanProgrammingFailureDegrades(t *testing.T) {
	q1 := newFakeHost(host("q1", "s1", "tapv100q1", "10.0.100.10/24"))
	q1.cfg.VlanTag = 100
	r0 := newFakeRouter("r0")
	fabric := newFakeFabric()
	fabric.vlanErr = fmt.Errorf("ovs-vsctl set port: database locked")
	cfg := &api.TopoConfig{
		Name:     "t",
		Vlan:     true,
		Switches: []api.Switch{{Name: "s1"}},
		Links: []api.Link{
			{Switch: "s1", Router: "r0", SwitchIntf: "s1-trunk-port", RouterIntf: "r0-phys-trunk"},
		},
	}

	m := testManager(t, cfg, []Host{q1}, []Router{r0}, fabric)
	require.NoError(t, m.Start(), "failed VLAN programming degrades to untagged, run continues")
	assert.True(t, q1.booted)
	assert.Empty(t, r0.vlanTags, "no router sub-interfaces when tagging failed")
	assert.Zero(t, q1.stopCalls)
}

func TestStopAllIsRepeatable(t *testing.T) {
	q1 := newFakeHost(host("q1", "s1", "tap1", "10.0.0.10/24"))
	r0 := newFakeRouter("r0")
	fabric := newFakeFabric()
	cfg := &api.TopoConfig{Name: "t", Switches: []api.Switch{{Name: "s1"}}}

	m := testManager(t, cfg, []Host{q1}, []Router{r0}, fabric)
	m.StopAll()
	m.StopAll()

	assert.Equal(t, 2, q1.stopCalls)
	assert.Equal(t, 2, r0.terminated)
	assert.Equal(t, []string{"s1", "s1"}, fabric.stopped)
}

func TestNodesExposesAllRunners(t *testing.T) {
	q1 := newFakeHost(host("q1", "s1", "tap1", "10.0.0.10/24"))
	r0 := newFakeRouter("r0")
	cfg := &api.TopoConfig{Name: "t", Switches: []api.Switch{{Name: "s1"}}}

	m := testManager(t, cfg, []Host{q1}, []Router{r0}, newFakeFabric())
	nodes := m.Nodes()
	assert.Len(t, nodes, 2)
	assert.Contains(t, nodes, "q1")
	assert.Contains(t, nodes, "r0")
}

func TestBuildRoutersWiresLinks(t *testing.T) {
	r0 := newFakeRouter("r0")
	r1 := newFakeRouter("r1")
	connected := 0
	cfg := &api.TopoConfig{
		Name:     "t",
		Switches: []api.Switch{{Name: "s1"}, {Name: "s2"}},
		Links: []api.Link{
			{Switch: "s1", Router: "r0", SwitchIntf: "s1-r0", RouterIntf: "r0-lan1-eth0", RouterIp: "10.0.1.1/24"},
			{Switch: "s2", Router: "r1", SwitchIntf: "s2-r1", RouterIntf: "r1-lan2-eth0", RouterIp: "10.0.3.1/24"},
		},
		RouterLinks: []api.RouterLink{
			{Router1: "r0", Router2: "r1", Intf1: "r0-r1-eth0", Intf2: "r1-r0-eth0", Ip1: "10.0.12.1/30", Ip2: "10.0.12.2/30"},
		},
	}

	m := testManager(t, cfg, nil, []Router{r0, r1}, newFakeFabric())
	m.connect = func(a, b Router, link api.RouterLink, _ *zap.Logger) error {
		connected++
		assert.Equal(t, "r0", a.Name())
		assert.Equal(t, "r1", b.Name())
		return nil
	}

	require.NoError(t, m.buildRouters())
	assert.True(t, r0.created)
	assert.True(t, r1.created)
	require.Len(t, r0.links, 1)
	assert.Equal(t, "r0-lan1-eth0", r0.links[0].RouterIntf)
	assert.Equal(t, 1, connected)
}

func TestBuildBridgesGroupsPorts(t *testing.T) {
	q1 := newFakeHost(host("q1", "s1", "tap1", "10.0.0.10/24"))
	q3 := newFakeHost(host("q3", "s2", "tap3", "10.0.1.10/24"))
	fabric := newFakeFabric()
	cfg := &api.TopoConfig{
		Name:     "t",
		Switches: []api.Switch{{Name: "s1"}, {Name: "s2"}},
		Links: []api.Link{
			{Switch: "s1", Router: "r0", SwitchIntf: "s1-eth1", RouterIntf: "r0-eth1", RouterIp: "10.0.0.1/24"},
		},
	}
	r0 := newFakeRouter("r0")

	m := testManager(t, cfg, []Host{q1, q3}, []Router{r0}, fabric)
	require.NoError(t, m.buildBridges())

	assert.Equal(t, []string{"tap1", "s1-eth1"}, fabric.started["s1"])
	assert.Equal(t, []string{"tap3"}, fabric.started["s2"])
}

func TestSmokePairs(t *testing.T) {
	lan1a := newFakeHost(host("q1", "s1", "t1", "10.0.1.10/24"))
	lan1b := newFakeHost(host("q2", "s1", "t2", "10.0.1.11/24"))
	lan2a := newFakeHost(host("q3", "s2", "t3", "10.0.3.10/24"))

	// single segment: first two hosts
	pairs := smokePairs([]Host{lan1a, lan1b})
	require.Len(t, pairs, 1)
	assert.Equal(t, "q1", pairs[0][0].Name())
	assert.Equal(t, "q2", pairs[0][1].Name())

	// two segments: cross-segment representatives
	pairs = smokePairs([]Host{lan1a, lan1b, lan2a})
	require.Len(t, pairs, 1)
	assert.Equal(t, "q1", pairs[0][0].Name())
	assert.Equal(t, "q3", pairs[0][1].Name())

	// VLAN split on one bridge is two segments
	v1 := newFakeHost(host("q1", "s1", "t1", "10.0.100.10/24"))
	v1.cfg.VlanTag = 100
	v2 := newFakeHost(host("q3", "s1", "t3", "10.0.200.10/24"))
	v2.cfg.VlanTag = 200
	pairs = smokePairs([]Host{v1, v2})
	require.Len(t, pairs, 1)
	assert.Equal(t, "q1", pairs[0][0].Name())
	assert.Equal(t, "q3", pairs[0][1].Name())

	assert.Nil(t, smokePairs([]Host{lan1a}))
	assert.Nil(t, smokePairs(nil))
}
