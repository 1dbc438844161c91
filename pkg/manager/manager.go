// Package manager orchestrates one topology run end to end: infrastructure
// check, router and bridge construction, VLAN programming, host boot,
// guest configuration, hosts-file distribution, smoke tests, and teardown.
package manager

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"qemunet/api"
	"qemunet/pkg/executor"
	"qemunet/pkg/hostsfile"
	"qemunet/pkg/ovs"
	"qemunet/pkg/qemu"
	"qemunet/pkg/router"
	"qemunet/pkg/topo"
)

// Host is the orchestrator's view of one VM-backed node.
type Host interface {
	Name() string
	Config() *api.QemuHost
	Boot() error
	Stop()
	Booted() bool
	Runner() executor.Runner
	SetAddress(addr, intf, gw string) bool
	ApplyStaticRoutes()
	DisableOffloads(intf string)
	OpenFirewall()
	PushHostsFile(path string) error
}

// Router is the orchestrator's view of one namespace-backed router node.
type Router interface {
	Name() string
	Config() *api.Router
	Create() error
	AttachBridgeLink(link api.Link) error
	Configure() error
	AddStaticRoutes()
	SetupVlans(trunkIntf string, tags []int) error
	Terminate()
	Runner() executor.Runner
}

// Fabric is the orchestrator's view of the bridge layer.
type Fabric interface {
	CheckService() error
	Start(bridge string, taps []string, ports []string) error
	ConfigureVlans(bridge string, accessTags map[string]int, trunkPort string) ([]int, error)
	Stop(bridge string) error
}

// connectFunc builds a transit segment between two routers; the production
// implementation is a veth pair spanning both namespaces.
type connectFunc func(a, b Router, link api.RouterLink, log *zap.Logger) error

// settleDelay lets ARP and switch learning quiesce before smoke tests.
const settleDelay = 2 * time.Second

type Options struct {
	BaseImage string
	HostsPath string
}

// Manager owns every node of one run. StopAll is safe to call any number of
// times, from any point in the sequence.
type Manager struct {
	topo    *api.TopoConfig
	fabric  Fabric
	hosts   []Host
	routers []Router
	byName  map[string]Router

	registry  *executor.Registry
	connect   connectFunc
	log       *zap.Logger
	hostsPath string
	settle    time.Duration

	stopped bool
}

// New validates the topology and builds the production component set.
func New(cfg *api.TopoConfig, opts Options, log *zap.Logger) (*Manager, error) {
	if err := topo.Validate(cfg); err != nil {
		return nil, err
	}
	if opts.BaseImage == "" {
		return nil, fmt.Errorf("no base image configured")
	}

	registry := executor.NewRegistry()
	for i := range cfg.Hosts {
		registry.Add(cfg.Hosts[i].Name, cfg.Hosts[i].AppAddr())
	}

	fabric := ovs.NewOvsManager(log)
	creds := cfg.Credentials.WithDefaults()

	hosts := make([]Host, 0, len(cfg.Hosts))
	for i := range cfg.Hosts {
		hosts = append(hosts, qemu.New(&cfg.Hosts[i], creds, opts.BaseImage, fabric, registry, log))
	}

	routers := make([]Router, 0, len(cfg.Routers))
	for i := range cfg.Routers {
		routers = append(routers, router.New(&cfg.Routers[i], log))
	}

	return assemble(cfg, fabric, hosts, routers, registry, opts.HostsPath, log), nil
}

// assemble wires an already-built component set; tests drive it with fakes.
func assemble(cfg *api.TopoConfig, fabric Fabric, hosts []Host, routers []Router,
	registry *executor.Registry, hostsPath string, log *zap.Logger) *Manager {

	if hostsPath == "" {
		hostsPath = hostsfile.DefaultPath
	}
	byName := make(map[string]Router, len(routers))
	for _, r := range routers {
		byName[r.Name()] = r
	}
	return &Manager{
		topo:      cfg,
		fabric:    fabric,
		hosts:     hosts,
		routers:   routers,
		byName:    byName,
		registry:  registry,
		connect:   productionConnect,
		log:       log,
		hostsPath: hostsPath,
		settle:    settleDelay,
	}
}

func productionConnect(a, b Router, link api.RouterLink, log *zap.Logger) error {
	na, aOk := a.(*router.Node)
	nb, bOk := b.(*router.Node)
	if !aOk || !bOk {
		return fmt.Errorf("router link endpoints are not namespace nodes")
	}
	return router.Connect(na, nb, link, log)
}

// Start runs the full bring-up sequence. Any failure before all hosts are
// booted tears the whole run down and returns the cause.
func (m *Manager) Start() error {
	if err := m.fabric.CheckService(); err != nil {
		return err
	}

	if err := m.buildRouters(); err != nil {
		m.StopAll()
		return err
	}
	if err := m.buildBridges(); err != nil {
		m.StopAll()
		return err
	}
	if err := m.configureRouters(); err != nil {
		m.StopAll()
		return err
	}
	if m.topo.Vlan {
		if err := m.configureVlans(); err != nil {
			m.StopAll()
			return err
		}
	}

	if err := m.bootHosts(); err != nil {
		m.StopAll()
		return err
	}

	m.configureGuests()
	m.distributeHostsFile()

	m.log.Info("settling before smoke tests", zap.Duration("delay", m.settle))
	time.Sleep(m.settle)
	m.smokeTests()

	m.log.Info("topology running",
		zap.String("topology", m.topo.Name),
		zap.Int("hosts", len(m.hosts)),
		zap.Int("routers", len(m.routers)))
	return nil
}

func (m *Manager) buildRouters() error {
	for _, r := range m.routers {
		if err := r.Create(); err != nil {
			return err
		}
	}
	for _, link := range m.topo.Links {
		r, ok := m.byName[link.Router]
		if !ok {
			return fmt.Errorf("link references unknown router %s", link.Router)
		}
		if err := r.AttachBridgeLink(link); err != nil {
			return err
		}
	}
	for _, link := range m.topo.RouterLinks {
		a, b := m.byName[link.Router1], m.byName[link.Router2]
		if a == nil || b == nil {
			return fmt.Errorf("router link references unknown router (%s, %s)", link.Router1, link.Router2)
		}
		if err := m.connect(a, b, link, m.log); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) buildBridges() error {
	for _, sw := range m.topo.Switches {
		var taps []string
		for _, h := range m.hosts {
			if h.Config().BridgeName == sw.Name {
				taps = append(taps, h.Config().Tap)
			}
		}
		var ports []string
		for _, link := range m.topo.Links {
			if link.Switch == sw.Name {
				ports = append(ports, link.SwitchIntf)
			}
		}
		if err := m.fabric.Start(sw.Name, taps, ports); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) configureRouters() error {
	for _, r := range m.routers {
		if err := r.Configure(); err != nil {
			return err
		}
		r.AddStaticRoutes()
	}
	return nil
}

// configureVlans tags access ports per bridge and mirrors the resulting tag
// set onto the trunk router's sub-interfaces.
func (m *Manager) configureVlans() error {
	for _, sw := range m.topo.Switches {
		accessTags := make(map[string]int)
		for _, h := range m.hosts {
			cfg := h.Config()
			if cfg.BridgeName == sw.Name && cfg.VlanTag > 0 {
				accessTags[cfg.Tap] = cfg.VlanTag
			}
		}
		if len(accessTags) == 0 {
			continue
		}

		trunk, ok := m.trunkLink(sw.Name)
		if !ok {
			// VLAN hosts stay isolated within their own tag; the rest of
			// the run is still useful, so this degrades instead of aborting.
			m.log.Error("bridge has tagged hosts but no trunk link, skipping VLAN config",
				zap.String("bridge", sw.Name))
			continue
		}

		tags, err := m.fabric.ConfigureVlans(sw.Name, accessTags, trunk.SwitchIntf)
		if err != nil {
			m.log.Error("VLAN programming failed, bridge stays untagged",
				zap.String("bridge", sw.Name), zap.Error(err))
			continue
		}
		if len(tags) == 0 {
			continue
		}

		r := m.byName[trunk.Router]
		if err := r.SetupVlans(trunk.RouterIntf, tags); err != nil {
			return err
		}
	}
	return nil
}

// trunkLink picks the switch's router link that carries no address: a pure
// trunk by construction.
func (m *Manager) trunkLink(bridge string) (api.Link, bool) {
	for _, link := range m.topo.Links {
		if link.Switch == bridge && link.RouterIp == "" {
			return link, true
		}
	}
	return api.Link{}, false
}

// bootHosts boots in declared order and fails fast: the first host that
// cannot boot aborts the run.
func (m *Manager) bootHosts() error {
	for _, h := range m.hosts {
		if err := h.Boot(); err != nil {
			m.log.Error("host failed to boot, aborting run",
				zap.String("host", h.Name()), zap.Error(err))
			return fmt.Errorf("host %s failed to boot: %w", h.Name(), err)
		}
	}
	return nil
}

// configureGuests pushes experiment-plane config into every booted guest.
// Per-host failures are logged and do not abort the others.
func (m *Manager) configureGuests() {
	for _, h := range m.hosts {
		if !h.Booted() {
			m.log.Warn("skipping guest configuration, host not booted", zap.String("host", h.Name()))
			continue
		}
		cfg := h.Config()
		if !h.SetAddress(cfg.AppIp, cfg.IntfName, cfg.DefaultGw) {
			m.log.Error("guest address configuration failed", zap.String("host", h.Name()))
			continue
		}
		h.ApplyStaticRoutes()
		h.DisableOffloads(cfg.IntfName)
		h.OpenFirewall()
	}
}

// distributeHostsFile synthesizes the shared name table from every booted
// host and every addressed router interface, then pushes it to all booted
// guests.
func (m *Manager) distributeHostsFile() {
	var hostEntries []hostsfile.HostEntry
	for _, h := range m.hosts {
		if !h.Booted() {
			continue
		}
		hostEntries = append(hostEntries, hostsfile.HostEntry{
			Name: h.Name(),
			Ip:   h.Config().AppAddr(),
		})
	}

	var routerEntries []hostsfile.RouterEntry
	for _, r := range m.routers {
		// the bare router name resolves to its first addressed interface
		for _, intf := range r.Config().Interfaces {
			if intf.Ip == "" {
				continue
			}
			addr, _, _ := strings.Cut(intf.Ip, "/")
			routerEntries = append(routerEntries, hostsfile.RouterEntry{Hostname: r.Name(), Ip: addr})
			break
		}
		for _, intf := range r.Config().Interfaces {
			if intf.Ip == "" {
				continue
			}
			addr, _, _ := strings.Cut(intf.Ip, "/")
			routerEntries = append(routerEntries, hostsfile.RouterEntry{
				Hostname: hostsfile.RouterHostname(r.Name(), intf),
				Ip:       addr,
			})
		}
	}

	content := hostsfile.Render(hostEntries, routerEntries)
	if err := hostsfile.Write(m.hostsPath, content); err != nil {
		m.log.Error("hosts file not written", zap.Error(err))
		return
	}
	m.log.Info("hosts file written",
		zap.String("path", m.hostsPath),
		zap.Int("hosts", len(hostEntries)),
		zap.Int("routerIntfs", len(routerEntries)))

	for _, h := range m.hosts {
		if !h.Booted() {
			continue
		}
		if err := h.PushHostsFile(m.hostsPath); err != nil {
			m.log.Error("hosts file not distributed",
				zap.String("host", h.Name()), zap.Error(err))
		}
	}
}

// StopAll tears everything down: hosts first, then bridges, then routers.
// Every step tolerates the resource already being gone, so repeated calls
// and partial bring-ups are fine.
func (m *Manager) StopAll() {
	if m.stopped {
		m.log.Debug("teardown already ran, running again for stragglers")
	}
	m.log.Info("tearing down topology", zap.String("topology", m.topo.Name))

	for _, h := range m.hosts {
		h.Stop()
	}
	for _, sw := range m.topo.Switches {
		if err := m.fabric.Stop(sw.Name); err != nil {
			m.log.Warn("bridge teardown", zap.String("bridge", sw.Name), zap.Error(err))
		}
	}
	for _, r := range m.routers {
		r.Terminate()
	}

	m.stopped = true
	m.log.Info("topology torn down", zap.String("topology", m.topo.Name))
}

// Nodes exposes every node's executor, keyed by name, for the interactive
// shell and the perf suite.
func (m *Manager) Nodes() map[string]executor.Runner {
	nodes := make(map[string]executor.Runner, len(m.hosts)+len(m.routers))
	for _, h := range m.hosts {
		nodes[h.Name()] = h.Runner()
	}
	for _, r := range m.routers {
		nodes[r.Name()] = r.Runner()
	}
	return nodes
}

// BootedHosts returns the booted hosts in declared order.
func (m *Manager) BootedHosts() []Host {
	var out []Host
	for _, h := range m.hosts {
		if h.Booted() {
			out = append(out, h)
		}
	}
	return out
}

// Topology returns the run's topology name.
func (m *Manager) Topology() string { return m.topo.Name }
