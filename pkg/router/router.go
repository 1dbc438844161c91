// Package router manages lightweight forwarding nodes. Each router body is
// a named network namespace wired into the switch fabric with veth pairs;
// there is no emulator process behind it.
package router

import (
	"fmt"
	"net"
	"runtime"
	"sort"

	ns "github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"

	"qemunet/api"
	"qemunet/pkg/executor"
)

const nsRunDir = "/var/run/netns"

// Node is one router: its namespace, its recorded links, and a local
// executor that runs commands inside the namespace.
type Node struct {
	cfg    *api.Router
	runner *executor.LocalRunner
	log    *zap.Logger

	links []api.Link
}

func New(cfg *api.Router, log *zap.Logger) *Node {
	return &Node{
		cfg: cfg,
		runner: &executor.LocalRunner{
			Name:  cfg.Name,
			Netns: cfg.Name,
			Log:   log,
		},
		log: log,
	}
}

func (n *Node) Name() string            { return n.cfg.Name }
func (n *Node) Config() *api.Router     { return n.cfg }
func (n *Node) Runner() executor.Runner { return n.runner }

func (n *Node) nsPath() string {
	return nsRunDir + "/" + n.cfg.Name
}

// Create materializes the router as a named network namespace with loopback
// up. A stale namespace of the same name from a previous run is replaced.
func (n *Node) Create() error {
	_ = netns.DeleteNamed(n.cfg.Name)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get current namespace: %v", err)
	}
	defer origin.Close()

	handle, err := netns.NewNamed(n.cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to create namespace for router %s: %v", n.cfg.Name, err)
	}
	handle.Close()

	if err := netns.Set(origin); err != nil {
		return fmt.Errorf("failed to return to root namespace: %v", err)
	}

	if err := n.inNamespace(func() error {
		lo, err := netlink.LinkByName("lo")
		if err != nil {
			return fmt.Errorf("failed to get loopback: %v", err)
		}
		return netlink.LinkSetUp(lo)
	}); err != nil {
		return err
	}

	n.log.Info("router namespace created", zap.String("router", n.cfg.Name))
	return nil
}

func (n *Node) inNamespace(fn func() error) error {
	nsHandle, err := ns.GetNS(n.nsPath())
	if err != nil {
		return fmt.Errorf("failed to get namespace for router %s: %v", n.cfg.Name, err)
	}
	defer nsHandle.Close()

	return nsHandle.Do(func(_ ns.NetNS) error { return fn() })
}

// AttachBridgeLink creates the veth pair realizing one switch<->router link.
// The switch side stays in the root namespace for the fabric to attach as a
// port; the router side moves into the namespace and gets its address when
// one is declared (trunk links stay address-less).
func (n *Node) AttachBridgeLink(link api.Link) error {
	if stale, err := netlink.LinkByName(link.SwitchIntf); err == nil {
		_ = netlink.LinkDel(stale)
	}

	linkAttr := netlink.NewLinkAttrs()
	linkAttr.Name = link.SwitchIntf
	linkAttr.MTU = 1500
	linkAttr.Flags = net.FlagUp

	veth := &netlink.Veth{
		LinkAttrs: linkAttr,
		PeerName:  link.RouterIntf,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("failed to create veth pair %s/%s: %v", link.SwitchIntf, link.RouterIntf, err)
	}

	peer, err := netlink.LinkByName(link.RouterIntf)
	if err != nil {
		return fmt.Errorf("failed to get router end %s: %v", link.RouterIntf, err)
	}

	nsHandle, err := ns.GetNS(n.nsPath())
	if err != nil {
		return fmt.Errorf("failed to get namespace for router %s: %v", n.cfg.Name, err)
	}
	defer nsHandle.Close()

	if err := netlink.LinkSetNsFd(peer, int(nsHandle.Fd())); err != nil {
		return fmt.Errorf("failed to move %s into namespace %s: %v", link.RouterIntf, n.cfg.Name, err)
	}

	if err := nsHandle.Do(func(_ ns.NetNS) error {
		inner, err := netlink.LinkByName(link.RouterIntf)
		if err != nil {
			return fmt.Errorf("failed to get link in router namespace: %v", err)
		}
		if link.RouterIp != "" {
			addr, err := netlink.ParseAddr(link.RouterIp)
			if err != nil {
				return fmt.Errorf("failed to parse address %s: %v", link.RouterIp, err)
			}
			if err := netlink.AddrAdd(inner, addr); err != nil {
				return fmt.Errorf("failed to add address to %s: %v", link.RouterIntf, err)
			}
		}
		return netlink.LinkSetUp(inner)
	}); err != nil {
		return fmt.Errorf("failed to configure router namespace: %v", err)
	}

	n.links = append(n.links, link)
	n.cfg.Interfaces = append(n.cfg.Interfaces, api.RouterIntf{
		Name: link.RouterIntf,
		Ip:   link.RouterIp,
	})

	n.log.Info("router link attached",
		zap.String("router", n.cfg.Name),
		zap.String("switchIntf", link.SwitchIntf),
		zap.String("routerIntf", link.RouterIntf),
		zap.String("ip", link.RouterIp))
	return nil
}

// Configure turns on IPv4 forwarding inside the namespace.
func (n *Node) Configure() error {
	res := n.runner.Run("sysctl -w net.ipv4.ip_forward=1", 0)
	if res.Rc != 0 {
		return fmt.Errorf("failed to enable forwarding on %s: %s", n.cfg.Name, res.Stderr)
	}
	n.log.Info("forwarding enabled", zap.String("router", n.cfg.Name))
	return nil
}

// AddStaticRoutes installs the router's declared routes. Failures are logged
// per-route and do not abort the remaining routes.
func (n *Node) AddStaticRoutes() {
	for _, route := range n.cfg.StaticRoutes {
		cmd := fmt.Sprintf("ip route add %s via %s", route.Subnet, route.Via)
		if route.Dev != "" {
			cmd += " dev " + route.Dev
		}
		res := n.runner.Run(cmd, 0)
		if res.Rc != 0 {
			n.log.Warn("static route not installed",
				zap.String("router", n.cfg.Name),
				zap.String("subnet", route.Subnet),
				zap.String("stderr", res.Stderr))
			continue
		}
		n.log.Info("static route installed",
			zap.String("router", n.cfg.Name),
			zap.String("subnet", route.Subnet),
			zap.String("via", route.Via))
	}
}

// SetupVlans builds one 802.1Q sub-interface per tag on the trunk interface,
// addressed with the per-VLAN gateway pattern. Any address on the physical
// trunk is flushed first: the trunk itself must stay a pure carrier.
func (n *Node) SetupVlans(trunkIntf string, tags []int) error {
	if len(tags) == 0 {
		return nil
	}
	sorted := append([]int(nil), tags...)
	sort.Ints(sorted)

	if err := n.inNamespace(func() error {
		trunk, err := netlink.LinkByName(trunkIntf)
		if err != nil {
			return fmt.Errorf("trunk interface %s not found in %s: %v", trunkIntf, n.cfg.Name, err)
		}

		addrs, _ := netlink.AddrList(trunk, netlink.FAMILY_V4)
		for i := range addrs {
			_ = netlink.AddrDel(trunk, &addrs[i])
		}
		if err := netlink.LinkSetUp(trunk); err != nil {
			return fmt.Errorf("failed to bring up trunk %s: %v", trunkIntf, err)
		}

		for _, tag := range sorted {
			name := SubIntfName(tag)
			if stale, err := netlink.LinkByName(name); err == nil {
				_ = netlink.LinkDel(stale)
			}

			vlan := &netlink.Vlan{
				LinkAttrs: netlink.LinkAttrs{
					Name:        name,
					ParentIndex: trunk.Attrs().Index,
				},
				VlanId: tag,
			}
			if err := netlink.LinkAdd(vlan); err != nil {
				return fmt.Errorf("failed to create VLAN interface %s: %v", name, err)
			}

			sub, err := netlink.LinkByName(name)
			if err != nil {
				return fmt.Errorf("failed to get VLAN interface %s: %v", name, err)
			}
			addr, err := netlink.ParseAddr(VlanGatewayCidr(tag))
			if err != nil {
				return fmt.Errorf("failed to parse VLAN gateway address: %v", err)
			}
			if err := netlink.AddrAdd(sub, addr); err != nil {
				return fmt.Errorf("failed to address VLAN interface %s: %v", name, err)
			}
			if err := netlink.LinkSetUp(sub); err != nil {
				return fmt.Errorf("failed to bring up VLAN interface %s: %v", name, err)
			}

			n.cfg.Interfaces = append(n.cfg.Interfaces, api.RouterIntf{
				Name:   name,
				Ip:     VlanGatewayCidr(tag),
				VlanId: tag,
			})
			n.log.Info("VLAN sub-interface created",
				zap.String("router", n.cfg.Name),
				zap.String("intf", name),
				zap.Int("tag", tag))
		}
		return nil
	}); err != nil {
		return err
	}

	// forwarding gets re-asserted after interface churn
	return n.Configure()
}

// Terminate removes the namespace and the root-side veth ends. Everything
// tolerates already being gone.
func (n *Node) Terminate() {
	res := n.runner.Run("sysctl -w net.ipv4.ip_forward=0", 0)
	if res.Rc != 0 {
		n.log.Debug("forwarding disable on terminate",
			zap.String("router", n.cfg.Name), zap.String("stderr", res.Stderr))
	}

	for _, link := range n.links {
		if root, err := netlink.LinkByName(link.SwitchIntf); err == nil {
			_ = netlink.LinkDel(root)
		}
	}

	if err := netns.DeleteNamed(n.cfg.Name); err != nil {
		n.log.Debug("namespace delete on terminate",
			zap.String("router", n.cfg.Name), zap.Error(err))
	}
	n.log.Info("router terminated", zap.String("router", n.cfg.Name))
}

// SubIntfName is the VLAN sub-interface naming pattern.
func SubIntfName(tag int) string {
	return fmt.Sprintf("vlan%d", tag)
}

// VlanGatewayCidr maps a VLAN id to its fixed gateway address. The pattern
// assumes VLAN subnets never collide with other declared subnets; nothing
// validates that.
func VlanGatewayCidr(tag int) string {
	return fmt.Sprintf("10.0.%d.1/24", tag)
}
