package router

import (
	"fmt"
	"net"

	ns "github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"qemunet/api"
)

// Connect wires two routers together with a veth pair, one end in each
// namespace, both addressed. Used for transit segments between routers.
func Connect(a, b *Node, link api.RouterLink, log *zap.Logger) error {
	if stale, err := netlink.LinkByName(link.Intf1); err == nil {
		_ = netlink.LinkDel(stale)
	}

	linkAttr := netlink.NewLinkAttrs()
	linkAttr.Name = link.Intf1
	linkAttr.MTU = 1500
	linkAttr.Flags = net.FlagUp

	veth := &netlink.Veth{
		LinkAttrs: linkAttr,
		PeerName:  link.Intf2,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("failed to create transit veth %s/%s: %v", link.Intf1, link.Intf2, err)
	}

	if err := moveAndAddress(a, link.Intf1, link.Ip1); err != nil {
		return err
	}
	if err := moveAndAddress(b, link.Intf2, link.Ip2); err != nil {
		return err
	}

	a.cfg.Interfaces = append(a.cfg.Interfaces, api.RouterIntf{Name: link.Intf1, Ip: link.Ip1})
	b.cfg.Interfaces = append(b.cfg.Interfaces, api.RouterIntf{Name: link.Intf2, Ip: link.Ip2})

	log.Info("routers connected",
		zap.String("router1", a.Name()),
		zap.String("router2", b.Name()),
		zap.String("ip1", link.Ip1),
		zap.String("ip2", link.Ip2))
	return nil
}

func moveAndAddress(n *Node, intf, ip string) error {
	end, err := netlink.LinkByName(intf)
	if err != nil {
		return fmt.Errorf("failed to get transit end %s: %v", intf, err)
	}

	nsHandle, err := ns.GetNS(n.nsPath())
	if err != nil {
		return fmt.Errorf("failed to get namespace for router %s: %v", n.cfg.Name, err)
	}
	defer nsHandle.Close()

	if err := netlink.LinkSetNsFd(end, int(nsHandle.Fd())); err != nil {
		return fmt.Errorf("failed to move %s into namespace %s: %v", intf, n.cfg.Name, err)
	}

	return nsHandle.Do(func(_ ns.NetNS) error {
		inner, err := netlink.LinkByName(intf)
		if err != nil {
			return fmt.Errorf("failed to get link in router namespace: %v", err)
		}
		if ip != "" {
			addr, err := netlink.ParseAddr(ip)
			if err != nil {
				return fmt.Errorf("failed to parse address %s: %v", ip, err)
			}
			if err := netlink.AddrAdd(inner, addr); err != nil {
				return fmt.Errorf("failed to add address to %s: %v", intf, err)
			}
		}
		return netlink.LinkSetUp(inner)
	})
}
