package qemu

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// netlinkTaps is the production TapPlumber.
type netlinkTaps struct{}

func (netlinkTaps) Recreate(name string) error {
	if stale, err := netlink.LinkByName(name); err == nil {
		_ = netlink.LinkSetDown(stale)
		if err := netlink.LinkDel(stale); err != nil {
			return fmt.Errorf("failed to remove stale tap %s: %v", name, err)
		}
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("failed to create tap %s: %v", name, err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find created tap %s: %v", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up tap %s: %v", name, err)
	}
	return nil
}

func (netlinkTaps) Destroy(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	_ = netlink.LinkSetDown(link)
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete tap %s: %v", name, err)
	}
	return nil
}
