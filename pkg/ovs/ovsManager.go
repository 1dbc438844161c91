// Package ovs manages the Open vSwitch bridge fabric: bridge lifecycle,
// tap and veth port attachment, and VLAN access-tag/trunk programming.
package ovs

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/digitalocean/go-openvswitch/ovs"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

var ErrInfrastructureUnavailable = errors.New("Open vSwitch is not available")

// VSwitch is the subset of the ovs-vsctl surface the fabric needs. The
// production implementation is idempotent: add is may-exist, delete is
// if-exists.
type VSwitch interface {
	AddBridge(bridge string) error
	DeleteBridge(bridge string) error
	AddPort(bridge string, port string) error
	DeletePort(bridge string, port string) error
}

// OvsManager owns every bridge of one topology run.
type OvsManager struct {
	vswitch VSwitch
	vsctl   func(args ...string) (string, error)
	linkUp  func(name string) error
	log     *zap.Logger
}

func NewOvsManager(log *zap.Logger) *OvsManager {
	c := ovs.New()
	return &OvsManager{
		vswitch: c.VSwitch,
		vsctl:   runVsctl,
		linkUp:  netlinkUp,
		log:     log,
	}
}

// CheckService verifies the OVS daemons answer before any bridge work starts.
func (om *OvsManager) CheckService() error {
	if _, err := om.vsctl("show"); err != nil {
		return fmt.Errorf("%w: %v", ErrInfrastructureUnavailable, err)
	}
	return nil
}

// Start creates bridge and attaches the given tap and veth ports. Tap port
// rows are added even when the tap device does not exist yet: add-port is
// may-exist and OVS keeps the row for an absent interface, so VLAN tags set
// before the VM boots survive until the device appears. Only the link-up is
// deferred to host boot.
func (om *OvsManager) Start(bridge string, taps []string, ports []string) error {
	if err := om.vswitch.AddBridge(bridge); err != nil {
		return fmt.Errorf("failed to create bridge %s: %w", bridge, err)
	}
	if err := om.linkUp(bridge); err != nil {
		return fmt.Errorf("failed to bring up bridge %s: %w", bridge, err)
	}

	for _, tap := range taps {
		if err := om.vswitch.AddPort(bridge, tap); err != nil {
			return fmt.Errorf("failed to add tap %s to bridge %s: %w", tap, bridge, err)
		}
		if err := om.linkUp(tap); err != nil {
			om.log.Debug("tap device absent, host boot brings it up",
				zap.String("bridge", bridge), zap.String("tap", tap), zap.Error(err))
		}
	}

	for _, port := range ports {
		if err := om.vswitch.AddPort(bridge, port); err != nil {
			return fmt.Errorf("failed to add port %s to bridge %s: %w", port, bridge, err)
		}
		if err := om.linkUp(port); err != nil {
			om.log.Warn("failed to bring up bridge port",
				zap.String("bridge", bridge), zap.String("port", port), zap.Error(err))
		}
	}

	om.log.Info("bridge started",
		zap.String("bridge", bridge),
		zap.Int("taps", len(taps)),
		zap.Int("ports", len(ports)))
	return nil
}

// AttachTap brings the tap up and plugs it into bridge.
func (om *OvsManager) AttachTap(bridge, tap string) error {
	if err := om.linkUp(tap); err != nil {
		return fmt.Errorf("failed to bring up tap %s: %w", tap, err)
	}
	if err := om.vswitch.AddPort(bridge, tap); err != nil {
		return fmt.Errorf("failed to add tap %s to bridge %s: %w", tap, bridge, err)
	}
	return nil
}

// DetachTap unplugs the tap; a missing port is not an error.
func (om *OvsManager) DetachTap(bridge, tap string) error {
	return om.vswitch.DeletePort(bridge, tap)
}

// ConfigureVlans tags each access port with its VLAN id and programs the
// trunk port with the resulting allowed set. It returns the distinct tag set
// in ascending order so the caller can build the matching router
// sub-interfaces. A bridge with no tagged ports is left alone.
func (om *OvsManager) ConfigureVlans(bridge string, accessTags map[string]int, trunkPort string) ([]int, error) {
	ports := make([]string, 0, len(accessTags))
	for port := range accessTags {
		ports = append(ports, port)
	}
	sort.Strings(ports)

	seen := make(map[int]struct{})
	for _, port := range ports {
		tag := accessTags[port]
		if _, err := om.vsctl("list", "port", port); err != nil {
			om.log.Error("access port not found on bridge, skipping tag",
				zap.String("bridge", bridge), zap.String("port", port), zap.Error(err))
			continue
		}
		if _, err := om.vsctl("set", "port", port, fmt.Sprintf("tag=%d", tag)); err != nil {
			om.log.Error("failed to tag access port",
				zap.String("port", port), zap.Int("tag", tag), zap.Error(err))
			continue
		}
		om.log.Info("access port tagged", zap.String("port", port), zap.Int("tag", tag))
		seen[tag] = struct{}{}
	}

	if len(seen) == 0 {
		om.log.Info("no tagged ports on bridge, skipping trunk setup", zap.String("bridge", bridge))
		return nil, nil
	}
	if trunkPort == "" {
		return nil, fmt.Errorf("bridge %s has tagged ports but no trunk port", bridge)
	}

	tags := make([]int, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Ints(tags)

	if _, err := om.vsctl("set", "port", trunkPort, "trunks="+JoinTags(tags)); err != nil {
		return nil, fmt.Errorf("failed to set trunks on port %s: %w", trunkPort, err)
	}
	om.log.Info("trunk configured",
		zap.String("bridge", bridge),
		zap.String("port", trunkPort),
		zap.Ints("tags", tags))
	return tags, nil
}

// Stop removes the bridge and everything plugged into it.
func (om *OvsManager) Stop(bridge string) error {
	if err := om.vswitch.DeleteBridge(bridge); err != nil {
		return fmt.Errorf("failed to delete bridge %s: %w", bridge, err)
	}
	om.log.Info("bridge removed", zap.String("bridge", bridge))
	return nil
}

// JoinTags renders a trunk set as the comma-joined form ovs-vsctl expects.
func JoinTags(tags []int) string {
	parts := make([]string, len(tags))
	for i, tag := range tags {
		parts[i] = strconv.Itoa(tag)
	}
	return strings.Join(parts, ",")
}

func runVsctl(args ...string) (string, error) {
	out, err := exec.Command("ovs-vsctl", args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("ovs-vsctl %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func netlinkUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find interface %s: %v", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up interface %s: %v", name, err)
	}
	return nil
}
