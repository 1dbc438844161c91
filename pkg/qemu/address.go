package qemu

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Flush failures that mean "nothing to flush" rather than a broken guest.
var benignFlushErrors = []string{
	"Cannot assign requested address",
	"No such process",
	"Cannot find device",
}

func isBenignFlushError(stderr string) bool {
	for _, s := range benignFlushErrors {
		if strings.Contains(stderr, s) {
			return true
		}
	}
	return false
}

// SetAddress configures the experiment-plane address on the guest: flush,
// add, link up, then verify the address actually stuck, with one retry.
// When gw is non-empty the default route is replaced with it. Returns false
// on any unrecovered failure.
func (h *Host) SetAddress(addr, intf, gw string) bool {
	if !h.booted {
		h.log.Warn("cannot set address, host not booted", zap.String("host", h.cfg.Name))
		return false
	}
	if intf == "" {
		h.log.Error("no experiment interface declared", zap.String("host", h.cfg.Name))
		return false
	}

	chk := h.runner.Run("/sbin/ip link show "+intf, 0)
	if chk.Rc != 0 || !strings.Contains(chk.Stdout, intf) {
		h.log.Error("experiment interface missing in guest",
			zap.String("host", h.cfg.Name), zap.String("intf", intf), zap.String("stderr", chk.Stderr))
		return false
	}

	bare, _, _ := strings.Cut(addr, "/")

	steps := []struct {
		cmd  string
		desc string
	}{
		{"/sbin/ip addr flush dev " + intf, "flush"},
		{fmt.Sprintf("/sbin/ip addr add %s dev %s", addr, intf), "add"},
		{"/sbin/ip link set " + intf + " up", "up"},
	}

	configured := false
	for attempt := 0; attempt < 2 && !configured; attempt++ {
		ok := true
		for _, step := range steps {
			res := h.runner.Run(step.cmd, 0)
			if res.Rc != 0 {
				if step.desc == "flush" && isBenignFlushError(res.Stderr) {
					h.log.Debug("flush had nothing to remove",
						zap.String("host", h.cfg.Name), zap.String("stderr", res.Stderr))
					continue
				}
				h.log.Warn("address step failed",
					zap.String("host", h.cfg.Name),
					zap.String("step", step.desc),
					zap.Int("rc", res.Rc),
					zap.String("stderr", res.Stderr))
				ok = false
				break
			}
		}

		if ok {
			verify := h.runner.Run(fmt.Sprintf("/sbin/ip -4 addr show %s | grep 'inet %s/'", intf, bare), 0)
			if verify.Rc == 0 && strings.Contains(verify.Stdout, bare) {
				configured = true
				break
			}
			h.log.Warn("address did not stick",
				zap.String("host", h.cfg.Name), zap.String("addr", addr), zap.Int("attempt", attempt+1))
		}

		if attempt == 0 {
			time.Sleep(retryDelay)
		}
	}

	if !configured {
		h.log.Error("failed to configure address",
			zap.String("host", h.cfg.Name), zap.String("addr", addr), zap.String("intf", intf))
		return false
	}
	h.log.Info("address configured",
		zap.String("host", h.cfg.Name), zap.String("addr", addr), zap.String("intf", intf))

	if gw == "" {
		return true
	}
	return h.setDefaultGateway(gw, intf)
}

func (h *Host) setDefaultGateway(gw, intf string) bool {
	h.runner.Run("/sbin/ip route del default || true", 0)

	res := h.runner.Run(fmt.Sprintf("/sbin/ip route add default via %s dev %s", gw, intf), 0)
	if res.Rc != 0 {
		// Some guests reject the dev-qualified form; retry unbound.
		res = h.runner.Run("/sbin/ip route add default via "+gw, 0)
		if res.Rc != 0 {
			h.log.Error("failed to set default gateway",
				zap.String("host", h.cfg.Name), zap.String("gw", gw), zap.String("stderr", res.Stderr))
			return false
		}
	}
	h.log.Info("default gateway set", zap.String("host", h.cfg.Name), zap.String("gw", gw))
	return true
}

// ApplyStaticRoutes installs the host's declared routes; failures are logged
// per-route and do not abort.
func (h *Host) ApplyStaticRoutes() {
	for _, route := range h.cfg.StaticRoutes {
		cmd := fmt.Sprintf("/sbin/ip route add %s via %s", route.Subnet, route.Via)
		if route.Dev != "" {
			cmd += " dev " + route.Dev
		}
		res := h.runner.Run(cmd, 0)
		if res.Rc != 0 && !strings.Contains(res.Stderr, "File exists") {
			h.log.Warn("static route not installed",
				zap.String("host", h.cfg.Name),
				zap.String("subnet", route.Subnet),
				zap.String("stderr", res.Stderr))
		}
	}
}

// DisableOffloads turns NIC offloads off on the experiment interface so
// tcpdump and iperf see realistic frames through the emulated e1000.
func (h *Host) DisableOffloads(intf string) {
	res := h.runner.Run(fmt.Sprintf("ethtool -K %s gro off gso off tso off ufo off", intf), 0)
	if res.Rc != 0 {
		h.log.Debug("offload disable failed",
			zap.String("host", h.cfg.Name), zap.String("intf", intf), zap.String("stderr", res.Stderr))
	}
}

// OpenFirewall flushes guest iptables and sets permissive policies so probes
// between hosts are not filtered.
func (h *Host) OpenFirewall() {
	res := h.runner.Run("iptables -F && iptables -P INPUT ACCEPT && iptables -P FORWARD ACCEPT && iptables -P OUTPUT ACCEPT", 0)
	if res.Rc != 0 {
		h.log.Debug("firewall open failed",
			zap.String("host", h.cfg.Name), zap.String("stderr", res.Stderr))
	}
}

// PushHostsFile copies the synthesized hosts file at path into the guest's
// /etc/hosts.
func (h *Host) PushHostsFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read hosts file %s: %w", path, err)
	}

	res := h.runner.Run("touch /etc/hosts && chmod 644 /etc/hosts", 0)
	if res.Rc != 0 {
		h.log.Debug("hosts file prepare failed",
			zap.String("host", h.cfg.Name), zap.String("stderr", res.Stderr))
	}

	if err := h.runner.CopyFile(content, "/etc/hosts", 0); err != nil {
		return fmt.Errorf("failed to push hosts file to %s: %w", h.cfg.Name, err)
	}
	h.log.Debug("hosts file distributed", zap.String("host", h.cfg.Name))
	return nil
}
