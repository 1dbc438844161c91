package manager

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// smokeTests verifies basic reachability after bring-up: every booted host
// pings its declared gateway, plus one representative pair per distinct
// segment combination. Failures are logged, never fatal; the operator
// decides whether a degraded topology is still useful.
func (m *Manager) smokeTests() {
	booted := m.BootedHosts()
	if len(booted) == 0 {
		return
	}

	for _, h := range booted {
		gw := h.Config().DefaultGw
		if gw == "" {
			continue
		}
		res := h.Runner().Run(fmt.Sprintf("ping -c 1 -W 2 %s", gw), 0)
		m.logProbe("gateway", h.Name(), gw, res.Ok())
	}

	for _, pair := range smokePairs(booted) {
		src, dst := pair[0], pair[1]
		res := src.Runner().Run(fmt.Sprintf("ping -c 2 -W 2 %s", dst.Name()), 0)
		m.logProbe("host", src.Name(), dst.Name(), res.Ok())
	}

	// With a transit segment in play, verify the far router answers too.
	for _, link := range m.topo.RouterLinks {
		a := m.byName[link.Router1]
		if a == nil {
			continue
		}
		addr, _, _ := strings.Cut(link.Ip2, "/")
		res := a.Runner().Run(fmt.Sprintf("ping -c 1 -W 2 %s", addr), 0)
		m.logProbe("transit", a.Name(), addr, res.Ok())
	}
}

func (m *Manager) logProbe(kind, src, dst string, ok bool) {
	if ok {
		m.log.Info("smoke test passed",
			zap.String("kind", kind), zap.String("src", src), zap.String("dst", dst))
		return
	}
	m.log.Warn("smoke test FAILED",
		zap.String("kind", kind), zap.String("src", src), zap.String("dst", dst))
}

// smokePairs picks one representative host per (bridge, VLAN) segment, in
// declared order. With several segments, each consecutive representative
// pair is probed (exercising the routed or inter-VLAN path); with a single
// segment its first two hosts probe each other.
func smokePairs(booted []Host) [][2]Host {
	type segment struct {
		bridge string
		tag    int
	}
	seen := make(map[segment]bool)
	var reps []Host
	for _, h := range booted {
		seg := segment{bridge: h.Config().BridgeName, tag: h.Config().VlanTag}
		if seen[seg] {
			continue
		}
		seen[seg] = true
		reps = append(reps, h)
	}

	if len(reps) >= 2 {
		pairs := make([][2]Host, 0, len(reps)-1)
		for i := 0; i+1 < len(reps); i++ {
			pairs = append(pairs, [2]Host{reps[i], reps[i+1]})
		}
		return pairs
	}

	first := firstTwoSameSegment(booted)
	if first != nil {
		return [][2]Host{*first}
	}
	return nil
}

func firstTwoSameSegment(booted []Host) *[2]Host {
	if len(booted) < 2 {
		return nil
	}
	return &[2]Host{booted[0], booted[1]}
}
