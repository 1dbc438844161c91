// Package perf runs end-to-end latency and throughput probes between booted
// hosts and persists the results as a timestamped JSON report.
package perf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"qemunet/pkg/executor"
)

const (
	iperfPort     = 5001
	iperfDuration = 5
	serverSettle  = 2 * time.Second

	timestampLayout = "02-01-2006_15:04:05"
)

// Target is one probe endpoint.
type Target struct {
	Name   string
	Runner executor.Runner
}

// PingStats is the ping rtt summary in milliseconds.
type PingStats struct {
	Min  float64 `json:"min"`
	Avg  float64 `json:"avg"`
	Max  float64 `json:"max"`
	Mdev float64 `json:"mdev"`
}

// Throughput is one iperf measurement in bits per second.
type Throughput struct {
	Bps float64 `json:"bps"`
}

type probeError struct {
	Error string `json:"error"`
}

// Results is the full report document.
type Results struct {
	Timestamp  string                    `json:"timestamp"`
	Topology   string                    `json:"topology"`
	Latency    map[string]map[string]any `json:"latency"`
	Throughput map[string]map[string]any `json:"throughput"`
}

// Suite drives all pairwise probes over a target set.
type Suite struct {
	log    *zap.Logger
	settle time.Duration
}

func NewSuite(log *zap.Logger) *Suite {
	return &Suite{log: log, settle: serverSettle}
}

// Run executes latency and throughput probes for every ordered target pair
// and writes the report under outDir. It returns the report path.
func (s *Suite) Run(targets []Target, topology, outDir string) (string, error) {
	results := Results{
		Timestamp:  time.Now().Format(timestampLayout),
		Topology:   topology,
		Latency:    s.runLatency(targets),
		Throughput: s.runThroughput(targets),
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create results directory %s: %w", outDir, err)
	}
	path := filepath.Join(outDir, fmt.Sprintf("perf_%s_%s.json", topology, results.Timestamp))

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write results file %s: %w", path, err)
	}

	s.log.Info("performance report written", zap.String("path", path))
	return path, nil
}

func (s *Suite) runLatency(targets []Target) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, src := range targets {
		out[src.Name] = make(map[string]any)
		for _, dst := range targets {
			if src.Name == dst.Name {
				continue
			}
			res := src.Runner.Run(fmt.Sprintf("ping -c 5 -W 1 %s", dst.Name), 0)
			if res.Rc != 0 {
				s.log.Warn("latency probe failed",
					zap.String("src", src.Name), zap.String("dst", dst.Name), zap.String("stderr", res.Stderr))
				out[src.Name][dst.Name] = probeError{Error: probeFailure(res)}
				continue
			}
			stats, err := ParsePingStats(res.Stdout)
			if err != nil {
				out[src.Name][dst.Name] = probeError{Error: err.Error()}
				continue
			}
			out[src.Name][dst.Name] = stats
			s.log.Info("latency measured",
				zap.String("src", src.Name), zap.String("dst", dst.Name), zap.Float64("avgMs", stats.Avg))
		}
	}
	return out
}

func (s *Suite) runThroughput(targets []Target) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, src := range targets {
		out[src.Name] = make(map[string]any)
	}

	for _, dst := range targets {
		if err := s.startServer(dst); err != nil {
			for _, src := range targets {
				if src.Name != dst.Name {
					out[src.Name][dst.Name] = probeError{Error: err.Error()}
				}
			}
			continue
		}

		for _, src := range targets {
			if src.Name == dst.Name {
				continue
			}
			res := src.Runner.Run(fmt.Sprintf("iperf -c %s -p %d -t %d", dst.Name, iperfPort, iperfDuration), time.Duration(iperfDuration+25)*time.Second)
			if res.Rc != 0 {
				s.log.Warn("throughput probe failed",
					zap.String("src", src.Name), zap.String("dst", dst.Name), zap.String("stderr", res.Stderr))
				out[src.Name][dst.Name] = probeError{Error: probeFailure(res)}
				continue
			}
			bps, err := ParseIperfBps(res.Stdout)
			if err != nil {
				out[src.Name][dst.Name] = probeError{Error: err.Error()}
				continue
			}
			out[src.Name][dst.Name] = Throughput{Bps: bps}
			s.log.Info("throughput measured",
				zap.String("src", src.Name), zap.String("dst", dst.Name), zap.Float64("bps", bps))
		}

		dst.Runner.Run("pkill -f 'iperf -s' || true", 0)
	}
	return out
}

// startServer makes sure iperf exists on the target and launches it as a
// daemon, verifying it is actually listening before clients connect.
func (s *Suite) startServer(t Target) error {
	if res := t.Runner.Run("which iperf", 0); res.Rc != 0 {
		s.log.Info("installing iperf", zap.String("host", t.Name))
		t.Runner.Run("apt-get update -qq && apt-get install -y -qq iperf", 120*time.Second)
		if res := t.Runner.Run("which iperf", 0); res.Rc != 0 {
			return fmt.Errorf("iperf unavailable on %s", t.Name)
		}
	}

	t.Runner.Run("pkill -f 'iperf -s' || true", 0)
	if res := t.Runner.Run(fmt.Sprintf("iperf -s -D -p %d", iperfPort), 0); res.Rc != 0 {
		return fmt.Errorf("iperf server failed to start on %s: %s", t.Name, res.Stderr)
	}
	time.Sleep(s.settle)

	if res := t.Runner.Run("pgrep -f 'iperf -s'", 0); res.Rc != 0 {
		return fmt.Errorf("iperf server not running on %s", t.Name)
	}
	return nil
}

func probeFailure(res executor.Result) string {
	if res.Stderr != "" {
		return res.Stderr
	}
	return fmt.Sprintf("rc=%d", res.Rc)
}

// ParsePingStats extracts the rtt min/avg/max/mdev summary from ping output.
func ParsePingStats(out string) (PingStats, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "min/avg/max") {
			continue
		}
		_, values, ok := strings.Cut(line, "=")
		if !ok {
			break
		}
		fields := strings.Fields(strings.TrimSpace(values))
		if len(fields) == 0 {
			break
		}
		parts := strings.Split(fields[0], "/")
		if len(parts) != 4 {
			break
		}
		var stats PingStats
		var err error
		if stats.Min, err = strconv.ParseFloat(parts[0], 64); err != nil {
			break
		}
		if stats.Avg, err = strconv.ParseFloat(parts[1], 64); err != nil {
			break
		}
		if stats.Max, err = strconv.ParseFloat(parts[2], 64); err != nil {
			break
		}
		if stats.Mdev, err = strconv.ParseFloat(parts[3], 64); err != nil {
			break
		}
		return stats, nil
	}
	return PingStats{}, fmt.Errorf("no rtt summary in ping output")
}

// ParseIperfBps extracts the last reported bandwidth from iperf output,
// normalized to bits per second.
func ParseIperfBps(out string) (float64, error) {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.Contains(line, "bits/sec") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		unit := fields[len(fields)-1]
		value, err := strconv.ParseFloat(fields[len(fields)-2], 64)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(unit, "Gbits"):
			return value * 1e9, nil
		case strings.HasPrefix(unit, "Mbits"):
			return value * 1e6, nil
		case strings.HasPrefix(unit, "Kbits"):
			return value * 1e3, nil
		case strings.HasPrefix(unit, "bits"):
			return value, nil
		}
	}
	return 0, fmt.Errorf("no bandwidth line in iperf output")
}
