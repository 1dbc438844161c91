// Package executor runs shell commands against topology nodes. Local nodes
// (bridges, routers) execute on the host, optionally inside a named network
// namespace; VM-backed nodes execute over the management-plane SSH channel.
//
// Every execution yields a Result. Failures never propagate as errors to
// callers of Run: timeouts and session faults are encoded as the sentinel
// stderr markers below so scripted experiment flows can branch on them.
package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of one command execution against a node.
type Result struct {
	Stdout string
	Stderr string
	Rc     int
}

// Ok reports whether the command exited zero.
func (r Result) Ok() bool { return r.Rc == 0 }

// Runner executes a shell command against one node. A timeout of zero means
// DefaultTimeout.
type Runner interface {
	Run(cmd string, timeout time.Duration) Result
}

const (
	DefaultTimeout = 30 * time.Second
	connectTimeout = 10 * time.Second

	// Sentinel stderr markers consumed by scripted flows.
	TimeoutSentinel   = "TIMEOUT_QEMU_CMD"
	ExceptionSentinel = "EXCEPTION_QEMU_CMD"
	NotBootedSentinel = "VM not booted"

	timeoutRc = 124
)

var (
	ErrNotBooted      = errors.New("VM not booted")
	ErrCommandTimeout = errors.New("command timed out")
)

// Registry maps emulated host names to their experiment-plane addresses so
// commands can reference peers by name before the guest resolver knows them.
type Registry struct {
	addrs map[string]string
}

func NewRegistry() *Registry {
	return &Registry{addrs: make(map[string]string)}
}

func (r *Registry) Add(name, addr string) {
	r.addrs[name] = addr
}

func (r *Registry) Lookup(name string) (string, bool) {
	addr, ok := r.addrs[name]
	return addr, ok
}

// Rewrite replaces whole tokens matching a registered host name with that
// host's address. Unregistered tokens pass through untouched.
func (r *Registry) Rewrite(cmd string) string {
	fields := strings.Fields(cmd)
	changed := false
	for i, f := range fields {
		if addr, ok := r.addrs[f]; ok {
			fields[i] = addr
			changed = true
		}
	}
	if !changed {
		return cmd
	}
	return strings.Join(fields, " ")
}

// LocalRunner executes on the host shell, inside Netns when set.
type LocalRunner struct {
	Name  string
	Netns string
	Log   *zap.Logger
}

func (l *LocalRunner) Run(cmd string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var c *exec.Cmd
	if l.Netns != "" {
		c = exec.CommandContext(ctx, "ip", "netns", "exec", l.Netns, "sh", "-c", cmd)
	} else {
		c = exec.CommandContext(ctx, "sh", "-c", cmd)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			res.Stderr = TimeoutSentinel
			res.Rc = timeoutRc
		case errors.As(err, &exitErr):
			res.Rc = exitErr.ExitCode()
		default:
			res.Stderr = ExceptionSentinel + ": " + err.Error()
			res.Rc = 1
		}
	}

	if l.Log != nil {
		l.Log.Debug("local command finished",
			zap.String("node", l.Name),
			zap.String("cmd", cmd),
			zap.Int("rc", res.Rc))
	}
	return res
}
