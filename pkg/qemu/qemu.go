// Package qemu owns the boot and shutdown state machine for one VM-backed
// host.
//
// State transitions:
//
//	StateUnbuilt -> StateOverlayReady -> StateTapReady -> StateLaunching ->
//	StateAwaitingLogin -> StateBooted
//
// StateFailed is reachable from every intermediate step and triggers
// best-effort cleanup of whatever was already materialized. Stop is safe to
// call from any state, any number of times.
package qemu

import (
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"qemunet/api"
	"qemunet/pkg/executor"
)

type State string

const (
	StateUnbuilt       State = "unbuilt"
	StateOverlayReady  State = "overlay-ready"
	StateTapReady      State = "tap-ready"
	StateLaunching     State = "launching"
	StateAwaitingLogin State = "awaiting-login"
	StateBooted        State = "booted"
	StateFailed        State = "failed"
	StateStopped       State = "stopped"
)

var (
	ErrImage        = errors.New("image preparation failed")
	ErrNetworkSetup = errors.New("network setup failed")
	ErrLaunch       = errors.New("emulator launch failed")
	ErrLoginTimeout = errors.New("login retry budget exhausted")
	ErrLoginDenied  = errors.New("login rejected")
)

const (
	memoryMB     = 512
	mgmtMacBase  = "52:54:00:12:35:"
	sshGuestPort = 22

	loginAttempts = 30
	loginInterval = 2 * time.Second
	launchSettle  = 1 * time.Second
	stopGrace     = 1 * time.Second
	retryDelay    = 1 * time.Second
)

// TapPlumber manages the host-side tap device for one VM.
type TapPlumber interface {
	// Recreate removes any stale tap of that name, then creates and brings
	// up a fresh one.
	Recreate(name string) error

	// Destroy brings the tap down and deletes it; a missing tap is fine.
	Destroy(name string) error
}

// BridgePort attaches and detaches taps on the switch fabric.
type BridgePort interface {
	AttachTap(bridge, tap string) error
	DetachTap(bridge, tap string) error
}

// Host drives one emulated host through its lifecycle and exposes its
// management-plane executor.
type Host struct {
	cfg    *api.QemuHost
	creds  api.Credentials
	base   string
	state  State
	booted bool

	pidFile string
	proc    *osexec.Cmd

	taps   TapPlumber
	fabric BridgePort
	runner *executor.SSHRunner
	log    *zap.Logger

	command  func(name string, arg ...string) *osexec.Cmd
	kill     func(pid int, sig unix.Signal) error
	attempts int
	interval time.Duration
	settle   time.Duration
	grace    time.Duration
}

func New(cfg *api.QemuHost, creds api.Credentials, baseImage string, fabric BridgePort, reg *executor.Registry, log *zap.Logger) *Host {
	creds = creds.WithDefaults()
	h := &Host{
		cfg:      cfg,
		creds:    creds,
		base:     baseImage,
		state:    StateUnbuilt,
		pidFile:  filepath.Join(os.TempDir(), cfg.Name+".pid"),
		taps:     netlinkTaps{},
		fabric:   fabric,
		log:      log,
		command:  osexec.Command,
		kill:     unix.Kill,
		attempts: loginAttempts,
		interval: loginInterval,
		settle:   launchSettle,
		grace:    stopGrace,
	}
	h.runner = &executor.SSHRunner{
		Name:     cfg.Name,
		Addr:     cfg.SshHostIp,
		Port:     cfg.SshHostPort,
		User:     creds.User,
		Password: creds.Password,
		Booted:   h.Booted,
		Registry: reg,
		Log:      log,
	}
	return h
}

func (h *Host) Name() string            { return h.cfg.Name }
func (h *Host) Config() *api.QemuHost   { return h.cfg }
func (h *Host) State() State            { return h.state }
func (h *Host) Booted() bool            { return h.booted }
func (h *Host) Runner() executor.Runner { return h.runner }

// Boot walks the host from its current state to StateBooted, failing fast
// on the first unrecoverable step.
func (h *Host) Boot() error {
	h.log.Info("booting host", zap.String("host", h.cfg.Name))

	if err := h.ensureOverlay(); err != nil {
		h.state = StateFailed
		return err
	}
	h.state = StateOverlayReady

	if err := h.setupTap(); err != nil {
		h.state = StateFailed
		return err
	}
	h.state = StateTapReady

	h.state = StateLaunching
	if err := h.launch(); err != nil {
		h.state = StateFailed
		h.cleanupFailedBoot()
		return err
	}

	h.state = StateAwaitingLogin
	if err := h.awaitLogin(); err != nil {
		h.state = StateFailed
		h.cleanupFailedBoot()
		return err
	}

	h.booted = true
	h.state = StateBooted
	h.log.Info("host booted", zap.String("host", h.cfg.Name), zap.Int("sshPort", h.cfg.SshHostPort))
	return nil
}

// ensureOverlay creates the copy-on-write image unless one already exists.
func (h *Host) ensureOverlay() error {
	if _, err := os.Stat(h.cfg.Overlay); err == nil {
		h.log.Debug("overlay already exists", zap.String("host", h.cfg.Name), zap.String("overlay", h.cfg.Overlay))
		return nil
	}
	if _, err := os.Stat(h.base); err != nil {
		return fmt.Errorf("%w: base image %s: %v", ErrImage, h.base, err)
	}

	out, err := h.command("qemu-img", "create", "-f", "qcow2", "-F", "qcow2",
		"-b", h.base, h.cfg.Overlay).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: qemu-img create %s: %v: %s", ErrImage, h.cfg.Overlay, err, strings.TrimSpace(string(out)))
	}
	h.log.Debug("overlay created", zap.String("host", h.cfg.Name), zap.String("overlay", h.cfg.Overlay))
	return nil
}

func (h *Host) setupTap() error {
	if err := h.taps.Recreate(h.cfg.Tap); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkSetup, err)
	}
	if h.cfg.BridgeName != "" {
		if err := h.fabric.AttachTap(h.cfg.BridgeName, h.cfg.Tap); err != nil {
			return fmt.Errorf("%w: %v", ErrNetworkSetup, err)
		}
	}
	return nil
}

// argv builds the emulator command line: a user-mode management NIC with the
// SSH hostfwd, and the tap-backed experiment NIC.
func (h *Host) argv() []string {
	return []string{
		"qemu-system-x86_64",
		"-daemonize",
		"-m", strconv.Itoa(memoryMB),
		"-hda", h.cfg.Overlay,
		"-netdev", fmt.Sprintf("user,id=netmgmt,hostfwd=tcp::%d-:%d", h.cfg.SshHostPort, sshGuestPort),
		"-device", fmt.Sprintf("e1000,netdev=netmgmt,mac=%s%s", mgmtMacBase, h.cfg.MgmtMacSuffix),
		"-netdev", fmt.Sprintf("tap,id=netexp,ifname=%s,script=no,downscript=no", h.cfg.Tap),
		"-device", fmt.Sprintf("e1000,netdev=netexp,mac=%s", h.cfg.Mac),
		"-pidfile", h.pidFile,
	}
}

func (h *Host) launch() error {
	_ = os.Remove(h.pidFile)

	argv := h.argv()
	cmd := h.command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	h.proc = cmd

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	time.Sleep(h.settle)

	// With -daemonize the launcher exits promptly; non-zero means the
	// emulator never came up.
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLaunch, err)
		}
	default:
	}

	if _, err := os.Stat(h.pidFile); err != nil {
		h.log.Warn("pid file not written yet", zap.String("host", h.cfg.Name), zap.String("pidFile", h.pidFile))
	}
	return nil
}

// awaitLogin polls the management SSH endpoint until the guest answers,
// treating connection churn during boot as transient and authentication
// rejection as fatal.
func (h *Host) awaitLogin() error {
	var lastErr error
	for i := 0; i < h.attempts; i++ {
		time.Sleep(h.interval)

		err := h.runner.Probe()
		if err == nil {
			h.log.Debug("guest answered", zap.String("host", h.cfg.Name), zap.Int("attempt", i+1))
			return nil
		}
		lastErr = err

		switch classifyLoginErr(err) {
		case loginFatal:
			h.log.Error("login rejected", zap.String("host", h.cfg.Name), zap.Error(err))
			return fmt.Errorf("%w: %s: %v", ErrLoginDenied, h.cfg.Name, err)
		case loginTransient:
			h.log.Debug("guest still booting", zap.String("host", h.cfg.Name), zap.Int("attempt", i+1), zap.Error(err))
		default:
			h.log.Debug("login attempt failed", zap.String("host", h.cfg.Name), zap.Int("attempt", i+1), zap.Error(err))
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrLoginTimeout, h.cfg.Name, h.attempts, lastErr)
}

type loginErrClass int

const (
	loginUnknown loginErrClass = iota
	loginTransient
	loginFatal
)

func classifyLoginErr(err error) loginErrClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "unable to authenticate"):
		return loginFatal
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "kex"),
		strings.Contains(msg, "banner"),
		strings.Contains(msg, "handshake failed"),
		strings.Contains(msg, "eof"):
		return loginTransient
	default:
		return loginUnknown
	}
}

// cleanupFailedBoot tears down whatever a failed boot left behind so a rerun
// starts clean.
func (h *Host) cleanupFailedBoot() {
	h.killProcess()
	if err := h.taps.Destroy(h.cfg.Tap); err != nil {
		h.log.Debug("tap cleanup after failed boot", zap.String("host", h.cfg.Name), zap.Error(err))
	}
	if err := os.Remove(h.cfg.Overlay); err != nil && !os.IsNotExist(err) {
		h.log.Debug("overlay cleanup after failed boot", zap.String("host", h.cfg.Name), zap.Error(err))
	}
}

// Stop kills the emulator, detaches and removes the tap, and deletes the
// overlay. Every step tolerates the resource already being gone.
func (h *Host) Stop() {
	h.log.Info("stopping host", zap.String("host", h.cfg.Name))

	h.killProcess()
	h.booted = false
	h.proc = nil

	if h.cfg.BridgeName != "" && h.fabric != nil {
		if err := h.fabric.DetachTap(h.cfg.BridgeName, h.cfg.Tap); err != nil {
			h.log.Debug("tap detach on stop", zap.String("host", h.cfg.Name), zap.Error(err))
		}
	}
	if err := h.taps.Destroy(h.cfg.Tap); err != nil {
		h.log.Debug("tap destroy on stop", zap.String("host", h.cfg.Name), zap.Error(err))
	}
	if err := os.Remove(h.cfg.Overlay); err != nil && !os.IsNotExist(err) {
		h.log.Warn("overlay removal on stop", zap.String("host", h.cfg.Name), zap.Error(err))
	}

	h.state = StateStopped
}

func (h *Host) killProcess() {
	if pid, err := h.readPid(); err == nil {
		_ = h.kill(pid, unix.SIGTERM)
		time.Sleep(h.grace)
		if h.kill(pid, 0) == nil {
			h.log.Warn("emulator ignored SIGTERM, killing", zap.String("host", h.cfg.Name), zap.Int("pid", pid))
			_ = h.kill(pid, unix.SIGKILL)
		}
	} else if h.proc != nil && h.proc.Process != nil {
		_ = h.proc.Process.Kill()
	}
	_ = os.Remove(h.pidFile)
}

func (h *Host) readPid() (int, error) {
	data, err := os.ReadFile(h.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("bad pid file %s: %v", h.pidFile, err)
	}
	return pid, nil
}
