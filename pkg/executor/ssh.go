package executor

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Conn is one authenticated connection to a host's management endpoint,
// capable of running sessions until closed.
type Conn interface {
	// Output runs cmd and returns its streams and exit code. A non-nil error
	// means the session itself failed, not that the command exited non-zero.
	Output(cmd string) (stdout, stderr string, rc int, err error)

	// Push streams content into remotePath and makes it world-readable.
	Push(content []byte, remotePath string) error

	Close() error
}

// DialFunc opens a Conn; swapped out in tests.
type DialFunc func(addr string, config *ssh.ClientConfig) (Conn, error)

// SSHRunner executes commands inside a VM-backed host over its forwarded
// management port. All calls refuse to dial until Booted reports true.
type SSHRunner struct {
	Name     string
	Addr     string
	Port     int
	User     string
	Password string

	// Booted gates every Run/CopyFile; the boot poll bypasses it via Probe.
	Booted func() bool

	// Registry, when set, rewrites host-name tokens to addresses.
	Registry *Registry

	// Dial defaults to DialSSH.
	Dial DialFunc

	Log *zap.Logger
}

func (s *SSHRunner) Run(cmd string, timeout time.Duration) Result {
	if s.Booted == nil || !s.Booted() {
		if s.Log != nil {
			s.Log.Warn("command refused, VM not booted",
				zap.String("node", s.Name), zap.String("cmd", cmd))
		}
		return Result{Stderr: NotBootedSentinel, Rc: 1}
	}

	if s.Registry != nil {
		cmd = s.Registry.Rewrite(cmd)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ch := make(chan Result, 1)
	go func() {
		conn, err := s.dial()(s.addr(), s.clientConfig())
		if err != nil {
			ch <- Result{Stderr: ExceptionSentinel + ": " + err.Error(), Rc: 1}
			return
		}
		defer conn.Close()

		stdout, stderr, rc, err := conn.Output(cmd)
		if err != nil {
			ch <- Result{Stderr: ExceptionSentinel + ": " + err.Error(), Rc: 1}
			return
		}
		ch <- Result{
			Stdout: strings.TrimSpace(stdout),
			Stderr: strings.TrimSpace(stderr),
			Rc:     rc,
		}
	}()

	var res Result
	select {
	case res = <-ch:
	case <-time.After(timeout):
		res = Result{Stderr: TimeoutSentinel, Rc: timeoutRc}
	}

	if s.Log != nil {
		s.Log.Debug("remote command finished",
			zap.String("node", s.Name),
			zap.String("cmd", cmd),
			zap.Int("rc", res.Rc))
	}
	return res
}

// Probe dials and runs a trivial echo, returning the raw transport error so
// the boot poll can classify it. It does not consult Booted.
func (s *SSHRunner) Probe() error {
	conn, err := s.dial()(s.addr(), s.clientConfig())
	if err != nil {
		return err
	}
	defer conn.Close()

	stdout, _, rc, err := conn.Output("echo SSH_OK")
	if err != nil {
		return err
	}
	if rc != 0 || !strings.Contains(stdout, "SSH_OK") {
		return fmt.Errorf("probe command returned rc=%d", rc)
	}
	return nil
}

// CopyFile pushes content to remotePath on the guest.
func (s *SSHRunner) CopyFile(content []byte, remotePath string, timeout time.Duration) error {
	if s.Booted == nil || !s.Booted() {
		return fmt.Errorf("%w: %s", ErrNotBooted, s.Name)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ch := make(chan error, 1)
	go func() {
		conn, err := s.dial()(s.addr(), s.clientConfig())
		if err != nil {
			ch <- err
			return
		}
		defer conn.Close()
		ch <- conn.Push(content, remotePath)
	}()

	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("%w: copy to %s on %s", ErrCommandTimeout, remotePath, s.Name)
	}
}

func (s *SSHRunner) dial() DialFunc {
	if s.Dial != nil {
		return s.Dial
	}
	return DialSSH
}

func (s *SSHRunner) addr() string {
	return net.JoinHostPort(s.Addr, strconv.Itoa(s.Port))
}

func (s *SSHRunner) clientConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.Password(s.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}
}

// DialSSH is the production DialFunc.
func DialSSH(addr string, config *ssh.ClientConfig) (Conn, error) {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, err
	}
	return &sshConn{client: client}, nil
}

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) Output(cmd string) (string, string, int, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return "", "", 0, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Run(cmd); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
		}
		return stdout.String(), stderr.String(), 0, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

func (c *sshConn) Push(content []byte, remotePath string) error {
	sess, err := c.client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.Stdin = bytes.NewReader(content)
	return sess.Run(fmt.Sprintf("cat > %s && chmod 644 %s", remotePath, remotePath))
}

func (c *sshConn) Close() error {
	return c.client.Close()
}
