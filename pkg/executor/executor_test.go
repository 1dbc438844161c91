package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRewrite(t *testing.T) {
	reg := NewRegistry()
	reg.Add("q1", "10.0.0.10")
	reg.Add("q2", "10.0.0.11")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single target", "ping -c 5 -W 1 q2", "ping -c 5 -W 1 10.0.0.11"},
		{"multiple targets", "q1 q2", "10.0.0.10 10.0.0.11"},
		{"no match passes through", "ping -c 1 10.0.0.11", "ping -c 1 10.0.0.11"},
		{"substring not rewritten", "cat /tmp/q2.log", "cat /tmp/q2.log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reg.Rewrite(tt.in))
		})
	}
}

func TestLocalRunner(t *testing.T) {
	l := &LocalRunner{Name: "host"}

	res := l.Run("echo hello", 0)
	assert.Equal(t, 0, res.Rc)
	assert.Equal(t, "hello", res.Stdout)

	res = l.Run("exit 3", 0)
	assert.Equal(t, 3, res.Rc)

	res = l.Run("sleep 5", 50*time.Millisecond)
	assert.Equal(t, 124, res.Rc)
	assert.Equal(t, TimeoutSentinel, res.Stderr)
}

func TestSSHRunnerRefusesWhenNotBooted(t *testing.T) {
	dialed := false
	s := &SSHRunner{
		Name:   "q1",
		Booted: func() bool { return false },
		Dial:   fakeDial(&dialed, nil),
	}

	res := s.Run("uname -a", 0)
	assert.Equal(t, 1, res.Rc)
	assert.Equal(t, NotBootedSentinel, res.Stderr)
	assert.False(t, dialed, "must not dial a host that is not booted")
}

func TestSSHRunnerSuccess(t *testing.T) {
	conn := &scriptedConn{
		outputs: map[string]scriptedResult{
			"uname -a": {stdout: "Linux q1\n", rc: 0},
		},
	}
	s := &SSHRunner{
		Name:   "q1",
		Booted: func() bool { return true },
		Dial:   connDial(conn),
	}

	res := s.Run("uname -a", 0)
	assert.Equal(t, 0, res.Rc)
	assert.Equal(t, "Linux q1", res.Stdout)
	assert.True(t, conn.closed)
}

func TestSSHRunnerRewritesHostnames(t *testing.T) {
	reg := NewRegistry()
	reg.Add("q2", "10.0.0.11")

	conn := &scriptedConn{
		outputs: map[string]scriptedResult{
			"ping -c 1 10.0.0.11": {stdout: "ok", rc: 0},
		},
	}
	s := &SSHRunner{
		Name:     "q1",
		Booted:   func() bool { return true },
		Registry: reg,
		Dial:     connDial(conn),
	}

	res := s.Run("ping -c 1 q2", 0)
	require.Equal(t, 0, res.Rc)
	assert.Equal(t, []string{"ping -c 1 10.0.0.11"}, conn.ran)
}

func TestSSHRunnerTimeout(t *testing.T) {
	conn := &scriptedConn{delay: time.Second}
	s := &SSHRunner{
		Name:   "q1",
		Booted: func() bool { return true },
		Dial:   connDial(conn),
	}

	res := s.Run("sleep 60", 20*time.Millisecond)
	assert.Equal(t, 124, res.Rc)
	assert.Equal(t, TimeoutSentinel, res.Stderr)
}

func TestSSHRunnerDialError(t *testing.T) {
	s := &SSHRunner{
		Name:   "q1",
		Booted: func() bool { return true },
		Dial:   errorDial(assert.AnError),
	}

	res := s.Run("true", 0)
	assert.Equal(t, 1, res.Rc)
	assert.Contains(t, res.Stderr, ExceptionSentinel)
}

func TestSSHRunnerNonZeroExitIsNotException(t *testing.T) {
	conn := &scriptedConn{
		outputs: map[string]scriptedResult{
			"false": {stderr: "boom", rc: 2},
		},
	}
	s := &SSHRunner{
		Name:   "q1",
		Booted: func() bool { return true },
		Dial:   connDial(conn),
	}

	res := s.Run("false", 0)
	assert.Equal(t, 2, res.Rc)
	assert.Equal(t, "boom", res.Stderr)
	assert.NotContains(t, res.Stderr, ExceptionSentinel)
}

func TestSSHRunnerCopyFileRequiresBoot(t *testing.T) {
	s := &SSHRunner{
		Name:   "q1",
		Booted: func() bool { return false },
	}
	err := s.CopyFile([]byte("x"), "/etc/hosts", 0)
	assert.ErrorIs(t, err, ErrNotBooted)
}
