package executor

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

type scriptedResult struct {
	stdout string
	stderr string
	rc     int
	err    error
}

// scriptedConn answers Output calls from a fixed table and records what ran.
type scriptedConn struct {
	outputs map[string]scriptedResult
	delay   time.Duration

	ran    []string
	pushed map[string][]byte
	closed bool
}

func (c *scriptedConn) Output(cmd string) (string, string, int, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.ran = append(c.ran, cmd)
	res, ok := c.outputs[cmd]
	if !ok {
		return "", "", 0, fmt.Errorf("unscripted command: %q", cmd)
	}
	return res.stdout, res.stderr, res.rc, res.err
}

func (c *scriptedConn) Push(content []byte, remotePath string) error {
	if c.pushed == nil {
		c.pushed = make(map[string][]byte)
	}
	c.pushed[remotePath] = content
	return nil
}

func (c *scriptedConn) Close() error {
	c.closed = true
	return nil
}

func connDial(conn Conn) DialFunc {
	return func(string, *ssh.ClientConfig) (Conn, error) {
		return conn, nil
	}
}

func errorDial(err error) DialFunc {
	return func(string, *ssh.ClientConfig) (Conn, error) {
		return nil, err
	}
}

func fakeDial(dialed *bool, conn Conn) DialFunc {
	return func(string, *ssh.ClientConfig) (Conn, error) {
		*dialed = true
		return conn, nil
	}
}
