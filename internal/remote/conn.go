// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package remote

import (
	"io"
	"net"
	"time"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"

	"github.com/cloudflock/cloudflock/core/hostspec"
)

// Conn is one authenticated PTY stream to a host. Reads return the raw
// terminal output; writes feed the remote shell's stdin.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Keepalive nudges the transport while the session is idle.
	Keepalive() error
	Close() error
}

// Dialer opens a Conn against a host spec. The engine's tests substitute
// a scripted implementation.
type Dialer interface {
	Dial(spec hostspec.Spec, timeout time.Duration) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(spec hostspec.Spec, timeout time.Duration) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(spec hostspec.Spec, timeout time.Duration) (Conn, error) {
	return f(spec, timeout)
}

// sshConn is the production Conn over golang.org/x/crypto/ssh.
type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// SSHDial opens an interactive shell with a PTY on the remote host. Host
// keys are not checked: migrations run against hosts the operator has
// just named, and the engine separately verifies fingerprints when it
// elects a transfer address.
func SSHDial(spec hostspec.Spec, timeout time.Duration) (Conn, error) {
	config := &ssh.ClientConfig{
		User:            spec.User,
		Auth:            authMethods(spec),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	client, err := ssh.Dial("tcp", spec.Address(), config)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", spec.Address())
	}
	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, errors.Trace(err)
	}
	// Echo off: the query protocol must only ever see real output, never
	// the typed command line.
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := session.RequestPty("xterm", 40, 160, modes); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, errors.Annotate(err, "requesting pty")
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, errors.Trace(err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, errors.Trace(err)
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, errors.Annotate(err, "starting shell")
	}
	return &sshConn{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

func authMethods(spec hostspec.Spec) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(spec.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if spec.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(spec.PrivateKey, []byte(spec.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(spec.PrivateKey)
		}
		if err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		} else {
			logger.Warningf("unable to parse private key for %q: %v", spec.Hostname, err)
		}
	}
	if spec.Password != "" {
		methods = append(methods, ssh.Password(spec.Password))
		// Some sshds only offer keyboard-interactive; answer every
		// challenge with the password.
		methods = append(methods, ssh.KeyboardInteractive(
			func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = spec.Password
				}
				return answers, nil
			}))
	}
	return methods
}

func (c *sshConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *sshConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *sshConn) Keepalive() error {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return errors.Trace(err)
}

func (c *sshConn) Close() error {
	_ = c.session.Close()
	return c.client.Close()
}

// resolvable reports whether the hostname looks up, so that a typo fails
// fast instead of burning the full auth retry budget.
func resolvable(hostname string) bool {
	if net.ParseIP(hostname) != nil {
		return true
	}
	_, err := netLookupHost(hostname)
	return err == nil
}

var netLookupHost = net.LookupHost
