// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package remote drives a single interactive shell on one host. All
// profiling probes, watchdog polls and migration commands flow through
// the Query/AsRoot pair, framed by sentinel tags so output can be
// extracted unambiguously from the PTY stream.
package remote

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"github.com/juju/utils/v4"
	"gopkg.in/tomb.v2"

	"github.com/cloudflock/cloudflock/core/hostspec"
)

var logger = loggo.GetLogger("cloudflock.remote")

const (
	// Sentinel is written into PS1 after login so that the shell's
	// prompt is detectable in the PTY stream.
	Sentinel = "@@CLOUDFLOCK@@"

	// SSHOptions is applied to every helper ssh/scp invocation issued
	// from inside a session (rsync transport, address probing, vending).
	SSHOptions = "-o UserKnownHostsFile=/dev/null " +
		"-o StrictHostKeyChecking=no " +
		"-o NumberOfPasswordPrompts=1 " +
		"-o ConnectTimeout=15 " +
		"-o ServerAliveInterval=30"

	defaultAuthTimeout       = 15 * time.Second
	defaultKeepaliveInterval = 10 * time.Second
	loginAttempts            = 5
	loginBackoffMax          = 30 * time.Second
	elevationPromptTimeout   = 5 * time.Second
	elevationCheckTimeout    = 30 * time.Second
)

// errDeadline marks a read that ran out of time; exec translates it into
// a partial result or ErrDeadlineExceeded depending on recoverability.
const errDeadline = errors.ConstError("read deadline expired")

// State describes where a session is in its lifecycle.
type State int

const (
	Disconnected State = iota
	Authenticating
	Connected
	Elevated
	Closed
)

// Config holds what a Session needs beyond the host spec itself.
type Config struct {
	Spec   hostspec.Spec
	Clock  clock.Clock
	Dialer Dialer

	// AuthTimeout bounds a single authentication exchange.
	AuthTimeout time.Duration
	// KeepaliveInterval is how often an idle session nudges the server.
	KeepaliveInterval time.Duration
	// Verbose, when set, receives the raw PTY stream.
	Verbose io.Writer
}

// Validate implements the usual config contract.
func (c Config) Validate() error {
	if err := c.Spec.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Dialer == nil {
		return errors.NotValidf("nil Dialer")
	}
	return nil
}

// Session is one remote shell. Commands on a session are totally ordered:
// the per-session mutex serialises concurrent callers.
type Session struct {
	config Config
	clock  clock.Clock

	mu       sync.Mutex
	state    State
	elevated bool
	conn     Conn
	pump     *pump
	pending  []byte
	hostname string
	tail     *tailBuffer

	keepalive     tomb.Tomb
	keepaliveOnce sync.Once

	interrupt chan struct{}
}

// New builds a Session; no connection is made until Open or the first
// command.
func New(config Config) (*Session, error) {
	if config.AuthTimeout == 0 {
		config.AuthTimeout = defaultAuthTimeout
	}
	if config.KeepaliveInterval == 0 {
		config.KeepaliveInterval = defaultKeepaliveInterval
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Session{
		config:    config,
		clock:     config.Clock,
		tail:      newTailBuffer(),
		interrupt: make(chan struct{}, 1),
	}, nil
}

// Open eagerly connects and authenticates.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	return s.connect()
}

// Query runs one command and returns its trimmed combined output. A zero
// timeout means no deadline. When the deadline passes and recoverable is
// true the partial output is returned; otherwise ErrDeadlineExceeded.
func (s *Session) Query(cmd string, timeout time.Duration, recoverable bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(cmd, timeout, recoverable)
}

// AsRoot runs one command with superuser rights, elevating first when
// necessary. Elevation is sticky: later calls reuse the elevated shell.
func (s *Session) AsRoot(cmd string, timeout time.Duration, recoverable bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return "", ErrClosed
	}
	if err := s.connect(); err != nil {
		return "", errors.Trace(err)
	}
	if s.config.Spec.Escalation != hostspec.EscalationNone && !s.elevated {
		if err := s.elevate(); err != nil {
			return "", errors.Trace(err)
		}
	}
	return s.run(cmd, timeout, recoverable)
}

// Logout drops a sticky elevation, returning the shell to the login
// user. A session that never elevated is untouched.
func (s *Session) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	if !s.elevated {
		return nil
	}
	if err := s.write("exit\n"); err != nil {
		return &transportError{err}
	}
	// The login shell resurfaces with its own prompt state.
	if err := s.initShell(); err != nil {
		return errors.Annotate(err, "restoring login shell")
	}
	s.elevated = false
	s.state = Connected
	return nil
}

// Hostname reports the remote hostname, cached after the first call.
func (s *Session) Hostname() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostname != "" {
		return s.hostname, nil
	}
	out, err := s.run("hostname", 30*time.Second, false)
	if err != nil {
		return "", errors.Trace(err)
	}
	s.hostname = strings.TrimSpace(out)
	return s.hostname, nil
}

// Spec returns the host spec the session was opened against.
func (s *Session) Spec() hostspec.Spec {
	return s.config.Spec
}

// State reports the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interrupt delivers an immediate deadline to the in-flight command, if
// any. The command returns its partial output or ErrDeadlineExceeded
// under the usual recoverability rules. Interrupt does not take the
// session lock; it exists precisely so another task can unblock the
// holder.
func (s *Session) Interrupt() {
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}

// Tail returns up to n trailing lines of PTY output, for failure reports.
func (s *Session) Tail(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail.lines(n)
}

// Close shuts the session down. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil
	}
	s.state = Closed
	s.keepalive.Kill(nil)
	s.dropConnLocked()
	return nil
}

// run executes one framed command, reconnecting once on transport loss.
func (s *Session) run(cmd string, timeout time.Duration, recoverable bool) (string, error) {
	if s.state == Closed {
		return "", ErrClosed
	}
	if err := s.connect(); err != nil {
		return "", errors.Trace(err)
	}
	out, err := s.exec(cmd, timeout, recoverable)
	if !isTransportError(err) {
		return out, err
	}
	logger.Warningf("transport lost on %q, reconnecting: %v", s.config.Spec.Hostname, err)
	if rerr := s.reconnect(); rerr != nil {
		return "", errors.WithType(errors.Annotatef(rerr, "reconnect after transport loss"), ErrSessionLost)
	}
	out, err = s.exec(cmd, timeout, recoverable)
	if isTransportError(err) {
		return "", errors.WithType(err, ErrSessionLost)
	}
	return out, err
}

// exec writes one tag-framed command line and extracts the output between
// the two tag occurrences. Commands containing line terminators are
// normalised to spaces first.
func (s *Session) exec(cmd string, timeout time.Duration, recoverable bool) (string, error) {
	// Drop any interrupt aimed at a command that has already finished.
	select {
	case <-s.interrupt:
	default:
	}
	tag := newTag()
	flat := flatten(cmd)
	// The tag is split in the echo arguments so that even with terminal
	// echo enabled the typed line can never match it.
	half := len(tag) / 2
	line := fmt.Sprintf(`echo %s""%s; %s; echo %s""%s`,
		tag[:half], tag[half:], flat, tag[:half], tag[half:])
	if err := s.write(line + "\n"); err != nil {
		return "", &transportError{err}
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := s.clock.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.Chan()
	}
	// Preamble: anything up to the opening tag is prompt noise.
	if _, err := s.readUntil([]string{tag}, timerC); err != nil {
		if errors.Is(err, errDeadline) {
			if recoverable {
				return "", nil
			}
			return "", errors.Annotatef(ErrDeadlineExceeded, "command %q (tag %s)", flat, tag)
		}
		return "", err
	}
	out, err := s.readUntil([]string{tag}, timerC)
	if err != nil {
		if errors.Is(err, errDeadline) {
			if recoverable {
				return strings.TrimSpace(out), nil
			}
			return "", errors.Annotatef(ErrDeadlineExceeded, "command %q (tag %s)", flat, tag)
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// connect dials and initialises the shell if there is no live connection.
func (s *Session) connect() error {
	if s.conn != nil {
		return nil
	}
	spec := s.config.Spec
	s.state = Authenticating
	if !resolvable(spec.Hostname) {
		s.state = Disconnected
		return errors.Annotatef(ErrInvalidHostname, "%q", spec.Hostname)
	}
	var conn Conn
	err := retry.Call(retry.CallArgs{
		Clock:       s.clock,
		Attempts:    loginAttempts,
		Delay:       time.Second,
		MaxDelay:    loginBackoffMax,
		BackoffFunc: retry.DoubleDelay,
		Func: func() error {
			var err error
			conn, err = s.config.Dialer.Dial(spec, s.config.AuthTimeout)
			return err
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("login attempt %d on %q failed: %v", attempt, spec.Hostname, lastError)
		},
	})
	if err != nil {
		s.state = Disconnected
		return errors.WithType(errors.Annotatef(err, "host %q", spec.Hostname), ErrLoginFailed)
	}
	s.conn = conn
	s.pump = startPump(conn)
	s.pending = nil
	if err := s.initShell(); err != nil {
		s.dropConnLocked()
		s.state = Disconnected
		return errors.Annotate(err, "initialising shell")
	}
	s.state = Connected
	s.keepaliveOnce.Do(func() {
		s.keepalive.Go(s.keepaliveLoop)
	})
	logger.Infof("session open on %q as %q", spec.Hostname, spec.User)
	return nil
}

// reconnect replaces a dead connection, restoring elevation if the
// session had it.
func (s *Session) reconnect() error {
	s.dropConnLocked()
	wasElevated := s.elevated
	s.elevated = false
	if err := s.connect(); err != nil {
		return errors.Trace(err)
	}
	if wasElevated {
		if err := s.elevate(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// initShell plants the prompt sentinel and turns off terminal echo.
func (s *Session) initShell() error {
	line := fmt.Sprintf("export PS1='%s'; export PROMPT_COMMAND=; stty -echo 2>/dev/null", Sentinel)
	if err := s.write(line + "\n"); err != nil {
		return &transportError{err}
	}
	timer := s.clock.NewTimer(s.config.AuthTimeout)
	defer timer.Stop()
	if _, err := s.readUntil([]string{Sentinel}, timer.Chan()); err != nil {
		return errors.Annotate(err, "waiting for prompt sentinel")
	}
	return nil
}

// elevate makes the shell root via su (optionally under sudo) and leaves
// it that way.
func (s *Session) elevate() error {
	spec := s.config.Spec
	cmdline := "su -"
	if spec.Escalation == hostspec.EscalationSudo {
		cmdline = "sudo su -"
	}
	logger.Debugf("elevating on %q with %q", spec.Hostname, cmdline)
	if err := s.write(cmdline + "\n"); err != nil {
		return &transportError{err}
	}
	// A password challenge usually follows; passwordless sudo drops
	// straight into the root shell.
	timer := s.clock.NewTimer(elevationPromptTimeout)
	_, err := s.readUntil([]string{"assword"}, timer.Chan())
	timer.Stop()
	if err == nil {
		if werr := s.write(spec.EscalationPassword() + "\n"); werr != nil {
			return &transportError{werr}
		}
	} else if !errors.Is(err, errDeadline) {
		return err
	}
	// The root shell needs its own sentinel.
	if err := s.initShell(); err != nil {
		return errors.Trace(err)
	}
	out, err := s.exec("id", elevationCheckTimeout, false)
	if err != nil {
		return errors.Annotate(err, "verifying elevation")
	}
	if !strings.Contains(out, "uid=0") {
		return errors.Annotatef(ErrNotSuperuser, "id reported %q", out)
	}
	s.elevated = true
	s.state = Elevated
	return nil
}

// keepaliveLoop nudges the transport while the session is idle. A busy
// session skips the nudge; the in-flight command is traffic enough.
func (s *Session) keepaliveLoop() error {
	timer := s.clock.NewTimer(s.config.KeepaliveInterval)
	defer timer.Stop()
	for {
		select {
		case <-s.keepalive.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			if s.mu.TryLock() {
				if s.conn != nil {
					if err := s.conn.Keepalive(); err != nil {
						logger.Debugf("keepalive on %q: %v", s.config.Spec.Hostname, err)
					}
				}
				s.mu.Unlock()
			}
			timer.Reset(s.config.KeepaliveInterval)
		}
	}
}

// readUntil consumes the PTY stream until one of the patterns appears or
// the deadline channel fires, returning the bytes collected before the
// match. A nil deadline channel reads forever.
func (s *Session) readUntil(patterns []string, deadline <-chan time.Time) (string, error) {
	var collected []byte
	collected = append(collected, s.pending...)
	s.pending = nil
	consume := func() (string, bool) {
		for _, pattern := range patterns {
			if i := strings.Index(string(collected), pattern); i >= 0 {
				out := string(collected[:i])
				s.pending = append([]byte(nil), collected[i+len(pattern):]...)
				return out, true
			}
		}
		return "", false
	}
	if out, ok := consume(); ok {
		return out, nil
	}
	for {
		select {
		case chunk, ok := <-s.pump.ch:
			if !ok {
				s.pending = collected
				return string(collected), &transportError{s.pump.err()}
			}
			s.observe(chunk)
			collected = append(collected, chunk...)
			if out, ok := consume(); ok {
				return out, nil
			}
		case <-s.interrupt:
			s.pending = collected
			return string(collected), errDeadline
		case <-deadline:
			s.pending = collected
			return string(collected), errDeadline
		}
	}
}

// observe mirrors received bytes into the tail buffer and the verbose
// stream.
func (s *Session) observe(chunk []byte) {
	s.tail.write(chunk)
	if s.config.Verbose != nil {
		_, _ = s.config.Verbose.Write(chunk)
	}
}

func (s *Session) write(data string) error {
	if s.conn == nil {
		return errors.New("no connection")
	}
	_, err := io.WriteString(s.conn, data)
	return err
}

func (s *Session) dropConnLocked() {
	if s.pump != nil {
		s.pump.stop()
		s.pump = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.pending = nil
}

// flatten normalises line terminators to spaces: a framed command must be
// a single line.
func flatten(cmd string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, cmd)
}

var tagRunes = []rune("abcdefghijklmnopqrstuvwxyz0123456789")

// newTag builds a per-query marker matching [A-Za-z0-9_-]+.
func newTag() string {
	return "cf-" + utils.RandomString(10, tagRunes)
}

// transportError wraps connection-level failures so run can distinguish
// them from command-level ones.
type transportError struct {
	cause error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("transport: %v", e.cause)
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var te *transportError
	return errors.As(err, &te)
}
