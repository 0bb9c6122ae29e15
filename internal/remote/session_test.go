// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package remote

import (
	"bytes"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/cloudflock/cloudflock/core/hostspec"
)

// safeBuffer is a mutex-guarded bytes.Buffer: the session writes to the
// verbose stream from its own goroutine.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type sessionSuite struct {
	testing.IsolationSuite

	clock  *testclock.Clock
	conn   *fakeConn
	dialer *fakeDialer
}

var _ = gc.Suite(&sessionSuite{})

const testTimeout = 5 * time.Second

func (s *sessionSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Time{})
	s.conn = newFakeConn()
	s.dialer = &fakeDialer{conns: []*fakeConn{s.conn}}
}

func (s *sessionSuite) spec() hostspec.Spec {
	return hostspec.Spec{
		Hostname:     "192.0.2.10",
		User:         "admin",
		Password:     "pw",
		Escalation:   hostspec.EscalationSu,
		RootPassword: "s3cret",
	}
}

func (s *sessionSuite) newSession(c *gc.C) *Session {
	session, err := New(Config{
		Spec:   s.spec(),
		Clock:  s.clock,
		Dialer: s.dialer,
	})
	c.Assert(err, jc.ErrorIsNil)
	return session
}

func (s *sessionSuite) TestConfigValidate(c *gc.C) {
	_, err := New(Config{Spec: s.spec(), Dialer: s.dialer})
	c.Assert(err, gc.ErrorMatches, "nil Clock not valid")
	_, err = New(Config{Spec: s.spec(), Clock: s.clock})
	c.Assert(err, gc.ErrorMatches, "nil Dialer not valid")
	_, err = New(Config{Clock: s.clock, Dialer: s.dialer})
	c.Assert(err, gc.ErrorMatches, ".*empty hostname not valid")
}

func (s *sessionSuite) TestQuery(c *gc.C) {
	s.conn.responses["uptime"] = " 17:01:05 up 3 days, load average: 0.01, 0.02, 0.01 "
	session := s.newSession(c)
	defer session.Close()

	out, err := session.Query("uptime", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out, gc.Equals, "17:01:05 up 3 days, load average: 0.01, 0.02, 0.01")
	c.Assert(session.State(), gc.Equals, Connected)
}

func (s *sessionSuite) TestQueryNormalisesNewlines(c *gc.C) {
	session := s.newSession(c)
	defer session.Close()

	_, err := session.Query("echo a\necho b", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	cmds := s.conn.sentCommands()
	c.Assert(cmds, gc.DeepEquals, []string{"echo a echo b"})
}

func (s *sessionSuite) TestQueryDeadlineRecoverable(c *gc.C) {
	s.conn.responses["slow"] = "partial output"
	s.conn.truncate["slow"] = true
	session := s.newSession(c)
	defer session.Close()
	c.Assert(session.Open(), jc.ErrorIsNil)

	var (
		wg  sync.WaitGroup
		out string
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, err = session.Query("slow", 30*time.Second, true)
	}()
	// Two timers wait on the clock: the keepalive loop and the command
	// deadline.
	c.Assert(s.clock.WaitAdvance(30*time.Second, testTimeout, 2), jc.ErrorIsNil)
	wg.Wait()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out, gc.Equals, "partial output")
}

func (s *sessionSuite) TestQueryDeadlineFatal(c *gc.C) {
	s.conn.truncate["slow"] = true
	session := s.newSession(c)
	defer session.Close()
	c.Assert(session.Open(), jc.ErrorIsNil)

	var (
		wg  sync.WaitGroup
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err = session.Query("slow", 30*time.Second, false)
	}()
	c.Assert(s.clock.WaitAdvance(30*time.Second, testTimeout, 2), jc.ErrorIsNil)
	wg.Wait()
	c.Assert(err, jc.ErrorIs, ErrDeadlineExceeded)
	c.Assert(err, gc.ErrorMatches, `command "slow" \(tag cf-[a-z0-9]+\): command deadline exceeded`)
}

func (s *sessionSuite) TestAsRootElevatesOnce(c *gc.C) {
	s.conn.responses["whoami"] = "root"
	session := s.newSession(c)
	defer session.Close()

	out, err := session.AsRoot("whoami", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out, gc.Equals, "root")
	c.Assert(session.State(), gc.Equals, Elevated)

	_, err = session.AsRoot("whoami", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.conn.suCount, gc.Equals, 1)
}

func (s *sessionSuite) TestAsRootAlreadyRootDelegates(c *gc.C) {
	spec := s.spec()
	spec.Escalation = hostspec.EscalationNone
	s.conn.loginAsRoot = true
	session, err := New(Config{Spec: spec, Clock: s.clock, Dialer: s.dialer})
	c.Assert(err, jc.ErrorIsNil)
	defer session.Close()

	_, err = session.AsRoot("ls", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.conn.suCount, gc.Equals, 0)
}

func (s *sessionSuite) TestAsRootNotSuperuser(c *gc.C) {
	s.conn.password = "different"
	session := s.newSession(c)
	defer session.Close()

	_, err := session.AsRoot("ls", 30*time.Second, false)
	c.Assert(err, jc.ErrorIs, ErrNotSuperuser)
}

func (s *sessionSuite) TestElevatedSessionReportsUIDZero(c *gc.C) {
	session := s.newSession(c)
	defer session.Close()

	_, err := session.AsRoot("ls", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	out, err := session.Query("id", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out, jc.Contains, "uid=0")
}

func (s *sessionSuite) TestSequentialQueriesSurvivePromptNoise(c *gc.C) {
	// Each reply ends with the shell prompt; the next query must not
	// trip over the leftover sentinel bytes.
	s.conn.responses["first"] = "one"
	s.conn.responses["second"] = "two"
	session := s.newSession(c)
	defer session.Close()

	out, err := session.Query("first", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out, gc.Equals, "one")
	out, err = session.Query("second", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out, gc.Equals, "two")
}

func (s *sessionSuite) TestWriteFailureTriggersReconnect(c *gc.C) {
	replacement := newFakeConn()
	replacement.responses["ls"] = "ok"
	s.dialer.conns = []*fakeConn{s.conn, replacement}
	session := s.newSession(c)
	c.Assert(session.Open(), jc.ErrorIsNil)
	defer session.Close()

	// The transport dies while the session is idle; the next command
	// rides the one permitted reconnect.
	_ = s.conn.Close()
	out, err := session.Query("ls", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out, gc.Equals, "ok")
	c.Assert(s.dialer.dialCount(), gc.Equals, 2)
}

func (s *sessionSuite) TestReconnectOnTransportLoss(c *gc.C) {
	replacement := newFakeConn()
	replacement.responses["ls"] = "file-a file-b"
	s.conn.dieOn = "ls"
	s.dialer.conns = []*fakeConn{s.conn, replacement}
	session := s.newSession(c)
	defer session.Close()

	out, err := session.Query("ls", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out, gc.Equals, "file-a file-b")
	c.Assert(s.dialer.dialCount(), gc.Equals, 2)
}

func (s *sessionSuite) TestPasswordlessSudoElevation(c *gc.C) {
	spec := s.spec()
	spec.Escalation = hostspec.EscalationSudo
	s.conn.promptless = true
	session, err := New(Config{Spec: spec, Clock: s.clock, Dialer: s.dialer})
	c.Assert(err, jc.ErrorIsNil)
	defer session.Close()
	c.Assert(session.Open(), jc.ErrorIsNil)

	done := make(chan error, 1)
	go func() {
		_, err := session.AsRoot("ls", 30*time.Second, false)
		done <- err
	}()
	// No password prompt ever arrives; the elevation wait times out and
	// the session carries on into the root shell.
	c.Assert(s.clock.WaitAdvance(5*time.Second, testTimeout, 2), jc.ErrorIsNil)
	c.Assert(<-done, jc.ErrorIsNil)
	c.Assert(session.State(), gc.Equals, Elevated)
}

func (s *sessionSuite) TestLogoutDropsElevation(c *gc.C) {
	session := s.newSession(c)
	defer session.Close()

	_, err := session.AsRoot("ls", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(session.State(), gc.Equals, Elevated)

	c.Assert(session.Logout(), jc.ErrorIsNil)
	c.Assert(session.State(), gc.Equals, Connected)
	out, err := session.Query("id", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out, jc.Contains, "uid=500")

	// The next AsRoot elevates again.
	_, err = session.AsRoot("ls", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.conn.suCount, gc.Equals, 2)
}

func (s *sessionSuite) TestLogoutWithoutElevationIsNoop(c *gc.C) {
	session := s.newSession(c)
	defer session.Close()
	c.Assert(session.Open(), jc.ErrorIsNil)
	c.Assert(session.Logout(), jc.ErrorIsNil)
	c.Assert(session.State(), gc.Equals, Connected)
}

func (s *sessionSuite) TestReconnectRestoresElevation(c *gc.C) {
	replacement := newFakeConn()
	replacement.responses["ls"] = "ok"
	s.conn.dieOn = "ls"
	s.dialer.conns = []*fakeConn{s.conn, replacement}
	session := s.newSession(c)
	defer session.Close()

	_, err := session.AsRoot("whoami", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	_, err = session.AsRoot("ls", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(replacement.suCount, gc.Equals, 1)
	c.Assert(session.State(), gc.Equals, Elevated)
}

func (s *sessionSuite) TestSessionLostOnSecondFailure(c *gc.C) {
	second := newFakeConn()
	second.dieOn = "ls"
	s.conn.dieOn = "ls"
	s.dialer.conns = []*fakeConn{s.conn, second}
	session := s.newSession(c)
	defer session.Close()

	_, err := session.Query("ls", 30*time.Second, false)
	c.Assert(err, jc.ErrorIs, ErrSessionLost)
}

func (s *sessionSuite) TestLoginRetriesThenFails(c *gc.C) {
	s.dialer.err = errors.New("auth failed")
	session := s.newSession(c)
	defer session.Close()

	var (
		wg  sync.WaitGroup
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		err = session.Open()
	}()
	// Four backoff sleeps separate the five attempts; 30s covers the
	// backoff cap whatever the exact progression.
	for i := 0; i < 4; i++ {
		c.Assert(s.clock.WaitAdvance(30*time.Second, testTimeout, 1), jc.ErrorIsNil)
	}
	wg.Wait()
	c.Assert(err, jc.ErrorIs, ErrLoginFailed)
	c.Assert(s.dialer.dialCount(), gc.Equals, 5)
}

func (s *sessionSuite) TestInvalidHostname(c *gc.C) {
	s.PatchValue(&netLookupHost, func(string) ([]string, error) {
		return nil, errors.New("no such host")
	})
	spec := s.spec()
	spec.Hostname = "no-such-host.invalid"
	session, err := New(Config{Spec: spec, Clock: s.clock, Dialer: s.dialer})
	c.Assert(err, jc.ErrorIsNil)
	defer session.Close()

	err = session.Open()
	c.Assert(err, jc.ErrorIs, ErrInvalidHostname)
	c.Assert(s.dialer.dialCount(), gc.Equals, 0)
}

func (s *sessionSuite) TestHostnameCached(c *gc.C) {
	s.conn.responses["hostname"] = "web01.example.com"
	session := s.newSession(c)
	defer session.Close()

	name, err := session.Hostname()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(name, gc.Equals, "web01.example.com")
	name, err = session.Hostname()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(name, gc.Equals, "web01.example.com")
	c.Assert(s.conn.sentCommands(), gc.HasLen, 1)
}

func (s *sessionSuite) TestKeepaliveWhileIdle(c *gc.C) {
	session := s.newSession(c)
	defer session.Close()
	c.Assert(session.Open(), jc.ErrorIsNil)

	c.Assert(s.clock.WaitAdvance(10*time.Second, testTimeout, 1), jc.ErrorIsNil)
	deadline := time.Now().Add(testTimeout)
	for s.conn.keepaliveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(s.conn.keepaliveCount() > 0, jc.IsTrue)
}

func (s *sessionSuite) TestCloseIdempotent(c *gc.C) {
	session := s.newSession(c)
	c.Assert(session.Open(), jc.ErrorIsNil)
	c.Assert(session.Close(), jc.ErrorIsNil)
	c.Assert(session.Close(), jc.ErrorIsNil)
	_, err := session.Query("ls", time.Second, false)
	c.Assert(err, jc.ErrorIs, ErrClosed)
	c.Assert(session.State(), gc.Equals, Closed)
}

func (s *sessionSuite) TestVerboseStreamsPTY(c *gc.C) {
	s.conn.responses["dmesg"] = "kernel says hello"
	var stream safeBuffer
	session, err := New(Config{
		Spec:    s.spec(),
		Clock:   s.clock,
		Dialer:  s.dialer,
		Verbose: &stream,
	})
	c.Assert(err, jc.ErrorIsNil)
	defer session.Close()

	_, err = session.Query("dmesg", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stream.String(), jc.Contains, "kernel says hello")
}

func (s *sessionSuite) TestTailRetainsOutput(c *gc.C) {
	s.conn.responses["dmesg"] = "line-one\r\nline-two"
	session := s.newSession(c)
	defer session.Close()

	_, err := session.Query("dmesg", 30*time.Second, false)
	c.Assert(err, jc.ErrorIsNil)
	tail := session.Tail(200)
	joined := ""
	for _, line := range tail {
		joined += line + "\n"
	}
	c.Assert(joined, jc.Contains, "line-two")
}
