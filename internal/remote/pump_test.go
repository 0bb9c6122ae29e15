// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package remote

import (
	"strings"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type pumpSuite struct{}

var _ = gc.Suite(&pumpSuite{})

func (s *pumpSuite) TestTailBufferKeepsTrailingLines(c *gc.C) {
	buf := newTailBuffer()
	buf.write([]byte("one\r\ntwo\r\nthree"))
	c.Assert(buf.lines(2), gc.DeepEquals, []string{"two", "three"})
	c.Assert(buf.lines(10), gc.DeepEquals, []string{"one", "two", "three"})
}

func (s *pumpSuite) TestTailBufferBounded(c *gc.C) {
	buf := newTailBuffer()
	chunk := []byte(strings.Repeat("x", 1024))
	for i := 0; i < 100; i++ {
		buf.write(chunk)
	}
	c.Assert(len(buf.data) <= 64*1024, jc.IsTrue)
}

func (s *pumpSuite) TestPumpDeliversAndCloses(c *gc.C) {
	conn := newFakeConn()
	p := startPump(conn)
	conn.emit("hello")
	c.Assert(string(<-p.ch), gc.Equals, "hello")
	_ = conn.Close()
	_, ok := <-p.ch
	c.Assert(ok, jc.IsFalse)
	c.Assert(p.err(), gc.NotNil)
}

func (s *pumpSuite) TestPumpStopIdempotent(c *gc.C) {
	p := startPump(newFakeConn())
	p.stop()
	p.stop()
}
