// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package remote

import (
	gc "gopkg.in/check.v1"
)

type shellSuite struct{}

var _ = gc.Suite(&shellSuite{})

func (s *shellSuite) TestWriteFileCommandSingleLine(c *gc.C) {
	cmd := WriteFileCommand("/root/.cloudflock/migration_exclusions", "/var/log\n/proc\n/tmp")
	c.Assert(cmd, gc.Equals,
		`printf '%b\n' '/var/log\n/proc\n/tmp' > /root/.cloudflock/migration_exclusions`)
	c.Assert(cmd, gc.Not(gc.Matches), "(?s).*\n.*")
}

func (s *shellSuite) TestWriteFileCommandEscapesBackslashes(c *gc.C) {
	cmd := WriteFileCommand("/tmp/f", `a\b`)
	c.Assert(cmd, gc.Equals, `printf '%b\n' 'a\\b' > /tmp/f`)
}

func (s *shellSuite) TestWriteFileCommandQuotesContent(c *gc.C) {
	cmd := WriteFileCommand("/tmp/f", "it's here")
	// ShQuote turns the embedded quote into the usual '"'"' dance.
	c.Assert(cmd, gc.Equals, `printf '%b\n' 'it'"'"'s here' > /tmp/f`)
}
