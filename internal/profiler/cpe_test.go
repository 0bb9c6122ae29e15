// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package profiler

import (
	gc "gopkg.in/check.v1"
)

type cpeDeriveSuite struct{}

var _ = gc.Suite(&cpeDeriveSuite{})

func (s *cpeDeriveSuite) TestScanReleaseFiles(c *gc.C) {
	for i, test := range []struct {
		in      string
		vendor  string
		version string
	}{{
		in:      "NAME=\"Ubuntu\"\nID=ubuntu\nVERSION_ID=\"12.04\"",
		vendor:  "ubuntu",
		version: "12.04",
	}, {
		in:      "DISTRIB_ID=Ubuntu\nDISTRIB_RELEASE=10.04\nDISTRIB_CODENAME=lucid",
		vendor:  "ubuntu",
		version: "10.04",
	}, {
		// The first ID line wins over later ones.
		in:      "ID=debian\nVERSION_ID=\"7\"\nID=raspbian",
		vendor:  "debian",
		version: "7",
	}, {
		in:      "just some text",
		vendor:  "",
		version: "",
	}} {
		c.Logf("test %d", i)
		vendor, version := scanReleaseFiles(test.in)
		c.Check(vendor, gc.Equals, test.vendor)
		c.Check(version, gc.Equals, test.version)
	}
}

func (s *cpeDeriveSuite) TestIssueBannerRecognition(c *gc.C) {
	for i, test := range []struct {
		banner string
		vendor string
	}{
		{"Scientific Linux release 6.4 (Carbon)", "scientific"},
		{"CentOS release 6.5 (Final)", "centos"},
		{"Welcome to openSUSE 12.1 - Kernel \\r (\\l).", "suse"},
		{"Red Hat Enterprise Linux Server release 5.8", "redhat"},
		{"Debian GNU/Linux 7 \\n \\l", "debian"},
		{"Arch Linux \\r (\\n) (\\l)", "arch"},
		{"Gentoo Base System release 2.2", "gentoo"},
	} {
		c.Logf("test %d: %q", i, test.banner)
		runner := &cannedRunner{responses: map[string]string{
			"cat /etc/issue 2>/dev/null": test.banner,
		}}
		profile, err := Run(runner)
		c.Assert(err, gc.IsNil)
		c.Check(profile.Platform.Vendor, gc.Equals, test.vendor)
	}
}

func (s *cpeDeriveSuite) TestFirstLine(c *gc.C) {
	c.Assert(firstLine("one\ntwo"), gc.Equals, "one")
	c.Assert(firstLine("  padded  "), gc.Equals, "padded")
	c.Assert(firstLine(""), gc.Equals, "")
}
