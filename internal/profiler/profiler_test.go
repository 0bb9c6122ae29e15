// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package profiler

import (
	"strings"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/cloudflock/cloudflock/core/cpe"
)

// cannedRunner answers probe commands from a script; unknown commands
// return empty output the way a silent shell would.
type cannedRunner struct {
	responses map[string]string
	commands  []string
}

func (r *cannedRunner) Query(cmd string, timeout time.Duration, recoverable bool) (string, error) {
	r.commands = append(r.commands, cmd)
	return r.responses[cmd], nil
}

func centosRunner() *cannedRunner {
	return &cannedRunner{responses: map[string]string{
		"cat /etc/system-release-cpe 2>/dev/null": "cpe:/o:centos:linux:6",
		"hostname":   "web01.example.com",
		"uname -r":   "2.6.32-431.el6.x86_64",
		"uname -m":   "x86_64",
		"uptime":     " 17:01:05 up 3 days,  2:33,  1 user,  load average: 0.52, 1.04, 0.98",
		"grep 'model name' /proc/cpuinfo | head -1 | cut -d: -f2": " Intel(R) Xeon(R) CPU E5-2670",
		"grep -c ^processor /proc/cpuinfo":                        "4",
		"free -m":          freeOutput,
		"df -k 2>/dev/null": dfOutput,
		"ifconfig -a 2>/dev/null || /sbin/ifconfig -a":  ifconfigOutput,
		"netstat -tlnup 2>/dev/null || netstat -tlnp":   netstatOutput,
		"ldd --version 2>/dev/null":                     "ldd (GNU libc) 2.12",
		"openssl version 2>/dev/null":                   "OpenSSL 1.0.1e-fips 11 Feb 2013",
		"ps aux": "root 1 0.0 init\nroot 900 0.0 sshd",
	}}
}

func assertWarning(c *gc.C, profile *Profile, expected string) {
	c.Assert(strings.Join(profile.Warnings, "\n"), jc.Contains, expected)
}

type profilerSuite struct{}

var _ = gc.Suite(&profilerSuite{})

func (s *profilerSuite) TestRunBuildsSections(c *gc.C) {
	profile, err := Run(centosRunner())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(profile.Platform, gc.Equals, cpe.CPE{Part: "o", Vendor: "centos", Product: "linux", Version: "6"})

	var names []string
	for _, section := range profile.Sections {
		names = append(names, section.Name)
	}
	c.Assert(names, gc.DeepEquals, []string{
		"System", "CPU", "Memory", "Load", "Storage", "Network", "Libraries", "Services",
	})
	c.Assert(profile.SelectEntries("System", "^Hostname$"), gc.DeepEquals, []string{"web01.example.com"})
	c.Assert(profile.SelectEntries("Storage", "Used"), gc.DeepEquals, []string{"71"})
}

func (s *profilerSuite) TestRunDeterministic(c *gc.C) {
	first, err := Run(centosRunner())
	c.Assert(err, jc.ErrorIsNil)
	second, err := Run(centosRunner())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(first, gc.DeepEquals, second)
}

func (s *profilerSuite) TestAbsentDataKeepsEntries(c *gc.C) {
	profile, err := Run(&cannedRunner{responses: map[string]string{}})
	c.Assert(err, jc.ErrorIsNil)
	// The memory entries exist with empty values, and warnings flag the
	// gaps.
	c.Assert(profile.SelectEntries("Memory", "Total"), gc.DeepEquals, []string{""})
	assertWarning(c, profile, "unable to parse memory figures")
	assertWarning(c, profile, "Unable to determine platform")
}

func (s *profilerSuite) TestSwapInUseWarns(c *gc.C) {
	profile, err := Run(centosRunner())
	c.Assert(err, jc.ErrorIsNil)
	found := false
	for _, w := range profile.Warnings {
		if w == "swap is in use (120 MiB); the host may be memory-bound" {
			found = true
		}
	}
	c.Assert(found, jc.IsTrue)
}

func (s *profilerSuite) TestHeavyLoadWarns(c *gc.C) {
	runner := centosRunner()
	runner.responses["uptime"] = "17:01:05 up 3 days, load average: 14.10, 13.00, 12.20"
	profile, err := Run(runner)
	c.Assert(err, jc.ErrorIsNil)
	assertWarning(c, profile, "heavy load: 15-minute average 12.20")
}

func (s *profilerSuite) TestIOWaitWarns(c *gc.C) {
	runner := centosRunner()
	runner.responses["iostat -c 2>/dev/null"] = `avg-cpu:  %user   %nice %system %iowait  %steal   %idle
           2.31    0.00    0.77   12.40    0.01   84.51`
	profile, err := Run(runner)
	c.Assert(err, jc.ErrorIsNil)
	assertWarning(c, profile, "IO wait high: 12.4%")
}

func (s *profilerSuite) TestControlPanelHeuristics(c *gc.C) {
	runner := centosRunner()
	runner.responses["ps aux"] = "root 1 init\npsa 1020 /usr/local/psa/admin/bin/httpsd"
	profile, err := Run(runner)
	c.Assert(err, jc.ErrorIsNil)
	assertWarning(c, profile, "control panel detected: likely Plesk")

	runner = centosRunner()
	runner.responses["ps aux"] = "root 1 init\ncpanel 1020 cpsrvd"
	profile, err = Run(runner)
	c.Assert(err, jc.ErrorIsNil)
	assertWarning(c, profile, "control panel detected: likely cPanel")
}

func (s *profilerSuite) TestCPEFallbackIssueFile(c *gc.C) {
	runner := &cannedRunner{responses: map[string]string{
		"cat /etc/issue 2>/dev/null": "Ubuntu 12.04.3 LTS \\n \\l",
	}}
	profile, err := Run(runner)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(profile.Platform.Vendor, gc.Equals, "ubuntu")
	c.Assert(profile.Platform.Version, gc.Equals, "12.04.3")
}

func (s *profilerSuite) TestCPEFallbackReleaseFiles(c *gc.C) {
	runner := &cannedRunner{responses: map[string]string{
		"cat /etc/*[_-]release /etc/*version 2>/dev/null": "ID=debian\nVERSION_ID=\"7\"",
	}}
	profile, err := Run(runner)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(profile.Platform.Vendor, gc.Equals, "debian")
	c.Assert(profile.Platform.Version, gc.Equals, "7")
}

func (s *profilerSuite) TestCPEFallbackUname(c *gc.C) {
	runner := &cannedRunner{responses: map[string]string{
		"uname -o 2>/dev/null": "GNU/Linux",
		"uname -r 2>/dev/null": "3.13.0-24-generic",
	}}
	profile, err := Run(runner)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(profile.Platform.Vendor, gc.Equals, "linux")
	c.Assert(profile.Platform.Version, gc.Equals, "3.13.0")
	c.Assert(strings.Join(profile.Warnings, "\n"), gc.Not(jc.Contains), "Unable to determine platform")
}

func (s *profilerSuite) TestAccessors(c *gc.C) {
	profile, err := Run(centosRunner())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(profile.MemoryUsedMiB(), gc.Equals, 3953-862-109-1492)
	c.Assert(profile.DiskUsedGB(), gc.Equals, 71)
	c.Assert(profile.Swapping(), jc.IsTrue)
	c.Assert(profile.PrivateAddresses(), gc.DeepEquals, []string{"10.181.12.7"})
	c.Assert(profile.PublicAddresses(), gc.DeepEquals, []string{"198.51.100.10"})
}

func (s *profilerSuite) TestRenderYAML(c *gc.C) {
	profile, err := Run(centosRunner())
	c.Assert(err, jc.ErrorIsNil)
	text, err := profile.RenderYAML()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(text, jc.Contains, "sections:")
	c.Assert(text, jc.Contains, "vendor: centos")
	c.Assert(text, jc.Contains, "warnings:")
}

func (s *profilerSuite) TestRender(c *gc.C) {
	profile, err := Run(centosRunner())
	c.Assert(err, jc.ErrorIsNil)
	text := profile.Render()
	c.Assert(text, jc.Contains, "Platform: cpe:/o:centos:linux:6")
	c.Assert(text, jc.Contains, "Hostname:")
	c.Assert(text, jc.Contains, "Warnings")
}
