// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package profiler

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type parseSuite struct{}

var _ = gc.Suite(&parseSuite{})

const freeOutput = `             total       used       free     shared    buffers     cached
Mem:          3953       3090        862          0        109       1492
-/+ buffers/cache:       1488       2464
Swap:         4095        120       3975`

const freeOutputNew = `              total        used        free      shared  buff/cache   available
Mem:           3953        1489         862         120        1601        2100
Swap:          4095           0        4095`

func (s *parseSuite) TestParseFree(c *gc.C) {
	figures, ok := parseFree(freeOutput)
	c.Assert(ok, jc.IsTrue)
	c.Assert(figures.TotalMiB, gc.Equals, 3953)
	// used = total - free - buffers - cached
	c.Assert(figures.UsedMiB, gc.Equals, 3953-862-109-1492)
	c.Assert(figures.SwapTotal, gc.Equals, 4095)
	c.Assert(figures.SwapUsed, gc.Equals, 120)
}

func (s *parseSuite) TestParseFreeCombinedBuffCache(c *gc.C) {
	figures, ok := parseFree(freeOutputNew)
	c.Assert(ok, jc.IsTrue)
	c.Assert(figures.UsedMiB, gc.Equals, 3953-862-1601)
	c.Assert(figures.SwapUsed, gc.Equals, 0)
}

func (s *parseSuite) TestParseFreeGarbage(c *gc.C) {
	_, ok := parseFree("bash: free: command not found")
	c.Assert(ok, jc.IsFalse)
}

const dfOutput = `Filesystem           1K-blocks      Used Available Use% Mounted on
/dev/xvda1            41284928  18726452  20461420  48% /
tmpfs                   508500         0    508500   0% /dev/shm
nas.example:/vol     104857600  52428800  52428800  50% /mnt/nas
none                      4096        24      4072   1% /proc/fs`

func (s *parseSuite) TestParseDiskUsedGB(c *gc.C) {
	// /dev/xvda1 counts by name, the NAS volume by block count; tmpfs
	// and the tiny pseudo filesystem do not count.
	c.Assert(parseDiskUsedGB(dfOutput), gc.Equals, int((18726452+52428800)/1000000))
}

const ifconfigOutput = `eth0      Link encap:Ethernet  HWaddr 00:16:3e:12:34:56
          inet addr:198.51.100.10  Bcast:198.51.100.255  Mask:255.255.255.0
eth1      Link encap:Ethernet  HWaddr 00:16:3e:ab:cd:ef
          inet addr:10.181.12.7  Bcast:10.181.15.255  Mask:255.255.252.0
lo        Link encap:Local Loopback
          inet addr:127.0.0.1  Mask:255.0.0.0`

func (s *parseSuite) TestParseAddresses(c *gc.C) {
	private, public := parseAddresses(ifconfigOutput)
	c.Assert(private, gc.DeepEquals, []string{"10.181.12.7"})
	c.Assert(public, gc.DeepEquals, []string{"198.51.100.10"})
}

func (s *parseSuite) TestParseAddressesModernFormat(c *gc.C) {
	out := `eth0: flags=4163<UP,BROADCAST,RUNNING,MULTICAST>  mtu 1500
        inet 192.168.3.9  netmask 255.255.255.0  broadcast 192.168.3.255
lo: flags=73<UP,LOOPBACK,RUNNING>  mtu 65536
        inet 127.0.0.1  netmask 255.0.0.0`
	private, public := parseAddresses(out)
	c.Assert(private, gc.DeepEquals, []string{"192.168.3.9"})
	c.Assert(public, gc.IsNil)
}

func (s *parseSuite) TestParseLoadAverages(c *gc.C) {
	one, five, fifteen, ok := parseLoadAverages(
		" 17:01:05 up 3 days,  2:33,  1 user,  load average: 0.52, 1.04, 12.20")
	c.Assert(ok, jc.IsTrue)
	c.Assert(one, gc.Equals, 0.52)
	c.Assert(five, gc.Equals, 1.04)
	c.Assert(fifteen, gc.Equals, 12.20)
}

const netstatOutput = `Active Internet connections (only servers)
Proto Recv-Q Send-Q Local Address               Foreign Address             State       PID/Program name
tcp        0      0 0.0.0.0:22                  0.0.0.0:*                   LISTEN      1034/sshd
tcp        0      0 127.0.0.1:25                0.0.0.0:*                   LISTEN      1213/master
udp        0      0 0.0.0.0:123                 0.0.0.0:*                               1001/ntpd
tcp        0      0 0.0.0.0:22                  0.0.0.0:*                   LISTEN      1034/sshd`

func (s *parseSuite) TestParseListeners(c *gc.C) {
	listeners := parseListeners(netstatOutput)
	c.Assert(listeners, gc.DeepEquals, []Listener{
		{Address: "0.0.0.0", Port: "22", Process: "sshd"},
		{Address: "127.0.0.1", Port: "25", Process: "master"},
		{Address: "0.0.0.0", Port: "123", Process: "ntpd"},
	})
}

func (s *parseSuite) TestParseIOWait(c *gc.C) {
	out := `Linux 2.6.32-431 (web01) 	02/06/2016 	_x86_64_	(4 CPU)

avg-cpu:  %user   %nice %system %iowait  %steal   %idle
           2.31    0.00    0.77   12.40    0.01   84.51`
	v, ok := parseIOWait(out)
	c.Assert(ok, jc.IsTrue)
	c.Assert(v, gc.Equals, 12.40)
}

func (s *parseSuite) TestParseSarAverage(c *gc.C) {
	out := `Linux 2.6.32-431 (web01) 	02/06/2016

12:00:01 AM kbmemfree kbmemused  %memused kbbuffers  kbcached
12:10:01 AM    882132   3166436     78.20    112004   1532044
12:20:01 AM    880120   3168448     78.30    112048   1532996`
	avg, ok := parseSarAverage(out)
	c.Assert(ok, jc.IsTrue)
	c.Assert(avg, gc.Equals, (78.20+78.30)/2)
}
