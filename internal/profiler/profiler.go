// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package profiler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("cloudflock.profiler")

const probeTimeout = 30 * time.Second

// Runner is the slice of the session the profiler needs.
type Runner interface {
	Query(cmd string, timeout time.Duration, recoverable bool) (string, error)
}

// probe is one named step; probes run in table order so two runs over
// identical command output produce identical profiles.
type probe struct {
	name string
	run  func(*probeRun)
}

var probeTable = []probe{
	{"system", (*probeRun).probeSystem},
	{"cpu", (*probeRun).probeCPU},
	{"memory", (*probeRun).probeMemory},
	{"load", (*probeRun).probeLoad},
	{"storage", (*probeRun).probeStorage},
	{"network", (*probeRun).probeNetwork},
	{"libraries", (*probeRun).probeLibraries},
	{"services", (*probeRun).probeServices},
	{"heuristics", (*probeRun).probeHeuristics},
}

type probeRun struct {
	runner  Runner
	profile *Profile
}

// Run profiles the host behind the given runner.
func Run(runner Runner) (*Profile, error) {
	if runner == nil {
		return nil, errors.NotValidf("nil runner")
	}
	x := &probeRun{runner: runner, profile: &Profile{}}
	x.profile.Platform = x.deriveCPE()
	for _, p := range probeTable {
		logger.Tracef("running probe %q", p.name)
		p.run(x)
	}
	return x.profile, nil
}

// query runs a probe command; failures degrade to an empty value with a
// warning rather than aborting the profile.
func (x *probeRun) query(cmd string) string {
	out, err := x.runner.Query(cmd, probeTimeout, true)
	if err != nil {
		x.profile.warn("probe %q failed: %v", cmd, err)
		return ""
	}
	return strings.TrimSpace(out)
}

func (x *probeRun) probeSystem() {
	p := x.profile
	hostname := x.query("hostname")
	if hostname == "" {
		p.warn("unable to determine hostname")
	}
	p.add("System", "Hostname", hostname)
	p.add("System", "Platform", p.Platform.Vendor+" "+p.Platform.Version)
	p.add("System", "Kernel", firstLine(x.query("uname -r")))
	p.add("System", "Architecture", firstLine(x.query("uname -m")))
	p.add("System", "Uptime", firstLine(x.query("uptime")))
	p.add("System", "Users logged in", x.query("who | wc -l"))
	p.add("System", "Package manager", firstLine(x.query("which yum apt-get pacman emerge zypper 2>/dev/null | head -1")))
}

func (x *probeRun) probeCPU() {
	p := x.profile
	model := x.query(`grep 'model name' /proc/cpuinfo | head -1 | cut -d: -f2`)
	count := x.query("grep -c ^processor /proc/cpuinfo")
	if model == "" {
		p.warn("unable to determine CPU model")
	}
	p.add("CPU", "Model", strings.TrimSpace(model))
	p.add("CPU", "Count", count)
}

func (x *probeRun) probeMemory() {
	p := x.profile
	out := x.query("free -m")
	figures, ok := parseFree(out)
	if !ok {
		p.warn("unable to parse memory figures")
		p.add("Memory", "Total MiB", "")
		p.add("Memory", "Used MiB", "")
		p.add("Memory", "Swap total MiB", "")
		p.add("Memory", "Swap used MiB", "")
	} else {
		p.add("Memory", "Total MiB", strconv.Itoa(figures.TotalMiB))
		p.add("Memory", "Used MiB", strconv.Itoa(figures.UsedMiB))
		p.add("Memory", "Swap total MiB", strconv.Itoa(figures.SwapTotal))
		p.add("Memory", "Swap used MiB", strconv.Itoa(figures.SwapUsed))
		if figures.SwapUsed > 0 {
			p.warn("swap is in use (%d MiB); the host may be memory-bound", figures.SwapUsed)
		}
	}
	historical := ""
	if x.query("which sar 2>/dev/null") != "" {
		out := x.query(`for f in /var/log/sa/sa??; do LANG=C sar -r -f $f 2>/dev/null; done`)
		if avg, ok := parseSarAverage(out); ok {
			historical = fmt.Sprintf("%.1f", avg)
		}
	}
	p.add("Memory", "Historical used %", historical)
}

func (x *probeRun) probeLoad() {
	p := x.profile
	one, five, fifteen, ok := parseLoadAverages(x.query("uptime"))
	if !ok {
		p.warn("unable to parse load averages")
		p.add("Load", "Load 1m", "")
		p.add("Load", "Load 5m", "")
		p.add("Load", "Load 15m", "")
	} else {
		p.add("Load", "Load 1m", fmt.Sprintf("%.2f", one))
		p.add("Load", "Load 5m", fmt.Sprintf("%.2f", five))
		p.add("Load", "Load 15m", fmt.Sprintf("%.2f", fifteen))
	}
	iowait := ""
	if v, ok := parseIOWait(x.query("iostat -c 2>/dev/null")); ok {
		iowait = fmt.Sprintf("%.1f", v)
	}
	p.add("Load", "IO wait %", iowait)
}

func (x *probeRun) probeStorage() {
	p := x.profile
	out := x.query("df -k 2>/dev/null")
	if out == "" {
		p.warn("unable to determine disk usage")
		p.add("Storage", "Used GB", "")
		return
	}
	p.add("Storage", "Used GB", strconv.Itoa(parseDiskUsedGB(out)))
}

func (x *probeRun) probeNetwork() {
	p := x.profile
	out := x.query("ifconfig -a 2>/dev/null || /sbin/ifconfig -a")
	private, public := parseAddresses(out)
	if len(private) == 0 && len(public) == 0 {
		p.warn("no non-loopback IPv4 addresses found")
	}
	p.add("Network", "Private addresses", strings.Join(private, " "))
	p.add("Network", "Public addresses", strings.Join(public, " "))
}

func (x *probeRun) probeLibraries() {
	p := x.profile
	glibc := firstLine(x.query("ldd --version 2>/dev/null"))
	openssl := firstLine(x.query("openssl version 2>/dev/null"))
	p.add("Libraries", "glibc", glibc)
	p.add("Libraries", "OpenSSL", openssl)
	p.add("Libraries", "Python", firstLine(x.query("python -V 2>&1")))
	p.add("Libraries", "Perl", firstLine(x.query("perl -e 'print $];' 2>/dev/null")))
	p.add("Libraries", "Installed packages",
		x.query("(rpm -qa 2>/dev/null || dpkg -l 2>/dev/null) | wc -l"))
}

func (x *probeRun) probeServices() {
	p := x.profile
	out := x.query("netstat -tlnup 2>/dev/null || netstat -tlnp")
	for _, l := range parseListeners(out) {
		p.add("Services", l.Address+":"+l.Port, l.Process)
	}
}

func (x *probeRun) probeHeuristics() {
	p := x.profile
	processes := x.query("ps aux")
	if strings.Contains(processes, "psa") {
		p.warn("control panel detected: likely Plesk")
	}
	if strings.Contains(processes, "cpanel") {
		p.warn("control panel detected: likely cPanel")
	}
	if load := p.SelectEntries("Load", "Load 15m"); len(load) == 1 && load[0] != "" {
		if v, err := strconv.ParseFloat(load[0], 64); err == nil && v > 10 {
			p.warn("heavy load: 15-minute average %.2f", v)
		}
	}
	if iowait := p.SelectEntries("Load", "IO wait"); len(iowait) == 1 && iowait[0] != "" {
		if v, err := strconv.ParseFloat(iowait[0], 64); err == nil && v > 10 {
			p.warn("IO wait high: %.1f%%", v)
		}
	}
}

// Accessors used by sizing and remediation; they read back through
// SelectEntries so they stay honest about the public layout.

// MemoryUsedMiB is the in-use memory excluding buffers and cache.
func (p *Profile) MemoryUsedMiB() int {
	return firstInt(p.SelectEntries("Memory", "^Used MiB$"))
}

// DiskUsedGB is the summed used space over real filesystems.
func (p *Profile) DiskUsedGB() int {
	return firstInt(p.SelectEntries("Storage", "^Used GB$"))
}

// Swapping reports whether any swap was in use when profiled.
func (p *Profile) Swapping() bool {
	return firstInt(p.SelectEntries("Memory", "^Swap used MiB$")) > 0
}

// PrivateAddresses lists the host's RFC1918 IPv4 addresses.
func (p *Profile) PrivateAddresses() []string {
	return fieldsOfFirst(p.SelectEntries("Network", "^Private addresses$"))
}

// PublicAddresses lists the host's public IPv4 addresses.
func (p *Profile) PublicAddresses() []string {
	return fieldsOfFirst(p.SelectEntries("Network", "^Public addresses$"))
}

func firstInt(values []string) int {
	if len(values) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(values[0])
	return n
}

func fieldsOfFirst(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return strings.Fields(values[0])
}
