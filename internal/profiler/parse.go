// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package profiler

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/juju/collections/set"
)

// MemoryFigures is what free(1) tells us, in MiB.
type MemoryFigures struct {
	TotalMiB  int
	UsedMiB   int
	SwapTotal int
	SwapUsed  int
}

// parseFree reads "free -m" output. Used memory discounts buffers and
// cache: that memory is reclaimable and must not inflate the flavor.
func parseFree(out string) (MemoryFigures, bool) {
	var (
		figures  MemoryFigures
		sawMem   bool
		combined bool
	)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if strings.Contains(line, "buff/cache") {
			combined = true
		}
		if len(fields) < 3 {
			continue
		}
		switch fields[0] {
		case "Mem:":
			if combined || len(fields) < 7 {
				// Newer free(1) folds buffers and cache into one
				// "buff/cache" column, named in its header row and
				// followed by an "available" column.
				if len(fields) >= 6 {
					total := atoi(fields[1])
					free := atoi(fields[3])
					buffcache := atoi(fields[5])
					figures.TotalMiB = total
					figures.UsedMiB = total - free - buffcache
					sawMem = true
				}
				continue
			}
			total := atoi(fields[1])
			free := atoi(fields[3])
			buffers := atoi(fields[5])
			cached := atoi(fields[6])
			figures.TotalMiB = total
			figures.UsedMiB = total - free - buffers - cached
			sawMem = true
		case "Swap:":
			figures.SwapTotal = atoi(fields[1])
			figures.SwapUsed = atoi(fields[2])
		}
	}
	return figures, sawMem
}

// parseDiskUsedGB sums the Used column of df rows that describe real
// storage: mounts backed by /dev/* or filesystems bigger than ten
// million 1K blocks. KiB are converted to GB by dividing by 10^6.
func parseDiskUsedGB(out string) int {
	var usedKiB int64
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		blocks, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		used, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		if strings.HasPrefix(fields[0], "/dev/") || blocks > 10000000 {
			usedKiB += used
		}
	}
	return int(usedKiB / 1000000)
}

var (
	inetAddrPattern = regexp.MustCompile(`inet (?:addr:)?([0-9.]+)`)
	loadPattern     = regexp.MustCompile(`load averages?: ([0-9.]+),? ([0-9.]+),? ([0-9.]+)`)
)

// parseAddresses lists the non-loopback IPv4 addresses in ifconfig
// output, partitioned into RFC1918 and public.
func parseAddresses(out string) (private, public []string) {
	seen := set.NewStrings()
	for _, m := range inetAddrPattern.FindAllStringSubmatch(out, -1) {
		addr := m[1]
		ip := net.ParseIP(addr)
		if ip == nil || ip.IsLoopback() || seen.Contains(addr) {
			continue
		}
		seen.Add(addr)
		if isRFC1918(ip) {
			private = append(private, addr)
		} else {
			public = append(public, addr)
		}
	}
	return private, public
}

func isRFC1918(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	}
	return false
}

// parseLoadAverages pulls the three load averages out of uptime output.
func parseLoadAverages(out string) (one, five, fifteen float64, ok bool) {
	m := loadPattern.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, 0, false
	}
	one, _ = strconv.ParseFloat(m[1], 64)
	five, _ = strconv.ParseFloat(m[2], 64)
	fifteen, _ = strconv.ParseFloat(m[3], 64)
	return one, five, fifteen, true
}

// Listener is one listening socket.
type Listener struct {
	Address string
	Port    string
	Process string
}

// parseListeners reads netstat -tlnup style output into unique
// (address, port, process) triples, in first-seen order.
func parseListeners(out string) []Listener {
	var listeners []Listener
	seen := set.NewStrings()
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		proto := fields[0]
		if !strings.HasPrefix(proto, "tcp") && !strings.HasPrefix(proto, "udp") {
			continue
		}
		local := fields[3]
		i := strings.LastIndex(local, ":")
		if i < 0 {
			continue
		}
		addr, port := local[:i], local[i+1:]
		process := ""
		last := fields[len(fields)-1]
		if j := strings.Index(last, "/"); j >= 0 {
			process = last[j+1:]
		}
		key := addr + ":" + port + "/" + process
		if seen.Contains(key) {
			continue
		}
		seen.Add(key)
		listeners = append(listeners, Listener{Address: addr, Port: port, Process: process})
	}
	return listeners
}

// parseSarAverage averages the %memused column of concatenated
// "sar -r" reports.
func parseSarAverage(out string) (float64, bool) {
	var (
		sum float64
		n   int
		col = -1
	)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		// Each report's header row names the %memused column; its index
		// shifts by one when timestamps carry an AM/PM field.
		for i, f := range fields {
			if f == "%memused" {
				col = i
			}
		}
		// Data rows begin with a clock time. The "Average:" row has no
		// AM/PM field, so it is skipped rather than misread.
		if col < 0 || len(fields) <= col || !strings.Contains(fields[0], ":") ||
			strings.HasPrefix(fields[0], "Average") {
			continue
		}
		v, err := strconv.ParseFloat(fields[col], 64)
		if err != nil {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// parseIOWait reads the %iowait column of "iostat -c" output.
func parseIOWait(out string) (float64, bool) {
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if !strings.Contains(line, "%iowait") || i+1 >= len(lines) {
			continue
		}
		fields := strings.Fields(lines[i+1])
		if len(fields) < 4 {
			return 0, false
		}
		v, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
