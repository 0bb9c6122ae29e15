// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package profiler

import (
	"strings"

	"github.com/cloudflock/cloudflock/core/cpe"
)

// Platform detection walks a chain of fallbacks, stopping at the first
// that produces a vendor: the CPE file RPM distros ship, the /etc/issue
// banner, the assorted release files, and finally uname.

var issueVendors = []struct {
	marker string
	vendor string
}{
	{"Arch", "arch"},
	{"CentOS", "centos"},
	{"Debian", "debian"},
	{"Gentoo", "gentoo"},
	{"Scientific", "scientific"},
	{"SUSE", "suse"},
	{"Ubuntu", "ubuntu"},
	{"Red Hat", "redhat"},
	{"RedHat", "redhat"},
}

func (x *probeRun) deriveCPE() cpe.CPE {
	if out := x.query("cat /etc/system-release-cpe 2>/dev/null"); strings.Contains(out, "cpe:/") {
		line := firstLine(out)
		if parsed, err := cpe.ParseURI(line); err == nil && parsed.Vendor != "" {
			return parsed
		}
	}
	if out := x.query("cat /etc/issue 2>/dev/null"); out != "" {
		for _, candidate := range issueVendors {
			if strings.Contains(out, candidate.marker) {
				return cpe.New("o", candidate.vendor, "linux", cpe.NormalizeVersion(out))
			}
		}
	}
	if out := x.query("cat /etc/*[_-]release /etc/*version 2>/dev/null"); out != "" {
		if vendor, version := scanReleaseFiles(out); vendor != "" {
			return cpe.New("o", vendor, "linux", version)
		}
	}
	vendor := strings.ToLower(firstLine(x.query("uname -o 2>/dev/null")))
	vendor = strings.TrimPrefix(vendor, "gnu/")
	version := cpe.NormalizeVersion(firstLine(x.query("uname -r 2>/dev/null")))
	derived := cpe.New("o", vendor, "linux", version)
	if derived.Vendor == "" {
		x.profile.warn("Unable to determine platform")
	}
	return derived
}

// scanReleaseFiles digs ID= and VERSION_ID= (or the older DISTRIB_*)
// lines out of concatenated /etc/*release content.
func scanReleaseFiles(out string) (vendor, version string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ID="):
			if vendor == "" {
				vendor = strings.ToLower(strings.Trim(line[len("ID="):], `"`))
			}
		case strings.HasPrefix(line, "DISTRIB_ID="):
			if vendor == "" {
				vendor = strings.ToLower(strings.Trim(line[len("DISTRIB_ID="):], `"`))
			}
		case strings.HasPrefix(line, "VERSION_ID="):
			if version == "" {
				version = cpe.NormalizeVersion(strings.Trim(line[len("VERSION_ID="):], `"`))
			}
		case strings.HasPrefix(line, "DISTRIB_RELEASE="):
			if version == "" {
				version = cpe.NormalizeVersion(strings.Trim(line[len("DISTRIB_RELEASE="):], `"`))
			}
		}
	}
	return vendor, version
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
