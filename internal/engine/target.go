// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/juju/errors"
)

// The destination usually has several addresses: public, service-net,
// cloud-internal. The transfer should use an internal network when one
// is actually reachable from the source, without trusting address
// classes. The source probes each address with a non-interactive key
// scan; an address qualifies when the fingerprint it sees is the
// destination's own.

var (
	inetPattern        = regexp.MustCompile(`inet (?:addr:)?([0-9.]+)`)
	fingerprintPattern = regexp.MustCompile(`(?:MD5:)?([0-9a-f]{2}(?::[0-9a-f]{2}){15}|SHA256:[A-Za-z0-9+/=]+)`)
)

// selectTargetAddress returns the last destination address whose
// observed fingerprint matches the destination's own host key, falling
// back to the destination's public hostname.
func (e *Engine) selectTargetAddress() (string, error) {
	dst := e.config.Destination
	src := e.config.Source

	out, err := dst.AsRoot("ssh-keygen -l -f /etc/ssh/ssh_host_rsa_key.pub", probeTimeout, false)
	if err != nil {
		return "", errors.Annotate(err, "reading destination host key fingerprint")
	}
	own := fingerprintOf(out)
	if own == "" {
		return "", errors.Errorf("no fingerprint in %q", out)
	}

	addrOut, err := dst.AsRoot("ip addr show 2>/dev/null || ifconfig -a", probeTimeout, false)
	if err != nil {
		return "", errors.Annotate(err, "listing destination addresses")
	}
	addresses := parseInetAddresses(addrOut)

	selected := e.config.Destination.Spec().Hostname
	for _, addr := range addresses {
		probe := fmt.Sprintf("ssh-keyscan -t rsa %s 2>/dev/null | ssh-keygen -l -f -", addr)
		seen, err := src.AsRoot(probe, probeTimeout, true)
		if err != nil {
			logger.Debugf("fingerprint probe of %q failed: %v", addr, err)
			continue
		}
		if observed := fingerprintOf(seen); observed != "" && observed == own {
			logger.Debugf("address %q shows the destination's fingerprint", addr)
			selected = addr
		}
	}
	return selected, nil
}

// parseInetAddresses lists non-loopback IPv4 addresses in ip/ifconfig
// output, in appearance order.
func parseInetAddresses(out string) []string {
	var addresses []string
	seen := make(map[string]bool)
	for _, m := range inetPattern.FindAllStringSubmatch(out, -1) {
		addr := m[1]
		if strings.HasPrefix(addr, "127.") || seen[addr] {
			continue
		}
		seen[addr] = true
		addresses = append(addresses, addr)
	}
	return addresses
}

// fingerprintOf extracts the key fingerprint from ssh-keygen -l output,
// tolerating both the old hex form and the new SHA256 form.
func fingerprintOf(out string) string {
	return fingerprintPattern.FindString(out)
}
