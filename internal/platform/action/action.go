// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package action composes per-platform payloads by layering: a
// platform-agnostic base, then the vendor, then the vendor+version. Both
// the sync exclusions and the three cleanup phases are built this way.
package action

import (
	"strings"

	"github.com/cloudflock/cloudflock/core/cpe"
)

// CleanupPlan holds the three ordered cleanup phases. Pre runs on the
// destination host proper, Chroot inside the mounted migration target,
// Post on the destination host again.
type CleanupPlan struct {
	Pre    []string
	Chroot []string
	Post   []string
}

// layered concatenates the payloads found for each prefix of the CPE's
// action path, ascending. Absent layers are skipped; an unknown vendor
// therefore yields only the base layer.
func layered(table map[string][]string, c cpe.CPE) []string {
	var out []string
	for _, layer := range c.ActionPath() {
		out = append(out, table[layer]...)
	}
	return out
}

// Exclusions returns the newline-joined path list the sync step must not
// transfer for the given platform.
func Exclusions(c cpe.CPE) string {
	return strings.Join(layered(exclusionLayers, c), "\n")
}

// Cleanup returns the three-phase cleanup plan for the given platform.
func Cleanup(c cpe.CPE) CleanupPlan {
	return CleanupPlan{
		Pre:    layered(cleanupPreLayers, c),
		Chroot: layered(cleanupChrootLayers, c),
		Post:   layered(cleanupPostLayers, c),
	}
}

// Script renders one cleanup phase as a shell script body.
func Script(lines []string) string {
	return "#!/bin/sh\n" + strings.Join(lines, "\n") + "\n"
}
