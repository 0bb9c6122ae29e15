// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package platform maps a profiled host onto the target cloud's
// vocabulary: an image identifier for its OS and a flavor big enough to
// hold it.
package platform

import (
	"github.com/juju/errors"

	"github.com/cloudflock/cloudflock/core/cpe"
)

// ErrNoFlavor is returned when no catalog flavor can hold the demand.
const ErrNoFlavor = errors.ConstError("no flavor satisfies the resource demand")

// FlavorSpec is one compute shape offered by the target cloud.
type FlavorSpec struct {
	ID     string
	MemMiB int
	DiskGB int
}

// Recommendation is the outcome of sizing a host against a catalog.
type Recommendation struct {
	Flavor FlavorSpec
	// Reason names the axis that forced the choice, "RAM usage" or
	// "Disk usage".
	Reason string
}

// ImageMap maps vendor -> version -> image id. The version "*" is the
// wildcard fallback within a vendor.
type ImageMap map[string]map[string]string

// Catalog pairs the image maps (managed and unmanaged account classes)
// with the ordered flavor list, smallest first.
type Catalog struct {
	Managed   ImageMap
	Unmanaged ImageMap
	Flavors   []FlavorSpec
}

// ImageFor resolves the image identifier for a platform. An exact version
// match wins over the vendor's "*" entry; an unknown vendor resolves to
// the empty string.
func (cat *Catalog) ImageFor(c cpe.CPE, managed bool) string {
	images := cat.Unmanaged
	if managed {
		images = cat.Managed
	}
	versions, ok := images[c.Vendor]
	if !ok {
		return ""
	}
	if id, ok := versions[c.Version]; ok {
		return id
	}
	return versions["*"]
}

// ErrNoImage reports a platform the catalog has no bootable template
// for.
const ErrNoImage = errors.ConstError("no image for platform")

// Sizing is the resource demand measured on a source host.
type Sizing struct {
	MemMiB   int
	DiskGB   int
	Swapping bool
}

// Recommend resolves both halves of a destination shape at once. The
// image missing is ErrNoImage, no flavor fitting is ErrNoFlavor; the
// caller decides which of those are fatal for its pipeline.
func (cat *Catalog) Recommend(c cpe.CPE, managed bool, sizing Sizing) (Recommendation, string, error) {
	image := cat.ImageFor(c, managed)
	if image == "" {
		return Recommendation{}, "", errors.Annotatef(ErrNoImage, "platform %s", c)
	}
	rec, err := cat.FlavorFor(sizing.MemMiB, sizing.DiskGB, sizing.Swapping)
	if err != nil {
		return Recommendation{}, "", errors.Trace(err)
	}
	return rec, image, nil
}

// FlavorFor scans the flavor list in ascending capacity and picks the
// first spec whose memory and disk strictly exceed the demand. When the
// source is actively swapping the memory pick is bumped one size up. The
// larger of the memory-driven and disk-driven picks wins.
func (cat *Catalog) FlavorFor(memMiB, diskGB int, swapping bool) (Recommendation, error) {
	memIdx := -1
	for i, f := range cat.Flavors {
		if f.MemMiB > memMiB {
			memIdx = i
			break
		}
	}
	if memIdx >= 0 && swapping {
		memIdx++
	}
	diskIdx := -1
	for i, f := range cat.Flavors {
		if f.DiskGB > diskGB {
			diskIdx = i
			break
		}
	}
	if memIdx < 0 || diskIdx < 0 || memIdx >= len(cat.Flavors) {
		return Recommendation{}, errors.Annotatef(ErrNoFlavor,
			"memory %d MiB, disk %d GB", memMiB, diskGB)
	}
	rec := Recommendation{Flavor: cat.Flavors[memIdx], Reason: "RAM usage"}
	if diskIdx > memIdx {
		rec = Recommendation{Flavor: cat.Flavors[diskIdx], Reason: "Disk usage"}
	}
	return rec, nil
}
