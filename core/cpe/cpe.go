// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cpe holds the platform identifier used to key every
// platform-specific decision made during a migration: image lookup,
// exclusion layering and cleanup layering.
package cpe

import (
	"regexp"
	"strings"

	"github.com/juju/errors"
)

// CPE identifies a platform in the Common Platform Enumeration style:
// part (always "o" for the hosts we migrate), vendor, product and version.
type CPE struct {
	Part    string
	Vendor  string
	Product string
	Version string
}

var versionPattern = regexp.MustCompile(`[0-9.]+`)

// New builds a CPE with the vendor lowercased and the version reduced to
// its leading digits-and-dots run. An unparseable version yields an empty
// version rather than an error; lookup falls through to wildcards.
func New(part, vendor, product, version string) CPE {
	return CPE{
		Part:    part,
		Vendor:  strings.ToLower(strings.TrimSpace(vendor)),
		Product: strings.ToLower(strings.TrimSpace(product)),
		Version: NormalizeVersion(version),
	}
}

// NormalizeVersion reduces a free-form version string to digits and dots,
// e.g. "6.5 (Final)" -> "6.5".
func NormalizeVersion(version string) string {
	return versionPattern.FindString(version)
}

// ParseURI parses a CPE 2.2 URI such as the contents of
// /etc/system-release-cpe ("cpe:/o:centos:linux:6").
func ParseURI(uri string) (CPE, error) {
	uri = strings.TrimSpace(uri)
	if !strings.HasPrefix(uri, "cpe:/") {
		return CPE{}, errors.NotValidf("CPE URI %q", uri)
	}
	parts := strings.Split(strings.TrimPrefix(uri, "cpe:/"), ":")
	if len(parts) < 3 {
		return CPE{}, errors.NotValidf("CPE URI %q", uri)
	}
	c := CPE{Part: parts[0], Vendor: parts[1], Product: parts[2]}
	if len(parts) > 3 {
		c.Version = parts[3]
	}
	return New(c.Part, c.Vendor, c.Product, c.Version), nil
}

// MajorVersion returns the version truncated at the first dot.
func (c CPE) MajorVersion() string {
	if i := strings.Index(c.Version, "."); i >= 0 {
		return c.Version[:i]
	}
	return c.Version
}

// ActionPath is the layering path used by the exclusion and cleanup
// builders: a platform-agnostic base, then the vendor, then the product
// joined with the major version.
func (c CPE) ActionPath() []string {
	path := []string{"unix"}
	if c.Vendor == "" {
		return path
	}
	path = append(path, c.Vendor)
	if c.Product != "" && c.MajorVersion() != "" {
		path = append(path, c.Product+c.MajorVersion())
	}
	return path
}

// String renders the CPE back into URI form, mostly for logs.
func (c CPE) String() string {
	return "cpe:/" + strings.Join([]string{c.Part, c.Vendor, c.Product, c.Version}, ":")
}
