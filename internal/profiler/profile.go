// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package profiler interrogates a host through its shell session and
// assembles the structured profile every downstream decision is made
// from: sizing, image choice, exclusions, cleanup and remediation.
package profiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/cloudflock/cloudflock/core/cpe"
)

// Entry is one named observation.
type Entry struct {
	Name  string
	Value string
}

// Section groups entries under a heading; entry order is the probe order.
type Section struct {
	Name    string
	Entries []Entry
}

// Profile is the complete structured description of one host. Absent
// data is represented by an empty value, never by a missing entry, so
// two profiles of the same host line up entry for entry.
type Profile struct {
	Sections []Section
	Platform cpe.CPE
	Warnings []string
}

func (p *Profile) section(name string) *Section {
	for i := range p.Sections {
		if p.Sections[i].Name == name {
			return &p.Sections[i]
		}
	}
	p.Sections = append(p.Sections, Section{Name: name})
	return &p.Sections[len(p.Sections)-1]
}

func (p *Profile) add(section, name, value string) {
	s := p.section(section)
	s.Entries = append(s.Entries, Entry{Name: name, Value: value})
}

func (p *Profile) warn(format string, args ...interface{}) {
	p.Warnings = append(p.Warnings, fmt.Sprintf(format, args...))
}

// SelectEntries returns the values of every entry whose section and name
// match the given patterns, in profile order. Downstream components pull
// numeric fields this way without knowing the layout.
func (p *Profile) SelectEntries(sectionPattern, namePattern string) []string {
	sectionRE := regexp.MustCompile(sectionPattern)
	nameRE := regexp.MustCompile(namePattern)
	var values []string
	for _, s := range p.Sections {
		if !sectionRE.MatchString(s.Name) {
			continue
		}
		for _, e := range s.Entries {
			if nameRE.MatchString(e.Name) {
				values = append(values, e.Value)
			}
		}
	}
	return values
}

// RenderYAML serialises the profile for machine consumption.
func (p *Profile) RenderYAML() (string, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(data), nil
}

// Render prints the profile as indented text for the profile command.
func (p *Profile) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Platform: %s\n", p.Platform)
	for _, s := range p.Sections {
		fmt.Fprintf(&b, "\n%s\n", s.Name)
		for _, e := range s.Entries {
			fmt.Fprintf(&b, "  %-24s %s\n", e.Name+":", e.Value)
		}
	}
	if len(p.Warnings) > 0 {
		fmt.Fprintf(&b, "\nWarnings\n")
		for _, w := range p.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}
	return b.String()
}
