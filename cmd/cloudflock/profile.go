// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"os"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/cloudflock/cloudflock/internal/platform"
	"github.com/cloudflock/cloudflock/internal/profiler"
	"github.com/cloudflock/cloudflock/internal/remote"
)

// profileCommand profiles a host read-only and prints the result with a
// sizing recommendation.
type profileCommand struct {
	configPath string
	verbose    bool
	format     string
}

func (c *profileCommand) Info() *Info {
	return &Info{
		Name:    "profile",
		Args:    "--config <file>",
		Purpose: "profile a host and recommend a destination shape",
	}
}

func (c *profileCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to the hosts config file")
	f.BoolVar(&c.verbose, "v", false, "stream the remote terminal to stdout")
	f.StringVar(&c.format, "format", "text", "output format: text or yaml")
}

func (c *profileCommand) Init(args []string) error {
	if c.configPath == "" {
		return errors.New("--config is required")
	}
	if c.format != "text" && c.format != "yaml" {
		return errors.Errorf("unknown format %q", c.format)
	}
	if len(args) != 0 {
		return errors.Errorf("unrecognised args: %v", args)
	}
	return nil
}

func (c *profileCommand) Run() error {
	config, err := loadConfig(c.configPath)
	if err != nil {
		return errors.Trace(err)
	}
	spec, err := config.Source.Spec()
	if err != nil {
		return errors.Trace(err)
	}
	sessionConfig := remote.Config{
		Spec:   spec,
		Clock:  clock.WallClock,
		Dialer: remote.DialerFunc(remote.SSHDial),
	}
	if c.verbose {
		sessionConfig.Verbose = os.Stdout
	}
	session, err := remote.New(sessionConfig)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = session.Close() }()

	profile, err := profiler.Run(session)
	if err != nil {
		return errors.Trace(err)
	}
	if c.format == "yaml" {
		text, err := profile.RenderYAML()
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Print(text)
		return nil
	}
	fmt.Print(profile.Render())

	// In the profile pipeline a missing flavor or image is advisory.
	rec, err := platform.V2.FlavorFor(profile.MemoryUsedMiB(), profile.DiskUsedGB(), profile.Swapping())
	if err != nil {
		fmt.Printf("\nNo flavor recommendation: %v\n", err)
		return nil
	}
	fmt.Printf("\nRecommended flavor: %s (%d MiB, %d GB) driven by %s\n",
		rec.Flavor.ID, rec.Flavor.MemMiB, rec.Flavor.DiskGB, rec.Reason)
	if image := platform.V2.ImageFor(profile.Platform, config.Managed); image != "" {
		fmt.Printf("Image: %s\n", image)
	} else {
		fmt.Printf("No image mapping for platform %s\n", profile.Platform)
	}
	return nil
}
