// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/juju/gnuflag"
)

// Info describes a subcommand for usage output.
type Info struct {
	Name    string
	Args    string
	Purpose string
	Doc     string
}

// Command is one cloudflock subcommand.
type Command interface {
	Info() *Info
	SetFlags(f *gnuflag.FlagSet)
	Init(args []string) error
	Run() error
}

func printUsage(c Command, f *gnuflag.FlagSet) {
	i := c.Info()
	fmt.Fprintf(os.Stderr, "usage: cloudflock %s %s\n", i.Name, i.Args)
	fmt.Fprintf(os.Stderr, "purpose: %s\n\noptions:\n", i.Purpose)
	f.PrintDefaults()
	if i.Doc != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", strings.TrimSpace(i.Doc))
	}
}

func runCommand(c Command, args []string) int {
	f := gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
	f.Usage = func() { printUsage(c, f) }
	c.SetFlags(f)
	if err := f.Parse(true, args); err != nil {
		return 2
	}
	if err := c.Init(f.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
