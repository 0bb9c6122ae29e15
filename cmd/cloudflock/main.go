// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// cloudflock migrates running Unix hosts onto freshly provisioned cloud
// replacements.
package main

import (
	"fmt"
	"os"
)

var commands = []Command{
	&profileCommand{},
	&migrateCommand{},
}

func main() {
	os.Exit(Main(os.Args))
}

// Main dispatches to a subcommand; split out for testing.
func Main(args []string) int {
	if len(args) < 2 {
		usage()
		return 2
	}
	for _, c := range commands {
		if c.Info().Name == args[1] {
			return runCommand(c, args[2:])
		}
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n", args[1])
	usage()
	return 2
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: cloudflock <command> [options]\n\ncommands:\n")
	for _, c := range commands {
		i := c.Info()
		fmt.Fprintf(os.Stderr, "    %-10s %s\n", i.Name, i.Purpose)
	}
}
