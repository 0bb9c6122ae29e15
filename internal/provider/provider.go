// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provider defines what the migration pipeline needs from a
// compute provider: a login-ready replacement host, and not much else.
package provider

import (
	"time"

	"github.com/cloudflock/cloudflock/core/hostspec"
)

// Instance is a created server, with the credentials to reach it.
type Instance struct {
	ID   string
	Spec hostspec.Spec
}

// Runner mirrors the session query surface; the managed-automation wait
// watches for a marker file through it.
type Runner interface {
	Query(cmd string, timeout time.Duration, recoverable bool) (string, error)
}

// Provisioner creates and disposes of destination hosts.
type Provisioner interface {
	// CreateInstance boots a server from the catalog identifiers and
	// returns it with login credentials; the server may still be
	// building.
	CreateInstance(imageID, flavorID, name string) (*Instance, error)

	// WaitUntilReady blocks until the instance is ACTIVE and returns
	// the spec updated with its reachable address.
	WaitUntilReady(id string) (hostspec.Spec, error)

	// WaitUntilManagedAutomationDone blocks until the provider's
	// post-boot automation has finished on a managed account.
	WaitUntilManagedAutomationDone(session Runner) error

	// RescueMode reboots the instance into its recovery environment and
	// returns the rescue password.
	RescueMode(id string) (string, error)

	// Destroy removes the instance.
	Destroy(id string) error
}
