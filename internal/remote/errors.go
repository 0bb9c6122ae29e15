// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package remote

import (
	"github.com/juju/errors"
)

const (
	// ErrInvalidHostname is returned by Open when the host does not
	// resolve.
	ErrInvalidHostname = errors.ConstError("hostname does not resolve")

	// ErrLoginFailed is returned by Open once the bounded auth retries
	// are exhausted.
	ErrLoginFailed = errors.ConstError("login failed")

	// ErrDeadlineExceeded is returned by Query and AsRoot when a
	// non-recoverable command outlives its deadline.
	ErrDeadlineExceeded = errors.ConstError("command deadline exceeded")

	// ErrSessionLost is returned when the transport drops twice while
	// executing a single command.
	ErrSessionLost = errors.ConstError("session lost")

	// ErrNotSuperuser is returned by AsRoot when elevation completes but
	// the effective uid is still not 0.
	ErrNotSuperuser = errors.ConstError("elevation did not reach uid 0")

	// ErrClosed is returned for any command issued after Close.
	ErrClosed = errors.ConstError("session closed")
)
