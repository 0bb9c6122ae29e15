// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package hostspec describes how to reach and become root on one host.
package hostspec

import (
	"fmt"

	"github.com/juju/errors"
)

// Escalation is the privilege escalation policy for a host.
type Escalation int

const (
	// EscalationNone means the login user is already root.
	EscalationNone Escalation = iota
	// EscalationSu elevates with "su -".
	EscalationSu
	// EscalationSudo elevates with "sudo su -".
	EscalationSudo
)

// Spec is everything the remote shell needs to open a session against a
// host. It is immutable once a session has been opened against it; the
// session takes a copy.
type Spec struct {
	// Hostname is a resolvable name or literal address.
	Hostname string
	// Port is the ssh port, defaulting to 22.
	Port int
	// User is the login user.
	User string

	// Password is the login password, if password auth is in use.
	Password string
	// PrivateKey holds PEM key material, if key auth is in use.
	PrivateKey []byte
	// KeyPassphrase decrypts PrivateKey when it is encrypted.
	KeyPassphrase string

	// Escalation selects how asRoot gains superuser rights.
	Escalation Escalation
	// RootPassword answers the su/sudo password challenge. For
	// EscalationSudo an empty value means the login password is used.
	RootPassword string
}

// Validate returns an error if the spec cannot possibly open a session.
func (s Spec) Validate() error {
	if s.Hostname == "" {
		return errors.NotValidf("empty hostname")
	}
	if s.User == "" {
		return errors.NotValidf("empty user")
	}
	if s.Password == "" && len(s.PrivateKey) == 0 {
		return errors.NotValidf("no password and no private key for %q", s.Hostname)
	}
	if s.Escalation == EscalationSu && s.RootPassword == "" {
		return errors.NotValidf("su escalation without a root password")
	}
	return nil
}

// Address is the dialable "host:port" form.
func (s Spec) Address() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", s.Hostname, port)
}

// String renders the spec for logs, with all secrets withheld.
func (s Spec) String() string {
	auth := "password"
	if len(s.PrivateKey) > 0 {
		auth = "key"
	}
	return fmt.Sprintf("%s@%s (%s auth)", s.User, s.Address(), auth)
}

// EscalationPassword is the secret supplied at the elevation password
// challenge.
func (s Spec) EscalationPassword() string {
	if s.Escalation == EscalationSudo && s.RootPassword == "" {
		return s.Password
	}
	return s.RootPassword
}
