// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/cloudflock/cloudflock/core/hostspec"
)

// HostConfig is one host stanza in the config file.
type HostConfig struct {
	Hostname     string `yaml:"hostname"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	KeyFile      string `yaml:"keyfile"`
	Passphrase   string `yaml:"passphrase"`
	Sudo         bool   `yaml:"sudo"`
	RootPassword string `yaml:"root_password"`
}

// ProviderConfig locates the target cloud.
type ProviderConfig struct {
	IdentityURL string `yaml:"identity_url"`
	Username    string `yaml:"username"`
	APIKey      string `yaml:"api_key"`
	Tenant      string `yaml:"tenant"`
	Region      string `yaml:"region"`
}

// FileConfig is the whole config file.
type FileConfig struct {
	Source      HostConfig      `yaml:"source"`
	Destination *HostConfig     `yaml:"destination"`
	Provider    *ProviderConfig `yaml:"provider"`
	Managed     bool            `yaml:"managed"`
}

func loadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading config %q", path)
	}
	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Annotatef(err, "parsing config %q", path)
	}
	return &config, nil
}

// Spec converts a host stanza into the engine's host spec, loading key
// material from disk.
func (h HostConfig) Spec() (hostspec.Spec, error) {
	spec := hostspec.Spec{
		Hostname:      h.Hostname,
		Port:          h.Port,
		User:          h.Username,
		Password:      h.Password,
		KeyPassphrase: h.Passphrase,
		RootPassword:  h.RootPassword,
	}
	if h.KeyFile != "" {
		key, err := os.ReadFile(h.KeyFile)
		if err != nil {
			return hostspec.Spec{}, errors.Annotatef(err, "reading key %q", h.KeyFile)
		}
		spec.PrivateKey = key
	}
	switch {
	case h.Username == "root":
		spec.Escalation = hostspec.EscalationNone
	case h.Sudo:
		spec.Escalation = hostspec.EscalationSudo
	default:
		spec.Escalation = hostspec.EscalationSu
	}
	if err := spec.Validate(); err != nil {
		return hostspec.Spec{}, errors.Trace(err)
	}
	return spec, nil
}
