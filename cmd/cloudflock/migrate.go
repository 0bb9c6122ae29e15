// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/cloudflock/cloudflock/core/hostspec"
	"github.com/cloudflock/cloudflock/internal/migration"
	"github.com/cloudflock/cloudflock/internal/platform"
	"github.com/cloudflock/cloudflock/internal/provider/openstack"
	"github.com/cloudflock/cloudflock/internal/remote"
)

// migrateCommand runs the full pipeline.
type migrateCommand struct {
	configPath     string
	resume         bool
	rescueInstance string
	verbose        bool
	name           string
	targetDirs     string
}

func (c *migrateCommand) Info() *Info {
	return &Info{
		Name:    "migrate",
		Args:    "--config <file>",
		Purpose: "migrate a host onto a freshly provisioned replacement",
		Doc: `
Profiles the source host, provisions a matching destination (unless
--resume names an existing one in the config), synchronises the
filesystem and rewrites boot-sensitive configuration so the clone comes
up on its new network.
`,
	}
}

func (c *migrateCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to the hosts config file")
	f.BoolVar(&c.resume, "resume", false, "skip provisioning and reuse the configured destination")
	f.StringVar(&c.rescueInstance, "rescue-instance", "", "with --resume, rescue this instance and use its rescue password")
	f.BoolVar(&c.verbose, "v", false, "stream the remote terminals to stdout")
	f.StringVar(&c.name, "name", "", "name for the provisioned instance")
	f.StringVar(&c.targetDirs, "target-dirs", "", "comma-separated remediation directories")
}

func (c *migrateCommand) Init(args []string) error {
	if c.configPath == "" {
		return errors.New("--config is required")
	}
	if len(args) != 0 {
		return errors.Errorf("unrecognised args: %v", args)
	}
	return nil
}

func (c *migrateCommand) Run() error {
	config, err := loadConfig(c.configPath)
	if err != nil {
		return errors.Trace(err)
	}
	sourceSpec, err := config.Source.Spec()
	if err != nil {
		return errors.Trace(err)
	}
	migrationConfig := migration.Config{
		Source:           sourceSpec,
		Resume:           c.resume,
		RescueInstanceID: c.rescueInstance,
		Managed:          config.Managed,
		Catalog:          platform.V2,
		Clock:            clock.WallClock,
		NewSession:       c.sessionFactory(),
		Notify: func(state migration.State) {
			fmt.Printf("[%s]\n", state)
		},
	}
	if c.name != "" {
		migrationConfig.InstanceName = c.name
	} else {
		migrationConfig.InstanceName = "migration-" + sourceSpec.Hostname
	}
	if c.targetDirs != "" {
		migrationConfig.TargetDirs = strings.Split(c.targetDirs, ",")
	}
	if c.resume {
		if config.Destination == nil {
			return errors.New("resume requires a destination in the config")
		}
		if c.rescueInstance != "" {
			// Only the hostname matters; the rescue password arrives
			// from the provider.
			migrationConfig.Destination = hostspec.Spec{
				Hostname: config.Destination.Hostname,
				Port:     config.Destination.Port,
			}
		} else {
			migrationConfig.Destination, err = config.Destination.Spec()
			if err != nil {
				return errors.Trace(err)
			}
		}
	}
	if !c.resume || c.rescueInstance != "" {
		if config.Provider == nil {
			return errors.New("migrate requires a provider in the config")
		}
		migrationConfig.Provisioner, err = openstack.New(openstack.Config{
			IdentityURL: config.Provider.IdentityURL,
			Username:    config.Provider.Username,
			APIKey:      config.Provider.APIKey,
			TenantName:  config.Provider.Tenant,
			Region:      config.Provider.Region,
			Clock:       clock.WallClock,
		})
		if err != nil {
			return errors.Trace(err)
		}
	}

	m, err := migration.New(migrationConfig)
	if err != nil {
		return errors.Trace(err)
	}
	result, err := m.Run()
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("migration complete\n%s", result.Summary())
	return nil
}

func (c *migrateCommand) sessionFactory() migration.SessionFactory {
	return func(spec hostspec.Spec) (migration.Session, error) {
		sessionConfig := remote.Config{
			Spec:   spec,
			Clock:  clock.WallClock,
			Dialer: remote.DialerFunc(remote.SSHDial),
		}
		if c.verbose {
			sessionConfig.Verbose = os.Stdout
		}
		return remote.New(sessionConfig)
	}
}
