// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package openstack provisions destination hosts on an
// OpenStack-compatible cloud through goose.
package openstack

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-goose/goose/v5/client"
	goosehttp "github.com/go-goose/goose/v5/http"
	"github.com/go-goose/goose/v5/identity"
	"github.com/go-goose/goose/v5/nova"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"github.com/juju/utils/v4"

	"github.com/cloudflock/cloudflock/core/hostspec"
	"github.com/cloudflock/cloudflock/internal/provider"
)

var logger = loggo.GetLogger("cloudflock.provider.openstack")

const (
	readyPollDelay   = 10 * time.Second
	readyTimeout     = 3600 * time.Second
	automationMarker = "/tmp/rs_managed_cloud_automation_complete"
)

// Config locates and authenticates against one region of the cloud.
type Config struct {
	IdentityURL string
	Username    string
	APIKey      string
	TenantName  string
	Region      string
	Clock       clock.Clock
}

// Validate implements the usual config contract.
func (c Config) Validate() error {
	if c.IdentityURL == "" {
		return errors.NotValidf("empty IdentityURL")
	}
	if c.Username == "" || c.APIKey == "" {
		return errors.NotValidf("missing credentials")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Provisioner implements provider.Provisioner over nova.
type Provisioner struct {
	config Config
	client client.AuthenticatingClient
	nova   *nova.Client

	// passwords remembers the root password injected into each
	// instance's cloud-init so WaitUntilReady can hand back a complete
	// spec.
	passwords map[string]string
}

var _ provider.Provisioner = (*Provisioner)(nil)

// New authenticates and returns a Provisioner for the configured region.
func New(config Config) (*Provisioner, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	creds := identity.Credentials{
		URL:        config.IdentityURL,
		User:       config.Username,
		Secrets:    config.APIKey,
		TenantName: config.TenantName,
		Region:     config.Region,
	}
	authClient := client.NewClient(&creds, identity.AuthUserPass, nil)
	return &Provisioner{
		config:    config,
		client:    authClient,
		nova:      nova.New(authClient),
		passwords: make(map[string]string),
	}, nil
}

// CreateInstance boots a server whose root password is set by cloud-init
// so the engine can log straight in.
func (p *Provisioner) CreateInstance(imageID, flavorID, name string) (*provider.Instance, error) {
	if err := p.verifyFlavor(flavorID); err != nil {
		return nil, errors.Trace(err)
	}
	password := utils.RandomString(24, append(utils.LowerAlpha, utils.Digits...))
	opts := nova.RunServerOpts{
		Name:     name,
		FlavorId: flavorID,
		ImageId:  imageID,
		UserData: rootPasswordUserData(password),
	}
	server, err := p.nova.RunServer(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "creating instance %q", name)
	}
	p.passwords[server.Id] = password
	logger.Infof("created instance %q (%s)", name, server.Id)
	return &provider.Instance{
		ID: server.Id,
		Spec: hostspec.Spec{
			User:     "root",
			Password: password,
		},
	}, nil
}

// verifyFlavor checks the catalog id against the region's flavor list.
// Listing failures are advisory; nova rejects a bad id anyway.
func (p *Provisioner) verifyFlavor(id string) error {
	flavors, err := p.nova.ListFlavorsDetail()
	if err != nil {
		logger.Debugf("cannot list flavors: %v", err)
		return nil
	}
	for _, flavor := range flavors {
		if flavor.Id == id {
			return nil
		}
	}
	return errors.NotFoundf("flavor %q in region %q", id, p.config.Region)
}

// WaitUntilReady polls until the server is ACTIVE and fills in its
// address.
func (p *Provisioner) WaitUntilReady(id string) (hostspec.Spec, error) {
	var detail *nova.ServerDetail
	errStillBuilding := errors.Errorf("instance %q still building", id)
	err := retry.Call(retry.CallArgs{
		Clock:       p.config.Clock,
		Delay:       readyPollDelay,
		MaxDuration: readyTimeout,
		Func: func() error {
			var err error
			detail, err = p.nova.GetServer(id)
			if err != nil {
				return errors.Trace(err)
			}
			switch detail.Status {
			case nova.StatusActive:
				return nil
			case nova.StatusError:
				return errors.Errorf("instance %q entered ERROR state", id)
			default:
				return errStillBuilding
			}
		},
		IsFatalError: func(err error) bool {
			return err != errStillBuilding
		},
	})
	if err != nil {
		return hostspec.Spec{}, errors.Trace(err)
	}
	address := pickAddress(detail.Addresses)
	if address == "" {
		return hostspec.Spec{}, errors.Errorf("instance %q has no IPv4 address", id)
	}
	return hostspec.Spec{
		Hostname: address,
		User:     "root",
		Password: p.passwords[id],
	}, nil
}

// WaitUntilManagedAutomationDone watches for the provider's automation
// marker through an open session on the instance.
func (p *Provisioner) WaitUntilManagedAutomationDone(session provider.Runner) error {
	return errors.Trace(retry.Call(retry.CallArgs{
		Clock:       p.config.Clock,
		Delay:       readyPollDelay,
		MaxDuration: readyTimeout,
		Func: func() error {
			out, err := session.Query("test -f "+automationMarker+" && echo done", 30*time.Second, true)
			if err != nil {
				return errors.Trace(err)
			}
			if out == "" {
				return errors.Errorf("managed automation still running")
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return false
		},
	}))
}

// RescueMode asks nova to boot the instance into its rescue environment
// and returns the password for it.
func (p *Provisioner) RescueMode(id string) (string, error) {
	var resp struct {
		AdminPass string `json:"adminPass"`
	}
	req := struct {
		Rescue map[string]string `json:"rescue"`
	}{Rescue: map[string]string{}}
	requestData := goosehttp.RequestData{
		ReqValue:       &req,
		RespValue:      &resp,
		ExpectedStatus: []int{200},
	}
	err := p.client.SendRequest("POST", "compute", "v2",
		fmt.Sprintf("servers/%s/action", id), &requestData)
	if err != nil {
		return "", errors.Annotatef(err, "rescuing instance %q", id)
	}
	return resp.AdminPass, nil
}

// Destroy deletes the instance.
func (p *Provisioner) Destroy(id string) error {
	delete(p.passwords, id)
	return errors.Annotatef(p.nova.DeleteServer(id), "destroying instance %q", id)
}

// rootPasswordUserData renders the cloud-config that sets the root
// password and keeps password auth on for the migration.
func rootPasswordUserData(password string) []byte {
	return []byte(fmt.Sprintf(`#cloud-config
ssh_pwauth: true
disable_root: false
chpasswd:
  expire: false
  list: |
    root:%s
`, password))
}

// pickAddress chooses a reachable IPv4 address, preferring the network
// labelled public.
func pickAddress(addresses map[string][]nova.IPAddress) string {
	ipv4 := func(addrs []nova.IPAddress) string {
		for _, addr := range addrs {
			if addr.Version == 0 || addr.Version == 4 {
				return addr.Address
			}
		}
		return ""
	}
	if addr := ipv4(addresses["public"]); addr != "" {
		return addr
	}
	labels := make([]string, 0, len(addresses))
	for label := range addresses {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		if addr := ipv4(addresses[label]); addr != "" {
			return addr
		}
	}
	return ""
}
