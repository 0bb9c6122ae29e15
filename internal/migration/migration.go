// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package migration wires the whole pipeline together: profile the
// source, pick a destination shape, provision or resume, transfer,
// clean up and remediate.
package migration

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/cloudflock/cloudflock/core/hostspec"
	"github.com/cloudflock/cloudflock/internal/cleanup"
	"github.com/cloudflock/cloudflock/internal/engine"
	"github.com/cloudflock/cloudflock/internal/platform"
	"github.com/cloudflock/cloudflock/internal/platform/action"
	"github.com/cloudflock/cloudflock/internal/profiler"
	"github.com/cloudflock/cloudflock/internal/provider"
	"github.com/cloudflock/cloudflock/internal/remediate"
)

var logger = loggo.GetLogger("cloudflock.migration")

const superuserCheckTimeout = 30 * time.Second

// tailLines is how much PTY history a failure report shows.
const tailLines = 200

// State names the orchestrator's position in the pipeline.
type State string

const (
	StateStart              State = "start"
	StateConnectSource      State = "connect-source"
	StateProfile            State = "profile"
	StateRecommend          State = "recommend"
	StateProvision          State = "provision"
	StateConnectDestination State = "connect-destination"
	StateBuildExclusions    State = "build-exclusions"
	StateMigrate            State = "migrate"
	StateCleanup            State = "cleanup"
	StateRemediate          State = "remediate"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Session is the full session surface the orchestrator owns. Both the
// production remote.Session and the test fakes satisfy it.
type Session interface {
	Open() error
	Query(cmd string, timeout time.Duration, recoverable bool) (string, error)
	AsRoot(cmd string, timeout time.Duration, recoverable bool) (string, error)
	Interrupt()
	Spec() hostspec.Spec
	Tail(n int) []string
	Close() error
}

// SessionFactory builds a session for a host spec.
type SessionFactory func(spec hostspec.Spec) (Session, error)

// Config wires a Migrator.
type Config struct {
	Source hostspec.Spec
	// Destination is the pre-existing replacement host when resuming.
	Destination hostspec.Spec
	// Resume skips provisioning and uses Destination as-is.
	Resume bool
	// RescueInstanceID, with Resume, reboots the named instance into
	// its recovery environment first and logs in with the rescue
	// password instead of a configured one.
	RescueInstanceID string
	// Managed marks a managed account: image lookup uses the managed
	// map and the pipeline waits for post-boot automation.
	Managed bool
	// InstanceName names the provisioned replacement.
	InstanceName string

	Catalog     *platform.Catalog
	Provisioner provider.Provisioner
	NewSession  SessionFactory
	Clock       clock.Clock

	// TargetDirs overrides the remediation directories.
	TargetDirs []string

	// Notify, when set, observes every state transition; the CLI hangs
	// its progress display off it.
	Notify func(State)
}

// Validate implements the usual config contract.
func (c Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return errors.Annotate(err, "source")
	}
	switch {
	case c.Resume && c.RescueInstanceID != "":
		// The rescue password arrives at run time.
		if c.Destination.Hostname == "" {
			return errors.NotValidf("rescue resume without a destination hostname")
		}
		if c.Provisioner == nil {
			return errors.NotValidf("rescue resume without a Provisioner")
		}
	case c.Resume:
		if err := c.Destination.Validate(); err != nil {
			return errors.Annotate(err, "destination")
		}
	case c.Provisioner == nil:
		return errors.NotValidf("nil Provisioner without resume")
	}
	if c.Catalog == nil {
		return errors.NotValidf("nil Catalog")
	}
	if c.NewSession == nil {
		return errors.NotValidf("nil NewSession")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Result is what a completed pipeline hands back to the CLI.
type Result struct {
	Profile            *profiler.Profile
	Recommendation     platform.Recommendation
	Image              string
	InstanceID         string
	DestinationProfile *profiler.Profile
}

// Summary is the operator-facing completion report.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "flavor %s (%d MiB, %d GB) chosen for %s\n",
		r.Recommendation.Flavor.ID, r.Recommendation.Flavor.MemMiB,
		r.Recommendation.Flavor.DiskGB, r.Recommendation.Reason)
	fmt.Fprintf(&b, "image %s\n", r.Image)
	if r.InstanceID != "" {
		fmt.Fprintf(&b, "instance %s\n", r.InstanceID)
	}
	if r.Profile != nil && len(r.Profile.Warnings) > 0 {
		fmt.Fprintf(&b, "%d profile warnings\n", len(r.Profile.Warnings))
	}
	return b.String()
}

// Migrator runs the pipeline state machine.
type Migrator struct {
	config Config
	state  State
}

// New builds a Migrator.
func New(config Config) (*Migrator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Migrator{config: config, state: StateStart}, nil
}

// State reports the current pipeline state.
func (m *Migrator) State() State {
	return m.state
}

func (m *Migrator) to(state State) {
	logger.Infof("state %s -> %s", m.state, state)
	m.state = state
	if m.config.Notify != nil {
		m.config.Notify(state)
	}
}

// Run drives the pipeline to Done or Failed. Sessions opened along the
// way are closed before returning, whatever happens.
func (m *Migrator) Run() (*Result, error) {
	result := &Result{}

	m.to(StateConnectSource)
	source, err := m.config.NewSession(m.config.Source)
	if err != nil {
		return result, m.fail(nil, nil, errors.Trace(err))
	}
	defer func() { _ = source.Close() }()
	if err := source.Open(); err != nil {
		return result, m.fail(source, nil, errors.Annotate(err, "connecting to source"))
	}

	m.to(StateProfile)
	result.Profile, err = profiler.Run(source)
	if err != nil {
		return result, m.fail(source, nil, errors.Annotate(err, "profiling source"))
	}
	for _, warning := range result.Profile.Warnings {
		logger.Warningf("profile: %s", warning)
	}

	m.to(StateRecommend)
	result.Recommendation, result.Image, err = m.config.Catalog.Recommend(
		result.Profile.Platform, m.config.Managed, platform.Sizing{
			MemMiB:   result.Profile.MemoryUsedMiB(),
			DiskGB:   result.Profile.DiskUsedGB(),
			Swapping: result.Profile.Swapping(),
		})
	if err != nil {
		return result, m.fail(source, nil, errors.Trace(err))
	}
	logger.Infof("recommended flavor %s (%s), image %s",
		result.Recommendation.Flavor.ID, result.Recommendation.Reason, result.Image)

	destSpec := m.config.Destination
	if m.config.Resume && m.config.RescueInstanceID != "" {
		m.to(StateProvision)
		password, err := m.config.Provisioner.RescueMode(m.config.RescueInstanceID)
		if err != nil {
			return result, m.fail(source, nil, errors.Annotate(err, "entering rescue mode"))
		}
		destSpec.User = "root"
		destSpec.Password = password
		result.InstanceID = m.config.RescueInstanceID
	}
	if !m.config.Resume {
		m.to(StateProvision)
		instance, err := m.config.Provisioner.CreateInstance(
			result.Image, result.Recommendation.Flavor.ID, m.config.InstanceName)
		if err != nil {
			return result, m.fail(source, nil, errors.Annotate(err, "provisioning destination"))
		}
		result.InstanceID = instance.ID
		destSpec, err = m.config.Provisioner.WaitUntilReady(instance.ID)
		if err != nil {
			return result, m.fail(source, nil, errors.Annotate(err, "waiting for destination"))
		}
	}

	m.to(StateConnectDestination)
	destination, err := m.config.NewSession(destSpec)
	if err != nil {
		return result, m.fail(source, nil, errors.Trace(err))
	}
	defer func() { _ = destination.Close() }()
	if err := destination.Open(); err != nil {
		return result, m.fail(source, destination, errors.Annotate(err, "connecting to destination"))
	}
	if m.config.Managed && !m.config.Resume {
		if err := m.config.Provisioner.WaitUntilManagedAutomationDone(destination); err != nil {
			return result, m.fail(source, destination, errors.Annotate(err, "waiting for managed automation"))
		}
	}
	if err := m.assertSuperuser(source, destination); err != nil {
		return result, m.fail(source, destination, errors.Trace(err))
	}

	m.to(StateBuildExclusions)
	exclusions := action.Exclusions(result.Profile.Platform)

	m.to(StateMigrate)
	eng, err := engine.New(engine.Config{
		Source:      source,
		Destination: destination,
		Exclusions:  exclusions,
		Clock:       m.config.Clock,
	})
	if err != nil {
		return result, m.fail(source, destination, errors.Trace(err))
	}
	if err := eng.Run(); err != nil {
		// Cleanup is skipped: the mount holds an inconsistent tree.
		return result, m.fail(source, destination, errors.Annotate(err, "transfer failed"))
	}

	m.to(StateCleanup)
	if err := cleanup.Run(destination, result.Profile.Platform); err != nil {
		logger.Warningf("cleanup incomplete: %v", err)
	}

	m.to(StateRemediate)
	result.DestinationProfile, err = profiler.Run(destination)
	if err != nil {
		logger.Warningf("skipping remediation, cannot profile destination: %v", err)
	} else {
		pairs := remediate.SuggestPairs(result.Profile, result.DestinationProfile)
		if err := remediate.Run(destination, pairs, m.config.TargetDirs); err != nil {
			logger.Warningf("remediation incomplete: %v", err)
		}
	}

	m.to(StateDone)
	return result, nil
}

// assertSuperuser checks the Migrate precondition: both sessions
// answer id with uid 0.
func (m *Migrator) assertSuperuser(source, destination Session) error {
	for _, check := range []struct {
		name    string
		session Session
	}{{"source", source}, {"destination", destination}} {
		out, err := check.session.AsRoot("id", superuserCheckTimeout, false)
		if err != nil {
			return errors.Annotatef(err, "verifying %s superuser", check.name)
		}
		if !strings.Contains(out, "uid=0") {
			return errors.Errorf("%s session is not superuser: %q", check.name, out)
		}
	}
	return nil
}

// fail marks the terminal state and surfaces the PTY tails so the
// operator can see what the terminals last said.
func (m *Migrator) fail(source, destination Session, err error) error {
	m.to(StateFailed)
	for _, s := range []Session{source, destination} {
		if s == nil {
			continue
		}
		tail := s.Tail(tailLines)
		if len(tail) > 0 {
			logger.Errorf("PTY tail for %s:\n%s", s.Spec().Hostname, strings.Join(tail, "\n"))
		}
	}
	return err
}
