// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package engine performs the filesystem transfer at the heart of a
// migration: it prepares both hosts, elects a transfer address, and
// drives two rsync passes under watchdog supervision.
package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/cloudflock/cloudflock/core/hostspec"
	"github.com/cloudflock/cloudflock/internal/remote"
	"github.com/cloudflock/cloudflock/internal/worker/watchdog"
)

var logger = loggo.GetLogger("cloudflock.engine")

// Filesystem layout shared by both hosts during a migration.
const (
	DataDir            = "/root/.cloudflock"
	ExclusionsPath     = DataDir + "/migration_exclusions"
	PrivateKeyPath     = DataDir + "/migration_id_rsa"
	PublicKeyPath      = PrivateKeyPath + ".pub"
	MountPoint         = "/mnt/migration_target"
	DefaultBlockDevice = "/dev/xvdb1"
)

const (
	probeTimeout   = 30 * time.Second
	installTimeout = 300 * time.Second
	keygenTimeout  = 3600 * time.Second
	rsyncTimeout   = 7200 * time.Second

	healthPollInterval = 30 * time.Second
	rsyncRetries       = 3
)

// ErrNoRsync is returned when rsync is neither installed nor vendable.
const ErrNoRsync = errors.ConstError("rsync not available")

// errCancelled unwinds a pass cancelled by a watchdog reaction.
const errCancelled = errors.ConstError("transfer cancelled by watchdog")

// Runner is the slice of a session the engine drives. The source runner
// must also be interruptible so watchdog reactions can cancel an
// in-flight rsync.
type Runner interface {
	Query(cmd string, timeout time.Duration, recoverable bool) (string, error)
	AsRoot(cmd string, timeout time.Duration, recoverable bool) (string, error)
	Interrupt()
	Spec() hostspec.Spec
}

// Config wires an Engine.
type Config struct {
	Source      Runner
	Destination Runner
	// Exclusions is the newline-joined path list for --exclude-from.
	Exclusions string
	Clock      clock.Clock
	// BlockDevice is the destination root device, /dev/xvdb1 by default.
	BlockDevice string
}

// Validate implements the usual config contract.
func (c Config) Validate() error {
	if c.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if c.Destination == nil {
		return errors.NotValidf("nil Destination")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Engine runs the transfer protocol. It borrows both sessions and never
// closes them.
type Engine struct {
	config Config
	clock  clock.Clock

	mu        sync.Mutex
	cancelled bool
	watchdogs []*watchdog.Watchdog
}

// New builds an Engine.
func New(config Config) (*Engine, error) {
	if config.BlockDevice == "" {
		config.BlockDevice = DefaultBlockDevice
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Engine{config: config, clock: config.Clock}, nil
}

// Run performs the whole transfer. On return the destination mount point
// holds a consistent snapshot of the source minus exclusions, and both
// sessions remain open.
func (e *Engine) Run() error {
	publicKey, err := e.provisionKeypair()
	if err != nil {
		return errors.Annotate(err, "provisioning keypair")
	}
	if err := e.prepareDestination(publicKey); err != nil {
		return errors.Annotate(err, "preparing destination")
	}
	if err := e.prepareSource(); err != nil {
		return errors.Annotate(err, "preparing source")
	}
	target, err := e.selectTargetAddress()
	if err != nil {
		return errors.Annotate(err, "selecting target address")
	}
	logger.Infof("transferring to %q", target)

	if err := e.startWatchdogs(); err != nil {
		return errors.Annotate(err, "starting watchdogs")
	}
	defer e.stopWatchdogs()

	for {
		if err := e.waitHealthy(); err != nil {
			return errors.Trace(err)
		}
		err := e.runPasses(target)
		if err == nil {
			return nil
		}
		if errors.Is(err, errCancelled) {
			logger.Warningf("transfer cancelled by watchdog alarm; returning to health gate")
			continue
		}
		return errors.Trace(err)
	}
}

// provisionKeypair creates the migration keypair on the source and
// returns the public key.
func (e *Engine) provisionKeypair() (string, error) {
	src := e.config.Source
	if _, err := src.AsRoot("mkdir -p "+DataDir, probeTimeout, false); err != nil {
		return "", errors.Trace(err)
	}
	keygen := fmt.Sprintf("test -f %s || ssh-keygen -t rsa -b 4096 -N '' -f %s", PrivateKeyPath, PrivateKeyPath)
	if _, err := src.AsRoot(keygen, keygenTimeout, false); err != nil {
		return "", errors.Trace(err)
	}
	publicKey, err := src.AsRoot("cat "+PublicKeyPath, probeTimeout, false)
	if err != nil {
		return "", errors.Trace(err)
	}
	if strings.TrimSpace(publicKey) == "" {
		return "", errors.Errorf("empty public key at %s", PublicKeyPath)
	}
	return strings.TrimSpace(publicKey), nil
}

// prepareDestination mounts the target root, backs up its identity
// files, makes sure rsync exists and installs the source's public key.
func (e *Engine) prepareDestination(publicKey string) error {
	dst := e.config.Destination
	if _, err := dst.AsRoot("mkdir -p "+MountPoint, probeTimeout, false); err != nil {
		return errors.Trace(err)
	}
	mount := fmt.Sprintf("mount | grep -q %s || mount -o acl %s %s", MountPoint, e.config.BlockDevice, MountPoint)
	if _, err := dst.AsRoot(mount, installTimeout, false); err != nil {
		return errors.Trace(err)
	}
	for _, file := range []string{"passwd", "shadow", "group"} {
		backup := fmt.Sprintf("test -f %[1]s/etc/%[2]s.migration || cp %[1]s/etc/%[2]s %[1]s/etc/%[2]s.migration",
			MountPoint, file)
		if _, err := dst.AsRoot(backup, probeTimeout, false); err != nil {
			return errors.Trace(err)
		}
	}
	if err := e.ensureDestinationRsync(); err != nil {
		return errors.Trace(err)
	}
	install := fmt.Sprintf("mkdir -p $HOME/.ssh && chmod 0700 $HOME/.ssh && echo '%s' >> $HOME/.ssh/authorized_keys", publicKey)
	if _, err := dst.AsRoot(install, probeTimeout, false); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// ensureDestinationRsync installs rsync through whichever package
// manager the destination has.
func (e *Engine) ensureDestinationRsync() error {
	dst := e.config.Destination
	if path, _ := dst.AsRoot("which rsync 2>/dev/null", probeTimeout, true); strings.TrimSpace(path) != "" {
		return nil
	}
	manager, _ := dst.AsRoot("which yum apt-get 2>/dev/null | head -1", probeTimeout, true)
	manager = strings.TrimSpace(manager)
	if manager == "" {
		return errors.Annotate(ErrNoRsync, "no package manager found on destination")
	}
	if _, err := dst.AsRoot(manager+" -y install rsync", installTimeout, false); err != nil {
		return errors.Annotate(err, "installing rsync")
	}
	if path, _ := dst.AsRoot("which rsync 2>/dev/null", probeTimeout, true); strings.TrimSpace(path) == "" {
		return errors.Annotate(ErrNoRsync, "install completed but rsync still missing")
	}
	return nil
}

// prepareSource writes the exclusions file and makes sure the source can
// run rsync, vending the binary from the destination if needed.
func (e *Engine) prepareSource() error {
	src := e.config.Source
	if _, err := src.AsRoot("mkdir -p "+DataDir, probeTimeout, false); err != nil {
		return errors.Trace(err)
	}
	write := remote.WriteFileCommand(ExclusionsPath, e.config.Exclusions)
	if _, err := src.AsRoot(write, probeTimeout, false); err != nil {
		return errors.Annotate(err, "writing exclusions")
	}
	if path, _ := src.AsRoot("which rsync 2>/dev/null", probeTimeout, true); strings.TrimSpace(path) != "" {
		return nil
	}
	logger.Infof("rsync missing on source; vending from destination")
	dstPath, err := e.config.Destination.AsRoot("which rsync", probeTimeout, false)
	if err != nil {
		return errors.Annotate(ErrNoRsync, "destination has no rsync to vend")
	}
	scp := fmt.Sprintf("scp %s -i %s root@%s:%s %s/rsync && chmod 0755 %s/rsync",
		remote.SSHOptions, PrivateKeyPath, e.config.Destination.Spec().Hostname,
		strings.TrimSpace(dstPath), DataDir, DataDir)
	if _, err := src.AsRoot(scp, installTimeout, false); err != nil {
		return errors.Annotate(ErrNoRsync, "vending rsync from destination failed")
	}
	return nil
}

// startWatchdogs supervises the source for load and memory pressure and
// the destination additionally for disk space.
func (e *Engine) startWatchdogs() error {
	type build struct {
		construct func(watchdog.Runner, clock.Clock) (*watchdog.Watchdog, error)
		runner    Runner
		alarm     string
	}
	builds := []build{
		{watchdog.NewSystemLoad, e.config.Source, "system_load"},
		{watchdog.NewUtilizedMemory, e.config.Source, "utilized_memory"},
		{watchdog.NewSystemLoad, e.config.Destination, "system_load"},
		{watchdog.NewUtilizedMemory, e.config.Destination, "utilized_memory"},
		{watchdog.NewUsedSpace, e.config.Destination, "used_space"},
	}
	for _, b := range builds {
		w, err := b.construct(b.runner, e.clock)
		if err != nil {
			return errors.Trace(err)
		}
		w.OnAlarm(b.alarm, e.cancelTransfer)
		w.Start()
		e.mu.Lock()
		e.watchdogs = append(e.watchdogs, w)
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) stopWatchdogs() {
	e.mu.Lock()
	dogs := e.watchdogs
	e.watchdogs = nil
	e.mu.Unlock()
	for _, w := range dogs {
		if err := w.Stop(); err != nil {
			logger.Warningf("stopping watchdog %q: %v", w.Name(), err)
		}
	}
}

// cancelTransfer is the reaction hung off every watchdog alarm: it
// delivers a deadline to the source session's in-flight rsync.
func (e *Engine) cancelTransfer() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
	e.config.Source.Interrupt()
}

func (e *Engine) takeCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	was := e.cancelled
	e.cancelled = false
	return was
}

// triggeredAlarms collects the raised alarm names across all watchdogs.
func (e *Engine) triggeredAlarms() []string {
	e.mu.Lock()
	dogs := append([]*watchdog.Watchdog(nil), e.watchdogs...)
	e.mu.Unlock()
	var names []string
	for _, w := range dogs {
		for _, name := range w.Triggered() {
			names = append(names, w.Name()+":"+name)
		}
	}
	return names
}

// waitHealthy blocks until no watchdog alarm is raised, checking every
// thirty seconds.
func (e *Engine) waitHealthy() error {
	for {
		triggered := e.triggeredAlarms()
		if len(triggered) == 0 {
			e.takeCancelled()
			return nil
		}
		logger.Infof("waiting for alarms to clear: %s", strings.Join(triggered, ", "))
		<-e.clock.After(healthPollInterval)
	}
}

// runPasses runs the two sequential rsync passes, widening the
// exclusions between them so the second pass picks up log deltas.
func (e *Engine) runPasses(target string) error {
	if err := e.runPass(target, 1); err != nil {
		return errors.Trace(err)
	}
	edit := fmt.Sprintf("sed -i 's|/var/log||g' %s", ExclusionsPath)
	if _, err := e.config.Source.AsRoot(edit, probeTimeout, false); err != nil {
		if e.takeCancelled() {
			return errCancelled
		}
		return errors.Annotate(err, "editing exclusions between passes")
	}
	if err := e.runPass(target, 2); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// passWorker runs one rsync invocation as its own task, so the transfer
// occupies exactly one worker slot and cancellation has something to
// kill.
type passWorker struct {
	tomb tomb.Tomb
}

func (e *Engine) startPass(cmd string) *passWorker {
	w := &passWorker{}
	w.tomb.Go(func() error {
		_, err := e.config.Source.AsRoot(cmd, rsyncTimeout, false)
		return err
	})
	return w
}

// Kill is part of the worker.Worker interface.
func (w *passWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *passWorker) Wait() error {
	return w.tomb.Wait()
}

// runPass executes one rsync pass, retrying a bounded number of times on
// genuine timeouts. Partial transfers resume; rsync runs with -P.
func (e *Engine) runPass(target string, pass int) error {
	cmd := e.rsyncCommand(target)
	for attempt := 1; ; attempt++ {
		logger.Infof("rsync pass %d attempt %d", pass, attempt)
		err := e.startPass(cmd).Wait()
		if e.takeCancelled() {
			return errCancelled
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, remote.ErrDeadlineExceeded) {
			return errors.Annotatef(err, "rsync pass %d", pass)
		}
		if attempt >= rsyncRetries {
			return errors.Annotatef(err, "rsync pass %d failed after %d timeouts", pass, rsyncRetries)
		}
	}
}

func (e *Engine) rsyncCommand(target string) string {
	// A vended binary in the data directory takes priority.
	return fmt.Sprintf("test -x %[1]s/rsync && RSYNC=%[1]s/rsync || RSYNC=rsync; "+
		"$RSYNC -azP -e 'ssh %[2]s -i %[3]s' --exclude-from=%[4]s / %[5]s:%[6]s",
		DataDir, remote.SSHOptions, PrivateKeyPath, ExclusionsPath, target, MountPoint)
}
