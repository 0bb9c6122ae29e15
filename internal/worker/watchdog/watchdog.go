// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package watchdog polls a host through a borrowed session and raises
// named alarms from the polled state. Reactions run inline with the poll
// and are expected to be cheap, typically cancelling a worker.
package watchdog

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

var _ worker.Worker = (*Watchdog)(nil)

var logger = loggo.GetLogger("cloudflock.watchdog")

const (
	// DefaultInterval is the poll cadence when the config leaves it zero.
	DefaultInterval = 30 * time.Second

	pollTimeout = 30 * time.Second
)

// Runner is the slice of the session a watchdog borrows. The watchdog
// never closes it.
type Runner interface {
	Query(cmd string, timeout time.Duration, recoverable bool) (string, error)
}

// Transform reduces raw probe output to the scalar state alarms are
// judged against.
type Transform func(output string) (float64, error)

// Config describes one watchdog.
type Config struct {
	Name      string
	Runner    Runner
	Command   string
	Interval  time.Duration
	Transform Transform
	Clock     clock.Clock
}

// Validate implements the usual config contract.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.NotValidf("empty Name")
	}
	if c.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	if c.Command == "" {
		return errors.NotValidf("empty Command")
	}
	if c.Transform == nil {
		return errors.NotValidf("nil Transform")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Watchdog is the poll-loop worker. Alarms and reactions are registered
// before Start.
type Watchdog struct {
	tomb   tomb.Tomb
	config Config

	mu        sync.Mutex
	runner    Runner
	state     float64
	haveState bool
	alarms    map[string]func(float64) bool
	reactions map[string]func()
	triggered map[string]bool
	started   bool
}

// New builds a stopped watchdog.
func New(config Config) (*Watchdog, error) {
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Watchdog{
		config:    config,
		runner:    config.Runner,
		alarms:    make(map[string]func(float64) bool),
		reactions: make(map[string]func()),
		triggered: make(map[string]bool),
	}, nil
}

// Name identifies the watchdog in logs and engine bookkeeping.
func (w *Watchdog) Name() string {
	return w.config.Name
}

// AddAlarm registers a predicate over the polled state.
func (w *Watchdog) AddAlarm(name string, predicate func(float64) bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alarms[name] = predicate
}

// OnAlarm registers the reaction run while the named alarm is raised.
func (w *Watchdog) OnAlarm(name string, reaction func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reactions[name] = reaction
}

// Start begins polling.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.tomb.Go(w.loop)
}

// State reports the last transformed poll result.
func (w *Watchdog) State() (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.haveState
}

// Triggered lists the alarms raised by the most recent poll, sorted.
func (w *Watchdog) Triggered() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var names []string
	for name, raised := range w.triggered {
		if raised {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Stop halts polling and drops the borrowed session reference. It is
// idempotent and never closes the session.
func (w *Watchdog) Stop() error {
	w.tomb.Kill(nil)
	err := w.tomb.Wait()
	w.mu.Lock()
	w.runner = nil
	w.mu.Unlock()
	return errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (w *Watchdog) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watchdog) Wait() error {
	return w.tomb.Wait()
}

func (w *Watchdog) loop() error {
	timer := w.config.Clock.NewTimer(w.config.Interval)
	defer timer.Stop()
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			w.poll()
			timer.Reset(w.config.Interval)
		}
	}
}

// poll probes, transforms and sweeps the alarms. Reactions run after the
// state is published so a reaction may inspect the watchdog itself.
func (w *Watchdog) poll() {
	w.mu.Lock()
	runner := w.runner
	w.mu.Unlock()
	if runner == nil {
		return
	}
	out, err := runner.Query(w.config.Command, pollTimeout, true)
	if err != nil {
		logger.Warningf("watchdog %q probe failed: %v", w.config.Name, err)
		return
	}
	state, err := w.config.Transform(out)
	if err != nil {
		logger.Warningf("watchdog %q transform failed: %v", w.config.Name, err)
		return
	}

	w.mu.Lock()
	w.state = state
	w.haveState = true
	var fire []func()
	names := make([]string, 0, len(w.alarms))
	for name := range w.alarms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		raised := w.alarms[name](state)
		w.triggered[name] = raised
		if raised {
			logger.Warningf("watchdog %q alarm %q raised (state %.3f)", w.config.Name, name, state)
			if reaction := w.reactions[name]; reaction != nil {
				fire = append(fire, reaction)
			}
		}
	}
	w.mu.Unlock()
	for _, reaction := range fire {
		reaction()
	}
}
