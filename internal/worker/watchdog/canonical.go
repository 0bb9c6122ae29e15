// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package watchdog

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// The engine's standard watchdogs. Each constructor registers a default
// alarm named after the watchdog; the engine hangs its reaction off that
// name.

// NewUsedSpace watches used/total disk space across mounted filesystems
// and alarms above 95%.
func NewUsedSpace(runner Runner, clk clock.Clock) (*Watchdog, error) {
	w, err := New(Config{
		Name:      "used_space",
		Runner:    runner,
		Command:   "df -k",
		Transform: diskRatio,
		Clock:     clk,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	w.AddAlarm("used_space", func(state float64) bool { return state > 0.95 })
	return w, nil
}

// NewSystemLoad watches the 15-minute load average and alarms above 10.
func NewSystemLoad(runner Runner, clk clock.Clock) (*Watchdog, error) {
	w, err := New(Config{
		Name:      "system_load",
		Runner:    runner,
		Command:   "uptime",
		Transform: loadAverage,
		Clock:     clk,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	w.AddAlarm("system_load", func(state float64) bool { return state > 10 })
	return w, nil
}

// NewUtilizedMemory watches swap_used/swap_total and alarms above 25%.
func NewUtilizedMemory(runner Runner, clk clock.Clock) (*Watchdog, error) {
	w, err := New(Config{
		Name:      "utilized_memory",
		Runner:    runner,
		Command:   "free -m",
		Transform: swapRatio,
		Clock:     clk,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	w.AddAlarm("utilized_memory", func(state float64) bool { return state > 0.25 })
	return w, nil
}

// diskRatio sums used and total blocks over df rows with numeric
// columns and reports used/total.
func diskRatio(out string) (float64, error) {
	var used, total int64
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		blocks, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		u, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		total += blocks
		used += u
	}
	if total == 0 {
		return 0, errors.Errorf("no filesystem rows in %q", out)
	}
	return float64(used) / float64(total), nil
}

var loadPattern = regexp.MustCompile(`load averages?: ([0-9.]+),? ([0-9.]+),? ([0-9.]+)`)

// loadAverage reports the 15-minute load average from uptime output.
func loadAverage(out string) (float64, error) {
	m := loadPattern.FindStringSubmatch(out)
	if m == nil {
		return 0, errors.Errorf("no load averages in %q", out)
	}
	v, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return v, nil
}

// swapRatio reports swap_used/swap_total from free output; a host with
// no swap at all reports zero.
func swapRatio(out string) (float64, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "Swap:" {
			continue
		}
		total, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, errors.Trace(err)
		}
		used, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if total == 0 {
			return 0, nil
		}
		return float64(used) / float64(total), nil
	}
	return 0, errors.Errorf("no swap row in %q", out)
}
