// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cleanup makes the migrated filesystem bootable: it binds the
// pseudo filesystems, runs the platform's chroot steps, unwinds the
// mounts and restores the provider's auxiliary users.
package cleanup

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/cloudflock/cloudflock/core/cpe"
	"github.com/cloudflock/cloudflock/internal/engine"
	"github.com/cloudflock/cloudflock/internal/platform/action"
	"github.com/cloudflock/cloudflock/internal/remote"
)

var logger = loggo.GetLogger("cloudflock.cleanup")

const probeTimeout = 30 * time.Second

// auxiliaryUsers are restored from the pre-migration backups when the
// destination image had them.
var auxiliaryUsers = []string{"rack", "rackconnect"}

// Runner is the slice of the destination session the cleanup needs.
type Runner interface {
	AsRoot(cmd string, timeout time.Duration, recoverable bool) (string, error)
}

// Run writes the three phase scripts onto the destination and executes
// them in strict order. Phase failures are logged and later phases still
// run; only the inability to stage the scripts is an error.
func Run(session Runner, platform cpe.CPE) error {
	if session == nil {
		return errors.NotValidf("nil session")
	}
	plan := action.Cleanup(platform)

	prePath := engine.DataDir + "/pre.sh"
	chrootPath := engine.MountPoint + engine.DataDir + "/chroot.sh"
	postPath := engine.DataDir + "/post.sh"

	stage := []struct {
		dir, path, script string
	}{
		{engine.DataDir, prePath, action.Script(plan.Pre)},
		{engine.MountPoint + engine.DataDir, chrootPath, action.Script(plan.Chroot)},
		{engine.DataDir, postPath, action.Script(plan.Post)},
	}
	for _, s := range stage {
		if _, err := session.AsRoot("mkdir -p "+s.dir, probeTimeout, false); err != nil {
			return errors.Trace(err)
		}
		if _, err := session.AsRoot(remote.WriteFileCommand(s.path, s.script), probeTimeout, false); err != nil {
			return errors.Annotatef(err, "staging %s", s.path)
		}
	}

	// The chroot steps can legitimately run for a long time; no phase
	// carries a deadline.
	phases := []string{
		"/bin/sh " + prePath,
		fmt.Sprintf("chroot %s /bin/sh -C %s/chroot.sh", engine.MountPoint, engine.DataDir),
		"/bin/sh " + postPath,
	}
	for _, phase := range phases {
		if out, err := session.AsRoot(phase, 0, false); err != nil {
			logger.Errorf("cleanup phase %q failed: %v (output %q)", phase, err, out)
		}
	}

	restoreUsers(session)
	return nil
}

// restoreUsers puts back the provider management users recorded in the
// .migration backups, with their original password hashes and
// passwordless sudo. Entirely best-effort.
func restoreUsers(session Runner) {
	for _, user := range auxiliaryUsers {
		present, err := session.AsRoot(
			fmt.Sprintf("grep '^%s:' %s/etc/passwd.migration 2>/dev/null", user, engine.MountPoint),
			probeTimeout, true)
		if err != nil || strings.TrimSpace(present) == "" {
			continue
		}
		logger.Infof("restoring auxiliary user %q", user)
		steps := []string{
			fmt.Sprintf("chroot %s /usr/sbin/useradd -m %s 2>/dev/null || true", engine.MountPoint, user),
			fmt.Sprintf("hash=$(grep '^%[1]s:' %[2]s/etc/shadow.migration | cut -d: -f2); "+
				"sed -i \"s|^%[1]s:[^:]*:|%[1]s:$hash:|\" %[2]s/etc/shadow", user, engine.MountPoint),
			fmt.Sprintf("chroot %s chown -R %s:%s /home/%s 2>/dev/null || true", engine.MountPoint, user, user, user),
			fmt.Sprintf("echo '%s ALL=(ALL) NOPASSWD: ALL' >> %s/etc/sudoers", user, engine.MountPoint),
		}
		for _, step := range steps {
			if _, err := session.AsRoot(step, probeTimeout, false); err != nil {
				logger.Warningf("restoring user %q: %v", user, err)
				break
			}
		}
	}
}
