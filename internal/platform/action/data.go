// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package action

// Layer payloads, keyed by action-path element. The keys mirror
// cpe.ActionPath(): "unix" is the base, then vendor ("redhat",
// "centos", ...), then product+major ("linux5", "linux6", ...).

var exclusionLayers = map[string][]string{
	"unix": {
		"/boot",
		"/dev",
		"/etc/fstab",
		"/etc/mdadm*",
		"/etc/mtab",
		"/etc/mdadm.conf",
		"/etc/resolv.conf",
		"/etc/sysconfig/network",
		"/etc/sysconfig/network-scripts/ifcfg-*",
		"/etc/udev",
		"/lib/modules",
		"/lost+found",
		"/mnt",
		"/net",
		"/proc",
		"/root/.cloudflock",
		"/sys",
		"/tmp",
		"/usr/src",
		"/var/cache/yum",
		"/var/lock",
		"/var/log",
		"/var/run",
	},
	"debian": {
		"/etc/network/interfaces",
		"/var/cache/apt",
	},
	"ubuntu": {
		"/etc/network/interfaces",
		"/etc/init/networking.conf",
		"/var/cache/apt",
	},
	"arch": {
		"/etc/rc.conf",
	},
	"gentoo": {
		"/etc/conf.d/net",
	},
	"suse": {
		"/etc/sysconfig/network/ifcfg-*",
	},
	"opensuse": {
		"/etc/sysconfig/network/ifcfg-*",
	},
	"fedora": {
		"/var/cache/dnf",
	},
	"linux5": {
		"/etc/modprobe.conf",
	},
	"linux6": {
		"/etc/modprobe.d",
	},
}

var cleanupPreLayers = map[string][]string{
	"unix": {
		"mount -o bind /proc /mnt/migration_target/proc",
		"mount -o bind /dev /mnt/migration_target/dev",
		"mount -o bind /sys /mnt/migration_target/sys",
		"rm -rf /mnt/migration_target/var/run/*",
		"mkdir -p /mnt/migration_target/root/.cloudflock",
	},
}

var cleanupChrootLayers = map[string][]string{
	"unix": {
		"rm -f /etc/udev/rules.d/70-persistent-net.rules",
		"rm -f /var/run/*.pid",
		"rm -f /var/lock/subsys/*",
		"rm -f /core*",
	},
	"redhat": {
		"chkconfig kudzu off 2>/dev/null || true",
		"sed -i '/^HWADDR/d' /etc/sysconfig/network-scripts/ifcfg-eth* 2>/dev/null || true",
	},
	"centos": {
		"sed -i '/^HWADDR/d' /etc/sysconfig/network-scripts/ifcfg-eth* 2>/dev/null || true",
	},
	"debian": {
		"rm -f /etc/udev/rules.d/z25_persistent-net.rules",
	},
	"ubuntu": {
		"rm -f /etc/udev/rules.d/z25_persistent-net.rules",
	},
	"gentoo": {
		"rc-update del net.eth0 default 2>/dev/null || true",
	},
	"arch": {
		"sed -i '/^eth0=/d' /etc/rc.conf 2>/dev/null || true",
	},
	"suse": {
		"sed -i '/^PERSISTENT_NAME/d' /etc/udev/rules.d/30-net_persistent_names.rules 2>/dev/null || true",
	},
	"linux5": {
		"mkinitrd -f /boot/initrd-$(uname -r).img $(uname -r) 2>/dev/null || true",
	},
}

var cleanupPostLayers = map[string][]string{
	"unix": {
		"umount /mnt/migration_target/sys",
		"umount /mnt/migration_target/dev",
		"umount /mnt/migration_target/proc",
	},
}
