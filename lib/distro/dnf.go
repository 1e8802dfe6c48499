// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package distro

import (
	"context"
	"fmt"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
)

type fedora struct{}

func (fedora) Traits() Traits {
	return Traits{
		Family:         "dnf",
		CacheMounts:    []CacheMount{{Tree: "var/cache/dnf"}},
		KernelPackages: []string{"kernel-core", "kernel-modules", "dracut", "binutils"},
	}
}

func (fedora) Install(ctx context.Context, t *Tree) error {
	b := t.Build
	t.Logger.Info("installing distribution",
		"distribution", b.Distribution.Name, "release", b.Distribution.Release)

	pkgs := newPackageSet("fedora-release", "systemd", "glibc-minimal-langpack")
	pkgs.add(b.Packages.Install...)
	if t.BuildPass {
		pkgs.add(b.Packages.BuildInstall...)
	} else {
		if b.Output.Bootable {
			pkgs.add("kernel-core", "kernel-modules", "dracut", "binutils", "systemd-udev")
		}
		if b.Host.NetworkVeth {
			pkgs.add("systemd-networkd")
		}
	}

	var repos []repo
	if m := b.Distribution.Mirror; m != "" {
		arch := string(b.Distribution.Architecture)
		release := b.Distribution.Release
		repos = []repo{
			{"fedora", m + "/releases/" + release + "/Everything/" + arch + "/os/"},
			{"updates", m + "/updates/" + release + "/Everything/" + arch + "/"},
		}
	}
	return invokeDNF(ctx, t, repos, pkgs)
}

type centos struct{}

func (centos) Traits() Traits {
	return Traits{
		Family: "dnf",
		// yum may just be dnf redirected, so both caches are kept.
		CacheMounts: []CacheMount{
			{Sub: "yum", Tree: "var/cache/yum"},
			{Sub: "dnf", Tree: "var/cache/dnf"},
		},
		KernelPackages: []string{"kernel", "dracut", "binutils"},
	}
}

func (centos) Install(ctx context.Context, t *Tree) error {
	b := t.Build
	t.Logger.Info("installing distribution",
		"distribution", b.Distribution.Name, "release", b.Distribution.Release)

	pkgs := newPackageSet("centos-release", "systemd")
	pkgs.add(b.Packages.Install...)
	if t.BuildPass {
		pkgs.add(b.Packages.BuildInstall...)
	} else {
		if b.Output.Bootable {
			pkgs.add("kernel", "dracut", "binutils")
			if !b.Distribution.OlderThanCentOS8() {
				// systemd-udev does not exist as a package on CentOS 7.
				pkgs.add("systemd-udev")
			}
		}
		if b.Host.NetworkVeth {
			pkgs.add("systemd-networkd")
		}
	}

	var repos []repo
	if m := b.Distribution.Mirror; m != "" {
		arch := string(b.Distribution.Architecture)
		release := b.Distribution.Release
		if b.Distribution.OlderThanCentOS8() {
			repos = []repo{
				{"base", m + "/centos/" + release + "/os/" + arch + "/"},
				{"updates", m + "/centos/" + release + "/updates/" + arch + "/"},
				{"extras", m + "/centos/" + release + "/extras/" + arch + "/"},
			}
		} else {
			repos = []repo{
				{"BaseOS", m + "/centos/" + release + "/BaseOS/" + arch + "/os"},
				{"AppStream", m + "/centos/" + release + "/AppStream/" + arch + "/os"},
				{"extras", m + "/centos/" + release + "/extras/" + arch + "/os"},
			}
		}
	}
	return invokeDNF(ctx, t, repos, pkgs)
}

// repo is one ad-hoc dnf repository passed via --repofrompath.
type repo struct {
	id  string
	url string
}

// invokeDNF runs dnf on the build host against the tree root. With
// explicit repositories the host's definitions are masked; without,
// the host's repositories serve at the configured release.
func invokeDNF(ctx context.Context, t *Tree, repos []repo, pkgs packageSet) error {
	b := t.Build

	if !t.BuildPass {
		addRPMBootPackages(b, pkgs)
		if b.Host.SSH {
			pkgs.add("openssh-server")
		}
	}

	argv := []string{
		"dnf",
		"--assumeyes",
		"--releasever=" + b.Distribution.Release,
		"--installroot=" + t.Root,
		"--setopt=install_weak_deps=0",
		"--setopt=keepcache=1",
	}
	if len(repos) > 0 {
		for _, r := range repos {
			argv = append(argv, fmt.Sprintf("--repofrompath=%s,%s", r.id, r.url))
		}
		argv = append(argv, "--setopt=reposdir=/dev/null")
	}
	for _, name := range b.Distribution.Repositories {
		argv = append(argv, "--enablerepo="+name)
	}
	if !b.Packages.WithDocs {
		argv = append(argv, "--nodocs")
	}
	argv = append(argv, "install")
	argv = append(argv, pkgs.sorted()...)

	return t.Runner.Run(ctx, osexec.Spec{Argv: argv})
}

// addRPMBootPackages adds the tools dracut needs in the image to
// assemble and mount the configured root filesystem.
func addRPMBootPackages(b *config.Build, pkgs packageSet) {
	if !b.Output.Bootable {
		return
	}
	if b.Output.Encrypt != "" || b.Output.Verity {
		pkgs.add("cryptsetup")
	}
	switch b.Output.Format {
	case config.FormatGPTExt4:
		pkgs.add("e2fsprogs")
	case config.FormatGPTXFS:
		pkgs.add("xfsprogs")
	case config.FormatGPTBtrfs:
		pkgs.add("btrfs-progs")
	}
	if b.Layout.BIOSBoot != 0 {
		pkgs.add("grub2-pc")
	}
}
