// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package distro

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/gpt"
	"github.com/osmith-project/osmith/lib/osexec"
)

// debianArchitectures maps uname -m architecture names to Debian's.
var debianArchitectures = map[gpt.Architecture]string{
	gpt.ArchX86_64:  "amd64",
	gpt.ArchAArch64: "arm64",
	gpt.ArchARMv7:   "armhf",
	gpt.ArchI686:    "i386",
}

// debianKernelPackages maps Debian architecture names to the matching
// kernel metapackage.
var debianKernelPackages = map[string]string{
	"amd64": "linux-image-amd64",
	"arm64": "linux-image-arm64",
	"armhf": "linux-image-armmp",
	"i386":  "linux-image-686",
}

// docPaths is what debootstrap installs that a documentation-free
// image drops, and what dpkg is told to exclude from later packages.
var docPaths = []string{
	"/usr/share/locale",
	"/usr/share/doc",
	"/usr/share/man",
	"/usr/share/groff",
	"/usr/share/info",
	"/usr/share/lintian",
	"/usr/share/linda",
}

// apt installs Debian and Ubuntu: debootstrap creates the minimal
// tree from the host, then a second apt-get stage inside the tree
// installs everything else, since apt resolves conflicts better than
// debootstrap's flat include list.
type apt struct {
	name config.Distribution
}

func (a apt) Traits() Traits {
	kernel := "linux-image-amd64"
	if a.name == config.Ubuntu {
		kernel = "linux-generic"
	}
	return Traits{
		Family:         "apt",
		CacheMounts:    []CacheMount{{Tree: "var/cache/apt/archives"}},
		KernelPackages: []string{kernel, "dracut", "binutils"},
	}
}

func (a apt) Install(ctx context.Context, t *Tree) error {
	b := t.Build
	t.Logger.Info("installing distribution",
		"distribution", b.Distribution.Name, "release", b.Distribution.Release)

	debarch, ok := debianArchitectures[b.Distribution.Architecture]
	if !ok {
		return fmt.Errorf("architecture %q has no Debian name", b.Distribution.Architecture)
	}

	components := append([]string(nil), b.Distribution.Repositories...)
	if len(components) == 0 {
		components = []string{"main"}
	}
	// dracut lives in universe on Ubuntu.
	if a.name == config.Ubuntu && b.Output.Bootable && !slices.Contains(components, "universe") {
		components = append(components, "universe")
	}

	// Bootstrapping either completes or starts over, so dpkg can skip
	// its safety fsyncs. Written before debootstrap because the second
	// stage already runs dpkg from the tree.
	dpkgIOConf := filepath.Join(t.Root, "etc/dpkg/dpkg.cfg.d/unsafe_io")
	if err := os.MkdirAll(filepath.Dir(dpkgIOConf), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dpkgIOConf, []byte("force-unsafe-io\n"), 0o644); err != nil {
		return err
	}

	argv := []string{
		"debootstrap",
		"--variant=minbase",
		"--merged-usr",
		"--components=" + strings.Join(components, ","),
		"--arch=" + debarch,
		b.Distribution.Release,
		t.Root,
		b.Distribution.Mirror,
	}
	if err := t.Runner.Run(ctx, osexec.Spec{Argv: argv}); err != nil {
		return err
	}

	// dbus and libpam-systemd are only optional dependencies of
	// systemd on Debian, so they are named explicitly.
	pkgs := newPackageSet("systemd", "systemd-sysv", "dbus", "libpam-systemd")
	pkgs.add(b.Packages.Install...)
	if t.BuildPass {
		pkgs.add(b.Packages.BuildInstall...)
	} else {
		if b.Output.Bootable {
			pkgs.add("dracut", "binutils")
			if a.name == config.Ubuntu {
				pkgs.add("linux-generic")
			} else {
				pkgs.add(debianKernelPackages[debarch])
			}
			if b.Layout.BIOSBoot != 0 {
				pkgs.add("grub-pc")
			}
			if b.Output.Format.IsBtrfs() {
				pkgs.add("btrfs-progs")
			}
		}
		if b.Host.SSH {
			pkgs.add("openssh-server")
		}
	}

	// Debian policy starts daemons right after installation. This
	// policy-rc.d denies every start for the apt-get run.
	policyRCD := filepath.Join(t.Root, "usr/sbin/policy-rc.d")
	if err := os.WriteFile(policyRCD, []byte("#!/bin/sh\nexit 101\n"), 0o755); err != nil {
		return err
	}

	if !b.Packages.WithDocs {
		rm := append([]string{"/bin/rm", "-rf"}, docPaths...)
		if err := t.Exec(ctx, rm, false, nil); err != nil {
			return err
		}
		var excludes strings.Builder
		for _, dir := range docPaths {
			fmt.Fprintf(&excludes, "path-exclude %s/*\n", dir)
		}
		noDoc := filepath.Join(t.Root, "etc/dpkg/dpkg.cfg.d/01_nodoc")
		if err := os.WriteFile(noDoc, []byte(excludes.String()), 0o644); err != nil {
			return err
		}
	}

	env := []string{
		"DEBIAN_FRONTEND=noninteractive",
		"DEBCONF_NONINTERACTIVE_SEEN=true",
	}
	if !t.BuildPass && b.Output.Bootable && b.UnifiedKernel() {
		// The unified kernel image is assembled later with the root
		// hash on the command line, so the stock initrd is skipped.
		env = append(env, "INITRD=No")

		if a.name == config.Debian && b.Distribution.Release == "unstable" {
			// systemd-boot refuses unified kernel images built
			// without a BUILD_ID or VERSION_ID in os-release.
			osRelease, err := os.OpenFile(filepath.Join(t.Root, "etc/os-release"),
				os.O_APPEND|os.O_WRONLY, 0)
			if err != nil {
				return err
			}
			_, err = osRelease.WriteString("BUILD_ID=unstable\n")
			if cerr := osRelease.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		}
	}

	install := append([]string{"/usr/bin/apt-get", "--assume-yes", "--no-install-recommends", "install"},
		pkgs.sorted()...)
	if err := t.Exec(ctx, install, true, env); err != nil {
		return err
	}

	if err := os.Remove(policyRCD); err != nil {
		return err
	}
	if err := os.Remove(dpkgIOConf); err != nil {
		return err
	}
	if err := disablePamSecuretty(t.Root); err != nil {
		return err
	}

	if a.name == config.Debian {
		// The bootstrap resolv.conf points at 127.0.0.1 with resolved
		// disabled; hand name resolution to systemd-resolved instead.
		resolv := filepath.Join(t.Root, "etc/resolv.conf")
		if err := os.Remove(resolv); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Symlink("../run/systemd/resolve/resolv.conf", resolv); err != nil {
			return err
		}
		enable := osexec.Spec{Argv: []string{"systemctl", "--root", t.Root, "enable", "systemd-resolved"}}
		if err := t.Runner.Run(ctx, enable); err != nil {
			return err
		}
	}
	return nil
}
