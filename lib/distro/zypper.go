// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package distro

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/osmith-project/osmith/lib/osexec"
)

type opensuse struct{}

func (opensuse) Traits() Traits {
	return Traits{
		Family:         "zypper",
		CacheMounts:    []CacheMount{{Tree: "var/cache/zypp/packages"}},
		KernelPackages: []string{"kernel-default", "dracut", "binutils"},
	}
}

func (opensuse) Install(ctx context.Context, t *Tree) error {
	b := t.Build
	t.Logger.Info("installing distribution",
		"distribution", b.Distribution.Name, "release", b.Distribution.Release)

	oss, update := opensuseRepos(b.Distribution.Mirror, b.Distribution.Release)

	// Caching is enabled on the repositories (-k) so the package cache
	// bind mount fills up; the image's own copies are switched off
	// again after the install.
	for _, add := range [][]string{
		{"zypper", "--root", t.Root, "addrepo", "-ck", oss, "repo-oss"},
		{"zypper", "--root", t.Root, "addrepo", "-ck", update, "repo-update"},
	} {
		if err := t.Runner.Run(ctx, osexec.Spec{Argv: add}); err != nil {
			return err
		}
	}

	if !b.Packages.WithDocs {
		zyppConf := filepath.Join(t.Root, "etc/zypp/zypp.conf")
		if err := os.MkdirAll(filepath.Dir(zyppConf), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(zyppConf, []byte("rpm.install.excludedocs = yes\n"), 0o644); err != nil {
			return err
		}
	}

	pkgs := newPackageSet("systemd", "patterns-base-minimal_base")
	pkgs.add(b.Packages.Install...)
	if t.BuildPass {
		pkgs.add(b.Packages.BuildInstall...)
	} else {
		if b.Output.Bootable {
			pkgs.add("kernel-default", "dracut", "binutils")
			if b.Layout.BIOSBoot != 0 {
				pkgs.add("grub2")
			}
		}
		if b.Output.Encrypt != "" {
			pkgs.add("device-mapper")
		}
		if b.Host.SSH {
			pkgs.add("openssh-server")
		}
	}
	if b.Output.Format.IsBtrfs() {
		pkgs.add("btrfsprogs")
	}

	install := append([]string{
		"zypper", "--root", t.Root, "--gpg-auto-import-keys",
		"install", "-y", "--no-recommends", "--download-in-advance",
	}, pkgs.sorted()...)
	if err := t.Runner.Run(ctx, osexec.Spec{Argv: install}); err != nil {
		return err
	}

	for _, name := range []string{"repo-oss", "repo-update"} {
		disable := osexec.Spec{Argv: []string{"zypper", "--root", t.Root, "modifyrepo", "-K", name}}
		if err := t.Runner.Run(ctx, disable); err != nil {
			return err
		}
	}

	if b.Validation.Autologin {
		// The stock login stack lives under /usr/etc; a copy under
		// /etc is patched by the autologin setup later.
		source := filepath.Join(t.Root, "usr/etc/pam.d/login")
		if data, err := os.ReadFile(source); err == nil {
			if err := os.WriteFile(filepath.Join(t.Root, "etc/pam.d/login"), data, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

// opensuseRepos maps the release name to the oss and update repository
// URLs. A numeric release or "tumbleweed" is Tumbleweed, "leap" is the
// current Leap, and anything else is a specific Leap version.
func opensuseRepos(mirror, release string) (oss, update string) {
	release = strings.Trim(release, `"`)
	isDigits := release != ""
	for _, c := range release {
		if c < '0' || c > '9' {
			isDigits = false
			break
		}
	}

	switch {
	case isDigits || release == "tumbleweed":
		return mirror + "/tumbleweed/repo/oss/", mirror + "/update/tumbleweed/"
	case release == "leap":
		return mirror + "/distribution/leap/15.6/repo/oss/", mirror + "/update/leap/15.6/oss/"
	case release == "current":
		return mirror + "/distribution/openSUSE-stable/repo/oss/", mirror + "/update/openSUSE-current/"
	case release == "stable":
		return mirror + "/distribution/openSUSE-stable/repo/oss/", mirror + "/update/openSUSE-stable/"
	default:
		return mirror + "/distribution/leap/" + release + "/repo/oss/",
			mirror + "/update/leap/" + release + "/oss/"
	}
}
