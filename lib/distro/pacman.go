// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package distro

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/gpt"
	"github.com/osmith-project/osmith/lib/osexec"
)

// officialKernels are the kernel packages Arch ships; when the user
// lists one, the default kernel is not added on top.
var officialKernels = []string{"linux", "linux-lts", "linux-hardened", "linux-zen"}

type archlinux struct{}

func (archlinux) Traits() Traits {
	return Traits{
		Family:         "pacman",
		CacheMounts:    []CacheMount{{Tree: "var/cache/pacman/pkg"}},
		KernelPackages: []string{"linux", "dracut", "binutils"},
	}
}

func (archlinux) Install(ctx context.Context, t *Tree) error {
	b := t.Build
	t.Logger.Info("installing distribution", "distribution", b.Distribution.Name)

	for _, dir := range []string{"var/lib/pacman", "etc/pacman.d/gnupg"} {
		if err := os.MkdirAll(filepath.Join(t.Root, dir), 0o755); err != nil {
			return err
		}
	}

	conf := filepath.Join(t.Workspace, "pacman.conf")
	if err := os.WriteFile(conf, []byte(pacmanConf(t)), 0o644); err != nil {
		return err
	}

	pkgs := newPackageSet("base")
	pkgs.add(b.Packages.Install...)
	if t.BuildPass {
		pkgs.add(b.Packages.BuildInstall...)
	} else {
		if b.Output.Bootable {
			pkgs.add("dracut", "binutils")
			switch {
			case b.Output.Format.IsBtrfs():
				pkgs.add("btrfs-progs")
			case b.Output.Format == config.FormatGPTXFS:
				pkgs.add("xfsprogs")
			}
			if b.Output.Encrypt != "" {
				pkgs.add("cryptsetup", "device-mapper")
			}
			if b.Layout.BIOSBoot != 0 {
				pkgs.add("grub")
			}
			if !pkgs.has(officialKernels...) {
				pkgs.add("linux")
			}
		}
		if b.Host.SSH {
			pkgs.add("openssh")
		}
	}

	for _, argv := range [][]string{
		{"pacman-key", "--config", conf, "--init"},
		{"pacman-key", "--config", conf, "--populate"},
	} {
		if err := t.Runner.Run(ctx, osexec.Spec{Argv: argv}); err != nil {
			return err
		}
	}

	install := append([]string{"pacman", "--root", t.Root, "--config", conf, "--noconfirm", "-Sy"},
		pkgs.sorted()...)
	err := t.Runner.Run(ctx, osexec.Spec{Argv: install})

	// pacman-key leaves a gpg-agent running against the tree keyring.
	kill := osexec.Spec{Argv: []string{
		"gpgconf", "--homedir", filepath.Join(t.Root, "etc/pacman.d/gnupg"), "--kill", "all",
	}}
	if kerr := t.Runner.Run(ctx, kill); kerr != nil {
		t.Logger.Warn("stopping pacman gpg-agent failed", "error", kerr)
	}
	if err != nil {
		return err
	}

	if err := configureLocale(ctx, t); err != nil {
		return err
	}
	return disablePamSecuretty(t.Root)
}

// pacmanConf renders a pacman configuration aimed at the tree. The
// repositories reflect the current Arch layout, core and extra;
// community was folded into extra.
func pacmanConf(t *Tree) string {
	b := t.Build

	server := fmt.Sprintf("Server = %s/$repo/os/$arch", b.Distribution.Mirror)
	if b.Distribution.Architecture == gpt.ArchAArch64 {
		server = fmt.Sprintf("Server = %s/$arch/$repo", b.Distribution.Mirror)
	}

	var conf strings.Builder
	fmt.Fprintf(&conf, `[options]
RootDir     = %[1]s
LogFile     = /dev/null
CacheDir    = %[1]s/var/cache/pacman/pkg/
GPGDir      = %[1]s/etc/pacman.d/gnupg/
HookDir     = %[1]s/etc/pacman.d/hooks/
HoldPkg     = pacman glibc
Architecture = auto
Color
CheckSpace
SigLevel    = Required DatabaseOptional TrustAll

[core]
%[2]s

[extra]
%[2]s
`, t.Root, server)

	// Extra repositories are name::url pairs with pacman's stock
	// signature policy.
	for _, repository := range b.Distribution.Repositories {
		name, url, ok := strings.Cut(repository, "::")
		if !ok {
			continue
		}
		fmt.Fprintf(&conf, "\n[%s]\nSigLevel = Optional TrustedOnly\nServer = %s\n", name, url)
	}
	return conf.String()
}

// configureLocale generates en_US.UTF-8 inside the tree. glibc ships
// no compiled locales on Arch.
func configureLocale(ctx context.Context, t *Tree) error {
	localeGen := filepath.Join(t.Root, "etc/locale.gen")
	err := patchFile(localeGen, func(line string) (string, bool) {
		if strings.HasPrefix(line, "#en_US.UTF-8") {
			return line[1:], true
		}
		return line, true
	})
	if os.IsNotExist(err) {
		err = os.WriteFile(localeGen, []byte("en_US.UTF-8 UTF-8\n"), 0o644)
	}
	if err != nil {
		return err
	}

	if err := t.Exec(ctx, []string{"/usr/bin/locale-gen"}, false, nil); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(t.Root, "etc/locale.conf"), []byte("LANG=en_US.UTF-8\n"), 0o644)
}
