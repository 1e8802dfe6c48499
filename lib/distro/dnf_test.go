// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package distro

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/testutil"
)

// installedPackages returns everything after the install verb.
func installedPackages(t *testing.T, call testutil.Call) []string {
	t.Helper()
	i := slices.Index(call.Argv, "install")
	if i < 0 {
		t.Fatalf("no install verb in %q", call.Line())
	}
	return call.Argv[i+1:]
}

func TestFedoraInstall(t *testing.T) {
	b := testBuild(t, config.Fedora, func(cfg *config.Config) {
		cfg.Distribution.Mirror = "https://mirror.example.com"
		cfg.Output.Bootable = true
		cfg.Host.NetworkVeth = true
		cfg.Host.SSH = true
		cfg.Packages.WithDocs = false
		cfg.Packages.Install = []string{"vim-minimal"}
	})
	runner := testutil.NewRecordingRunner()
	tree, _ := testTree(t, b, runner)

	if err := (fedora{}).Install(context.Background(), tree); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	calls := runner.CallsFor("dnf")
	if len(calls) != 1 {
		t.Fatalf("expected one dnf call, got %d", len(calls))
	}
	line := calls[0].Line()
	for _, want := range []string{
		"--assumeyes",
		"--releasever=40",
		"--installroot=" + tree.Root,
		"--setopt=install_weak_deps=0",
		"--setopt=keepcache=1",
		"--repofrompath=fedora,https://mirror.example.com/releases/40/Everything/x86_64/os/",
		"--repofrompath=updates,https://mirror.example.com/updates/40/Everything/x86_64/",
		"--setopt=reposdir=/dev/null",
		"--nodocs",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in %q", want, line)
		}
	}

	pkgs := installedPackages(t, calls[0])
	for _, want := range []string{
		"fedora-release", "systemd", "glibc-minimal-langpack", "vim-minimal",
		"kernel-core", "kernel-modules", "dracut", "binutils", "systemd-udev",
		"systemd-networkd", "openssh-server", "e2fsprogs",
	} {
		if !slices.Contains(pkgs, want) {
			t.Errorf("expected package %s in %v", want, pkgs)
		}
	}
	if !slices.IsSorted(pkgs) {
		t.Errorf("expected a sorted package list, got %v", pkgs)
	}
}

func TestFedoraBuildPass(t *testing.T) {
	b := testBuild(t, config.Fedora, func(cfg *config.Config) {
		cfg.Output.Bootable = true
		cfg.Host.NetworkVeth = true
		cfg.Host.SSH = true
		cfg.Packages.BuildInstall = []string{"gcc", "make"}
	})
	runner := testutil.NewRecordingRunner()
	tree, _ := testTree(t, b, runner)
	tree.BuildPass = true

	if err := (fedora{}).Install(context.Background(), tree); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	call := runner.CallsFor("dnf")[0]
	if strings.Contains(call.Line(), "--repofrompath") {
		t.Error("expected the host repositories without a mirror")
	}
	pkgs := installedPackages(t, call)
	for _, want := range []string{"gcc", "make"} {
		if !slices.Contains(pkgs, want) {
			t.Errorf("expected build package %s in %v", want, pkgs)
		}
	}
	for _, stray := range []string{"kernel-core", "openssh-server"} {
		if slices.Contains(pkgs, stray) {
			t.Errorf("expected no %s in the development pass", stray)
		}
	}
}

func TestCentOSOldRelease(t *testing.T) {
	b := testBuild(t, config.CentOS, func(cfg *config.Config) {
		cfg.Distribution.Release = "7"
		cfg.Distribution.Mirror = "http://mirror.centos.org"
		cfg.Output.Bootable = true
	})
	runner := testutil.NewRecordingRunner()
	tree, _ := testTree(t, b, runner)

	if err := (centos{}).Install(context.Background(), tree); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	call := runner.CallsFor("dnf")[0]
	line := call.Line()
	for _, want := range []string{
		"--repofrompath=base,http://mirror.centos.org/centos/7/os/x86_64/",
		"--repofrompath=updates,http://mirror.centos.org/centos/7/updates/x86_64/",
		"--repofrompath=extras,http://mirror.centos.org/centos/7/extras/x86_64/",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in %q", want, line)
		}
	}
	pkgs := installedPackages(t, call)
	if slices.Contains(pkgs, "systemd-udev") {
		t.Error("expected no systemd-udev on CentOS 7")
	}
	if !slices.Contains(pkgs, "kernel") {
		t.Errorf("expected the kernel package in %v", pkgs)
	}
}

func TestCentOSStreamRepositories(t *testing.T) {
	b := testBuild(t, config.CentOS, func(cfg *config.Config) {
		cfg.Distribution.Mirror = "http://mirror.stream.centos.org"
		cfg.Distribution.Repositories = []string{"crb"}
		cfg.Output.Bootable = true
	})
	runner := testutil.NewRecordingRunner()
	tree, _ := testTree(t, b, runner)

	if err := (centos{}).Install(context.Background(), tree); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	call := runner.CallsFor("dnf")[0]
	line := call.Line()
	for _, want := range []string{
		"--repofrompath=BaseOS,http://mirror.stream.centos.org/centos/9/BaseOS/x86_64/os",
		"--repofrompath=AppStream,http://mirror.stream.centos.org/centos/9/AppStream/x86_64/os",
		"--enablerepo=crb",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in %q", want, line)
		}
	}
	if !slices.Contains(installedPackages(t, call), "systemd-udev") {
		t.Error("expected systemd-udev on CentOS Stream")
	}
}
