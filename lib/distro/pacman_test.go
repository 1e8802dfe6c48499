// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package distro

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/testutil"
)

func TestArchInstall(t *testing.T) {
	b := testBuild(t, config.Arch, func(cfg *config.Config) {
		cfg.Output.Bootable = true
	})
	runner := testutil.NewRecordingRunner()
	tree, execs := testTree(t, b, runner)

	if err := (archlinux{}).Install(context.Background(), tree); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	conf := filepath.Join(tree.Workspace, "pacman.conf")
	data, err := os.ReadFile(conf)
	if err != nil {
		t.Fatalf("expected a generated pacman.conf: %v", err)
	}
	for _, want := range []string{
		"RootDir     = " + tree.Root,
		"Server = https://geo.mirror.pkgbuild.com/$repo/os/$arch",
		"[core]",
		"[extra]",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected pacman.conf to contain %q", want)
		}
	}

	keys := runner.CallsFor("pacman-key")
	if len(keys) != 2 {
		t.Fatalf("expected pacman-key init and populate, got %d calls", len(keys))
	}
	if got := keys[0].Line(); got != "pacman-key --config "+conf+" --init" {
		t.Errorf("expected keyring init, got %q", got)
	}
	if got := keys[1].Line(); got != "pacman-key --config "+conf+" --populate" {
		t.Errorf("expected keyring populate, got %q", got)
	}

	installs := runner.CallsFor("pacman")
	if len(installs) != 1 {
		t.Fatalf("expected one pacman call, got %d", len(installs))
	}
	line := installs[0].Line()
	if !strings.HasPrefix(line, "pacman --root "+tree.Root+" --config "+conf+" --noconfirm -Sy") {
		t.Errorf("unexpected pacman command %q", line)
	}
	for _, pkg := range []string{"base", "linux", "dracut", "binutils"} {
		if !slices.Contains(installs[0].Argv, pkg) {
			t.Errorf("expected package %s in %q", pkg, line)
		}
	}

	if len(runner.CallsFor("gpgconf")) != 1 {
		t.Error("expected the tree gpg-agent stopped")
	}

	// Locale generation runs in the tree and its files land on disk.
	if len(*execs) != 1 || (*execs)[0].argv[0] != "/usr/bin/locale-gen" {
		t.Fatalf("expected one locale-gen run, got %+v", *execs)
	}
	gen, err := os.ReadFile(filepath.Join(tree.Root, "etc/locale.gen"))
	if err != nil {
		t.Fatal(err)
	}
	if string(gen) != "en_US.UTF-8 UTF-8\n" {
		t.Errorf("expected a fresh locale.gen, got %q", gen)
	}
	lc, err := os.ReadFile(filepath.Join(tree.Root, "etc/locale.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if string(lc) != "LANG=en_US.UTF-8\n" {
		t.Errorf("expected LANG set, got %q", lc)
	}
}

func TestArchKeepsUserKernel(t *testing.T) {
	b := testBuild(t, config.Arch, func(cfg *config.Config) {
		cfg.Output.Bootable = true
		cfg.Packages.Install = []string{"linux-lts"}
	})
	runner := testutil.NewRecordingRunner()
	tree, _ := testTree(t, b, runner)

	if err := (archlinux{}).Install(context.Background(), tree); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	argv := runner.CallsFor("pacman")[0].Argv
	if slices.Contains(argv, "linux") {
		t.Error("expected the default kernel skipped next to linux-lts")
	}
	if !slices.Contains(argv, "linux-lts") {
		t.Errorf("expected linux-lts in %v", argv)
	}
}

func TestPacmanConfExtraRepositories(t *testing.T) {
	b := testBuild(t, config.Arch, func(cfg *config.Config) {
		cfg.Distribution.Repositories = []string{"testing::https://repo.example.com/$arch"}
	})
	conf := pacmanConf(&Tree{Build: b, Root: "/tree"})

	if !strings.Contains(conf, "[testing]") {
		t.Errorf("expected the extra repository section, got %q", conf)
	}
	if !strings.Contains(conf, "Server = https://repo.example.com/$arch") {
		t.Errorf("expected the extra repository server, got %q", conf)
	}
	if !strings.Contains(conf, "SigLevel = Optional TrustedOnly") {
		t.Errorf("expected the stock signature policy, got %q", conf)
	}
}

func TestConfigureLocaleUncomments(t *testing.T) {
	b := testBuild(t, config.Arch, nil)
	runner := testutil.NewRecordingRunner()
	tree, _ := testTree(t, b, runner)

	gen := filepath.Join(tree.Root, "etc/locale.gen")
	if err := os.MkdirAll(filepath.Dir(gen), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "#de_DE.UTF-8 UTF-8\n#en_US.UTF-8 UTF-8\n"
	if err := os.WriteFile(gen, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := configureLocale(context.Background(), tree); err != nil {
		t.Fatalf("configureLocale failed: %v", err)
	}
	data, err := os.ReadFile(gen)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "#de_DE.UTF-8 UTF-8\nen_US.UTF-8 UTF-8\n" {
		t.Errorf("expected only en_US uncommented, got %q", got)
	}
}
