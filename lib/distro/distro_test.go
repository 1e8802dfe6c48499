// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package distro

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/gpt"
	"github.com/osmith-project/osmith/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testBuild finalizes a configuration for the given distribution in a
// scratch directory so default-file probing sees nothing.
func testBuild(t *testing.T, name config.Distribution, mutate func(*config.Config)) *config.Build {
	t.Helper()
	t.Chdir(t.TempDir())

	cfg := config.Default()
	cfg.Distribution.Name = name
	cfg.Distribution.Architecture = gpt.ArchX86_64
	if mutate != nil {
		mutate(cfg)
	}
	b, err := cfg.Finalize(testLogger())
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	return b
}

// treeCall is one recorded in-tree command.
type treeCall struct {
	argv    []string
	network bool
	env     []string
}

// testTree builds a Tree over scratch directories whose Exec records
// into the returned slice.
func testTree(t *testing.T, b *config.Build, runner *testutil.RecordingRunner) (*Tree, *[]treeCall) {
	t.Helper()
	execs := &[]treeCall{}
	tree := &Tree{
		Build:     b,
		Root:      t.TempDir(),
		Workspace: t.TempDir(),
		Runner:    runner,
		Logger:    testLogger(),
		Exec: func(ctx context.Context, argv []string, network bool, env []string) error {
			*execs = append(*execs, treeCall{argv, network, env})
			return nil
		},
	}
	return tree, execs
}

func TestResolveFamilies(t *testing.T) {
	families := map[config.Distribution]string{
		config.Fedora:   "dnf",
		config.CentOS:   "dnf",
		config.Debian:   "apt",
		config.Ubuntu:   "apt",
		config.Arch:     "pacman",
		config.OpenSUSE: "zypper",
	}
	for _, name := range config.KnownDistributions {
		installer, err := Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%s) failed: %v", name, err)
		}
		if got := installer.Traits().Family; got != families[name] {
			t.Errorf("%s: expected family %s, got %s", name, families[name], got)
		}
	}
}

func TestResolveUnknown(t *testing.T) {
	if _, err := Resolve("slackware"); err == nil {
		t.Fatal("expected an error for an unknown distribution")
	}
}

func TestCacheMounts(t *testing.T) {
	mounts := fedora{}.Traits().CacheMounts
	if len(mounts) != 1 || mounts[0].Tree != "var/cache/dnf" {
		t.Errorf("expected the dnf cache mount, got %v", mounts)
	}

	// CentOS keeps both cache flavors since yum may or may not be dnf.
	mounts = centos{}.Traits().CacheMounts
	if len(mounts) != 2 || mounts[0].Sub != "yum" || mounts[1].Sub != "dnf" {
		t.Errorf("expected separate yum and dnf cache mounts, got %v", mounts)
	}
}

func TestPackageSetSorted(t *testing.T) {
	pkgs := newPackageSet("zlib", "(gcc if clang)", "/usr/bin/cc", "attr", "zlib")
	want := []string{"attr", "zlib", "/usr/bin/cc", "(gcc if clang)"}
	if got := pkgs.sorted(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestDisablePamSecuretty(t *testing.T) {
	root := t.TempDir()
	login := filepath.Join(root, "etc/pam.d/login")
	if err := os.MkdirAll(filepath.Dir(login), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "auth requisite pam_securetty.so\nauth required pam_unix.so\n"
	if err := os.WriteFile(login, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := disablePamSecuretty(root); err != nil {
		t.Fatalf("disablePamSecuretty failed: %v", err)
	}
	data, err := os.ReadFile(login)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "auth required pam_unix.so\n" {
		t.Errorf("expected the securetty line removed, got %q", got)
	}
}

func TestDisablePamSecurettyMissingFile(t *testing.T) {
	if err := disablePamSecuretty(t.TempDir()); err != nil {
		t.Fatalf("expected a missing login stack to be tolerated, got %v", err)
	}
}

// populateMetadata lays out a tree with dnf metadata and optionally
// the dnf binary itself.
func populateMetadata(t *testing.T, withBinary bool) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"var/lib/dnf", "var/cache/dnf", "var/log"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "var/log/dnf.log"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if withBinary {
		if err := os.MkdirAll(filepath.Join(root, "bin"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, "bin/dnf"), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestCleanMetadataAuto(t *testing.T) {
	b := testBuild(t, config.Fedora, nil)

	kept := populateMetadata(t, true)
	if err := CleanMetadata(testLogger(), b, kept); err != nil {
		t.Fatalf("CleanMetadata failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(kept, "var/lib/dnf")); err != nil {
		t.Error("expected metadata kept while dnf is installed")
	}

	removed := populateMetadata(t, false)
	if err := CleanMetadata(testLogger(), b, removed); err != nil {
		t.Fatalf("CleanMetadata failed: %v", err)
	}
	for _, path := range []string{"var/lib/dnf", "var/cache/dnf", "var/log/dnf.log"} {
		if _, err := os.Stat(filepath.Join(removed, path)); !os.IsNotExist(err) {
			t.Errorf("expected %s removed without the dnf binary", path)
		}
	}
}

func TestCleanMetadataAlways(t *testing.T) {
	b := testBuild(t, config.Fedora, func(cfg *config.Config) {
		cfg.Packages.CleanMetadata = "true"
	})

	root := populateMetadata(t, true)
	if err := CleanMetadata(testLogger(), b, root); err != nil {
		t.Fatalf("CleanMetadata failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "var/lib/dnf")); !os.IsNotExist(err) {
		t.Error("expected metadata removed despite the dnf binary")
	}
	if _, err := os.Stat(filepath.Join(root, "bin/dnf")); err != nil {
		t.Error("expected the binary itself untouched")
	}
}

func TestCleanMetadataNever(t *testing.T) {
	b := testBuild(t, config.Fedora, func(cfg *config.Config) {
		cfg.Packages.CleanMetadata = "false"
	})

	root := populateMetadata(t, false)
	if err := CleanMetadata(testLogger(), b, root); err != nil {
		t.Fatalf("CleanMetadata failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "var/lib/dnf")); err != nil {
		t.Error("expected metadata kept with policy false")
	}
}
