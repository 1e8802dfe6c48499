// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package distro installs operating system content into image trees.
//
// Each distribution implements [Installer]. The configuration names
// the distribution once, [Resolve] maps it to its installer once, and
// the pipeline consumes the interface uniformly from then on. Package
// managers run on the build host against the tree root (dnf
// --installroot and friends); the stages that must use the tree's own
// tools go through the caller-provided [TreeRunner].
package distro

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
)

// Installer populates image trees for one distribution.
type Installer interface {
	// Install installs the configured package set into the tree.
	Install(ctx context.Context, t *Tree) error

	// Traits reports the distribution's fixed facts.
	Traits() Traits
}

// TreeRunner runs argv inside the tree, normally through
// systemd-nspawn. env entries are KEY=VALUE pairs added to the
// command's environment; network allows outside connectivity.
type TreeRunner func(ctx context.Context, argv []string, network bool, env []string) error

// Tree is one install target.
type Tree struct {
	Build *config.Build

	// Root is the mounted tree the packages land in.
	Root string

	// Workspace holds generated package manager configuration.
	Workspace string

	// BuildPass selects the development package set: build packages
	// are added, kernels and sshd are left out.
	BuildPass bool

	Runner osexec.Runner
	Logger *slog.Logger

	// Exec runs a command inside the tree.
	Exec TreeRunner
}

// Traits are the fixed per-distribution facts the pipeline and the
// summary output consult.
type Traits struct {
	// Family is the package manager family: dnf, apt, pacman or
	// zypper.
	Family string

	// CacheMounts are the package cache directories bind-mounted from
	// the shared cache directory during installs.
	CacheMounts []CacheMount

	// KernelPackages are the boot packages added for bootable final
	// images.
	KernelPackages []string
}

// CacheMount pairs a shared-cache subdirectory with the tree-relative
// path the package manager expects it at. An empty Sub means the cache
// directory itself.
type CacheMount struct {
	Sub  string
	Tree string
}

// Resolve maps a distribution name to its installer. Configuration
// validation has already vetted the name; Resolve reports unknown
// names anyway so direct callers get the same message.
func Resolve(name config.Distribution) (Installer, error) {
	switch name {
	case config.Fedora:
		return fedora{}, nil
	case config.CentOS:
		return centos{}, nil
	case config.Debian:
		return apt{name: config.Debian}, nil
	case config.Ubuntu:
		return apt{name: config.Ubuntu}, nil
	case config.Arch:
		return archlinux{}, nil
	case config.OpenSUSE:
		return opensuse{}, nil
	}
	return nil, fmt.Errorf("unknown distribution %q; known distributions: %v",
		name, config.KnownDistributions)
}

// packageSet accumulates package names without duplicates.
type packageSet map[string]struct{}

func newPackageSet(names ...string) packageSet {
	p := make(packageSet)
	p.add(names...)
	return p
}

func (p packageSet) add(names ...string) {
	for _, name := range names {
		p[name] = struct{}{}
	}
}

func (p packageSet) has(names ...string) bool {
	for _, name := range names {
		if _, ok := p[name]; ok {
			return true
		}
	}
	return false
}

// sorted returns the set ordered for stable command lines: plain
// names first, file paths second, rpm boolean dependencies last.
func (p packageSet) sorted() []string {
	class := func(name string) int {
		switch name[0] {
		case '(':
			return 2
		case '/':
			return 1
		}
		return 0
	}
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if ci, cj := class(names[i]), class(names[j]); ci != cj {
			return ci < cj
		}
		return names[i] < names[j]
	})
	return names
}

// patchFile rewrites a file line by line, preserving its mode. The
// rewriter returns the replacement line and whether to keep it.
func patchFile(path string, rewrite func(line string) (string, bool)) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var out strings.Builder
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		if replaced, keep := rewrite(line); keep {
			out.WriteString(replaced)
			out.WriteString("\n")
		}
	}
	return os.WriteFile(path, []byte(out.String()), info.Mode().Perm())
}

// disablePamSecuretty drops pam_securetty from the login stack so root
// can log into nspawn containers on distributions that still enable
// it.
func disablePamSecuretty(root string) error {
	err := patchFile(filepath.Join(root, "etc/pam.d/login"), func(line string) (string, bool) {
		if strings.Contains(line, "pam_securetty.so") {
			return "", false
		}
		return line, true
	})
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
