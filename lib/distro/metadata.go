// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package distro

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/osmith-project/osmith/lib/config"
)

// managerFootprint names one package manager's binary and the on-disk
// state it leaves behind in an installed tree. Paths are tree-relative
// and may contain glob metacharacters.
type managerFootprint struct {
	binary string
	paths  []string
}

// Every known manager is listed, not just the one that built the tree:
// an rpm distribution still ends up with a dpkg database when the build
// script installs one, and cross-installs are cheap to cover.
var managerFootprints = []managerFootprint{
	{"bin/dnf", []string{"var/lib/dnf", "var/log/dnf.*", "var/log/hawkey.*", "var/cache/dnf"}},
	{"bin/yum", []string{"var/lib/yum", "var/log/yum.*", "var/cache/yum"}},
	{"bin/rpm", []string{"var/lib/rpm"}},
	{"usr/bin/apt", []string{"var/lib/apt", "var/log/apt", "var/cache/apt"}},
	{"usr/bin/dpkg", []string{"var/lib/dpkg", "var/log/dpkg.log"}},
	{"usr/bin/pacman", []string{"var/lib/pacman/sync"}},
	{"usr/bin/zypper", []string{"var/cache/zypp"}},
}

// CleanMetadata strips package manager state from the finished tree.
// Policy "true" removes everything, "false" keeps everything, and
// "auto" (the default) removes a manager's state only when its binary
// is absent from the image, so a tree that keeps dnf keeps the dnf
// database it needs to stay useful.
func CleanMetadata(logger *slog.Logger, b *config.Build, root string) error {
	policy := b.Packages.CleanMetadata
	if policy == "false" {
		return nil
	}
	always := policy == "true"

	for _, m := range managerFootprints {
		if !always {
			if _, err := os.Lstat(filepath.Join(root, m.binary)); err == nil {
				continue
			}
		}
		for _, pattern := range m.paths {
			matches, err := filepath.Glob(filepath.Join(root, pattern))
			if err != nil {
				return err
			}
			for _, path := range matches {
				logger.Debug("removing package manager metadata", "path", path)
				if err := os.RemoveAll(path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
