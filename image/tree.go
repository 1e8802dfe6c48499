// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/osmith-project/osmith/lib/osexec"
)

// copyTree merges the contents of src into dst, preserving modes,
// ownership, xattrs and hardlinks. cp does all the heavy lifting;
// reflinks keep the copy cheap on filesystems that support them.
func copyTree(ctx context.Context, runner osexec.Runner, src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return runner.Run(ctx, osexec.Spec{
		Argv: []string{"cp", "--archive", "--no-target-directory", "--reflink=auto", src, dst},
	})
}

// copyFile copies one file, preserving its mode.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}

// prepareTree lays out the skeleton every later stage relies on:
// machine ID, boot loader directories, the kernel command line, and
// the root home directories the build script and SSH access need. A
// cached tree already carries all of it.
func prepareTree(ctx context.Context, st *StageContext) error {
	if st.Cached {
		return nil
	}
	b := st.Build
	st.Logger.Info("setting up basic OS tree")

	if b.Output.Format.IsBtrfs() && !b.GeneratedRoot() {
		if err := btrfsSubvolumes(ctx, st); err != nil {
			return err
		}
	}

	// Build-time containers need an initialized machine ID before the
	// first package scriptlet runs.
	if err := os.MkdirAll(filepath.Join(st.Root, "etc"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(st.Root, "etc/machine-id"), []byte(b.MachineID+"\n"), 0o644); err != nil {
		return err
	}

	if !st.BuildPass && b.Output.Bootable {
		if err := prepareBootTree(st); err != nil {
			return err
		}
	}

	if st.BuildPass || b.Host.SSH {
		if err := os.MkdirAll(st.RootHome(), 0o750); err != nil {
			return err
		}
	}
	if b.Host.SSH && !st.BuildPass {
		if err := os.MkdirAll(filepath.Join(st.RootHome(), ".ssh"), 0o700); err != nil {
			return err
		}
	}
	if st.BuildPass {
		if err := os.MkdirAll(filepath.Join(st.RootHome(), "dest"), 0o755); err != nil {
			return err
		}
		if b.Build.Dir != "" {
			if err := os.MkdirAll(filepath.Join(st.RootHome(), "build"), 0o755); err != nil {
				return err
			}
		}
	}

	if b.Host.NetworkVeth && !st.BuildPass {
		if err := os.MkdirAll(filepath.Join(st.Root, "etc/systemd/network"), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// prepareBootTree creates the ESP and XBOOTLDR directory layouts
// sd-boot and the kernel installation expect, plus the kernel command
// line file the unified kernel images embed.
func prepareBootTree(st *StageContext) error {
	b := st.Build
	root := st.Root

	mkdirs := func(mode os.FileMode, dirs ...string) error {
		for _, dir := range dirs {
			if err := os.MkdirAll(filepath.Join(root, dir), mode); err != nil {
				return err
			}
		}
		return nil
	}

	if b.Layout.XBootLdr != 0 {
		if err := mkdirs(0o700,
			"boot/EFI/Linux", "boot/loader/entries", "boot/"+b.MachineID); err != nil {
			return err
		}
	} else if err := mkdirs(0o700, "boot"); err != nil {
		return err
	}

	if b.Layout.ESP != 0 {
		if err := mkdirs(0o700,
			"efi/EFI/BOOT", "efi/EFI/systemd", "efi/loader"); err != nil {
			return err
		}
		if b.Layout.XBootLdr == 0 {
			if err := mkdirs(0o700,
				"efi/EFI/Linux", "efi/loader/entries", "efi/"+b.MachineID); err != nil {
				return err
			}
			// Compatibility symlinks for tools that expect the boot
			// loader state under /boot.
			for _, link := range []struct{ name, target string }{
				{"boot/efi", "../efi"},
				{"boot/loader", "../efi/loader"},
				{"boot/" + b.MachineID, "../efi/" + b.MachineID},
			} {
				if err := os.Symlink(link.target, filepath.Join(root, link.name)); err != nil && !errors.Is(err, fs.ErrExist) {
					return err
				}
			}
		}
	}

	if err := mkdirs(0o755, "etc/kernel"); err != nil {
		return err
	}
	cmdline := strings.Join(b.KernelCommandLine, " ") + "\n"
	return os.WriteFile(filepath.Join(root, "etc/kernel/cmdline"), []byte(cmdline), 0o644)
}

// btrfsSubvolumes creates the data subvolumes a btrfs root carries in
// place of partitions.
func btrfsSubvolumes(ctx context.Context, st *StageContext) error {
	create := func(path string, mode os.FileMode) error {
		if err := st.Runner.Run(ctx, osexec.Spec{
			Argv: []string{"btrfs", "subvol", "create", filepath.Join(st.Root, path)},
		}); err != nil {
			return fmt.Errorf("creating subvolume %s: %w", path, err)
		}
		return os.Chmod(filepath.Join(st.Root, path), mode)
	}

	for _, sub := range []struct {
		path string
		mode os.FileMode
	}{
		{"home", 0o755},
		{"srv", 0o755},
		{"var", 0o755},
		{"var/tmp", os.ModeSticky | 0o777},
	} {
		if err := create(sub.path, sub.mode); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Join(st.Root, "var/lib"), 0o755); err != nil {
		return err
	}
	return create("var/lib/machines", 0o700)
}

// reuseCacheTree copies the stage cache tree over the fresh root.
// Read-write disk formats cache whole images instead, so trees only
// apply to the remaining formats.
func reuseCacheTree(ctx context.Context, st *StageContext) (bool, error) {
	if st.Cached {
		return true, nil
	}
	b := st.Build
	if !b.Build.Incremental || st.ForCache || b.Output.Format.IsDiskRW() {
		return false, nil
	}

	cache := b.CachePreInst
	if st.BuildPass {
		cache = b.CachePreDev
	}
	if _, err := os.Stat(cache); err != nil {
		return false, nil
	}

	st.Logger.Info("copying in cached tree", "cache", cache)
	if err := copyTree(ctx, st.Runner, cache, st.Root); err != nil {
		return false, fmt.Errorf("copying cached tree: %w", err)
	}
	return true, nil
}

// installSkeletonTrees copies the configured skeleton trees into the
// root before any package is installed, so package scripts see them.
func installSkeletonTrees(ctx context.Context, st *StageContext, cached bool) error {
	if len(st.Build.Packages.SkeletonTrees) == 0 || cached {
		return nil
	}
	st.Logger.Info("copying in skeleton trees")
	for _, tree := range st.Build.Packages.SkeletonTrees {
		if err := installTree(ctx, st, tree); err != nil {
			return err
		}
	}
	return nil
}

// installExtraTrees copies the configured extra trees over the
// finished package set.
func installExtraTrees(ctx context.Context, st *StageContext) error {
	if len(st.Build.Packages.ExtraTrees) == 0 || st.ForCache {
		return nil
	}
	st.Logger.Info("copying in extra file trees")
	for _, tree := range st.Build.Packages.ExtraTrees {
		if err := installTree(ctx, st, tree); err != nil {
			return err
		}
	}
	return nil
}

// installTree merges one tree into the root. An archive file is
// unpacked instead of copied.
func installTree(ctx context.Context, st *StageContext, tree string) error {
	info, err := os.Stat(tree)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyTree(ctx, st.Runner, tree, st.Root)
	}
	return st.Runner.Run(ctx, osexec.Spec{
		Argv: []string{"tar", "-C", st.Root, "--extract", "--auto-compress", "--file", tree},
	})
}

// installHostname writes /etc/hostname, or removes it so systemd's
// implicit hostname logic applies. The file is unlinked first in case
// the package set shipped it as a symlink.
func installHostname(st *StageContext, cached bool) error {
	if cached {
		return nil
	}
	path := filepath.Join(st.Root, "etc/hostname")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if st.Build.Output.Hostname == "" {
		return nil
	}
	st.Logger.Info("assigning hostname", "hostname", st.Build.Output.Hostname)
	return os.WriteFile(path, []byte(st.Build.Output.Hostname+"\n"), 0o644)
}

// installBuildScript copies the build script into the development
// tree's root home, where runBuildScript expects it.
func installBuildScript(st *StageContext) error {
	if st.ForCache || !st.BuildPass || st.Build.Build.Script == "" {
		return nil
	}
	script := st.Build.Build.Script
	return copyFile(script, filepath.Join(st.RootHome(), filepath.Base(script)))
}

// installBuildDest copies what the build script installed into the
// final image.
func installBuildDest(ctx context.Context, st *StageContext) error {
	if st.BuildPass || st.ForCache || st.Build.Build.Script == "" {
		return nil
	}
	st.Logger.Info("copying in build tree")
	return copyTree(ctx, st.Runner, st.InstallDir, st.Root)
}
