// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
)

// MountStack performs the mounts a build runs on top of and remembers
// them in order. Mounts use -n so the build never touches the host's
// /etc/mtab.
type MountStack struct {
	runner osexec.Runner
	logger *slog.Logger
	mounts []string
}

func NewMountStack(runner osexec.Runner, logger *slog.Logger) *MountStack {
	return &MountStack{runner: runner, logger: logger}
}

// Mounts returns every mount target in mount order.
func (m *MountStack) Mounts() []string {
	return append([]string(nil), m.mounts...)
}

// MountVolume mounts a formatted volume with the build's options:
// discard except on squashfs, btrfs compression outside the boot
// partitions, and ro for read-only volumes.
func (m *MountStack) MountVolume(ctx context.Context, b *config.Build, dev, where string, readOnly bool) error {
	if err := os.MkdirAll(where, 0o755); err != nil {
		return err
	}

	var options []string
	if !b.Output.Format.IsSquashfs() {
		options = append(options, "discard")
	}
	if algo := b.CompressFS; algo != "" && algo != config.CompressOff && b.Output.Format.IsBtrfs() {
		if base := filepath.Base(where); base != "efi" && base != "boot" {
			options = append(options, "compress="+algo)
		}
	}
	if readOnly {
		options = append(options, "ro")
	}

	argv := []string{"mount", "-n", dev, where}
	if len(options) > 0 {
		argv = append(argv, "-o", strings.Join(options, ","))
	}
	if err := m.runner.Run(ctx, osexec.Spec{Argv: argv}); err != nil {
		return err
	}
	m.record(where)
	return nil
}

// Bind bind-mounts what onto where, creating both directories.
// Binding a directory onto itself anchors a tree for recursive
// unmounting.
func (m *MountStack) Bind(ctx context.Context, what, where string) error {
	if err := os.MkdirAll(what, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(where, 0o755); err != nil {
		return err
	}
	if err := m.runner.Run(ctx, osexec.Spec{
		Argv: []string{"mount", "--bind", what, where},
	}); err != nil {
		return err
	}
	m.record(where)
	return nil
}

// Tmpfs mounts a fresh tmpfs at where.
func (m *MountStack) Tmpfs(ctx context.Context, where string) error {
	if err := os.MkdirAll(where, 0o755); err != nil {
		return err
	}
	if err := m.runner.Run(ctx, osexec.Spec{
		Argv: []string{"mount", "tmpfs", "-t", "tmpfs", where},
	}); err != nil {
		return err
	}
	m.record(where)
	return nil
}

// Unmount recursively unmounts everything at and below where.
func (m *MountStack) Unmount(ctx context.Context, where string) error {
	return m.runner.Run(ctx, osexec.Spec{
		Argv: []string{"umount", "--recursive", "-n", where},
	})
}

func (m *MountStack) record(where string) {
	m.mounts = append(m.mounts, where)
	m.logger.Debug("mounted", "target", where)
}

// MountImage mounts the image's volumes beneath root and parks tmpfs
// on /run and /tmp so build-time state never leaks into the image.
// The first mount anchors the tree, and the returned unmount function
// tears everything down with one recursive unmount at that anchor.
func MountImage(ctx context.Context, runner osexec.Runner, logger *slog.Logger, b *config.Build, loop *LoopDevice, volumes VolumeSet, root string, rootReadOnly bool) (func(context.Context) error, error) {
	logger.Info("mounting image", "root", root)
	m := NewMountStack(runner, logger)

	unmount := func(uctx context.Context) error {
		return m.Unmount(uctx, root)
	}
	fail := func(err error) (func(context.Context) error, error) {
		m.Unmount(context.WithoutCancel(ctx), root)
		return nil, err
	}

	switch {
	case volumes.Root != "" && b.Output.UsrOnly:
		// The tree root stays a bind mount with the volume below it
		// at /usr.
		if err := m.Bind(ctx, root, root); err != nil {
			return nil, err
		}
		if err := m.MountVolume(ctx, b, volumes.Root, filepath.Join(root, "usr"), rootReadOnly); err != nil {
			return fail(err)
		}
	case volumes.Root != "":
		if err := m.MountVolume(ctx, b, volumes.Root, root, rootReadOnly); err != nil {
			return nil, err
		}
	default:
		if err := m.Bind(ctx, root, root); err != nil {
			return nil, err
		}
	}

	for _, v := range []struct {
		dev, where string
	}{
		{volumes.Home, "home"},
		{volumes.Srv, "srv"},
		{volumes.Var, "var"},
		{volumes.Tmp, "var/tmp"},
	} {
		if v.dev == "" {
			continue
		}
		if err := m.MountVolume(ctx, b, v.dev, filepath.Join(root, v.where), false); err != nil {
			return fail(err)
		}
	}

	if loop != nil {
		if n := b.Layout.ESP; n != 0 {
			if err := m.MountVolume(ctx, b, loop.Partition(n), filepath.Join(root, "efi"), false); err != nil {
				return fail(err)
			}
		}
		if n := b.Layout.XBootLdr; n != 0 {
			if err := m.MountVolume(ctx, b, loop.Partition(n), filepath.Join(root, "boot"), false); err != nil {
				return fail(err)
			}
		}
	}

	for _, where := range []string{"run", "tmp"} {
		if err := m.Tmpfs(ctx, filepath.Join(root, where)); err != nil {
			return fail(err)
		}
	}
	return unmount, nil
}
