// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/gpt"
	"github.com/osmith-project/osmith/lib/osexec"
)

// FormatFixed formats the partitions whose filesystem never varies
// with the output format: swap, the ESP, and XBOOTLDR. They sit
// outside the encryption scope, and a cached image already carries
// them.
func FormatFixed(ctx context.Context, runner osexec.Runner, logger *slog.Logger, b *config.Build, loop *LoopDevice, cached bool) error {
	if loop == nil || cached {
		return nil
	}
	if n := b.Layout.Swap; n != 0 {
		logger.Info("formatting swap partition")
		if err := runner.Run(ctx, osexec.Spec{
			Argv: []string{"mkswap", "-Lswap", loop.Partition(n)},
		}); err != nil {
			return err
		}
	}
	if n := b.Layout.ESP; n != 0 {
		logger.Info("formatting EFI system partition")
		if err := runner.Run(ctx, osexec.Spec{
			Argv: []string{"mkfs.fat", "-nEFI", "-F32", loop.Partition(n)},
		}); err != nil {
			return err
		}
	}
	if n := b.Layout.XBootLdr; n != 0 {
		logger.Info("formatting XBOOTLDR partition")
		if err := runner.Run(ctx, osexec.Spec{
			Argv: []string{"mkfs.fat", "-nXBOOTLDR", "-F32", loop.Partition(n)},
		}); err != nil {
			return err
		}
	}
	return nil
}

// FormatVolumes creates the configured filesystem on each data volume.
// Generated roots are skipped here and inserted as a finished blob
// later; cached reuse keeps the existing filesystems.
func FormatVolumes(ctx context.Context, runner osexec.Runner, logger *slog.Logger, b *config.Build, volumes VolumeSet, cached bool) error {
	if cached {
		return nil
	}
	if volumes.Root != "" && !b.GeneratedRoot() {
		label, mount := "root", "/"
		if b.Output.UsrOnly {
			label, mount = "usr", "/usr"
		}
		logger.Info("formatting partition", "label", label)
		if err := mkfsGeneric(ctx, runner, b, label, mount, volumes.Root); err != nil {
			return fmt.Errorf("formatting %s partition: %w", label, err)
		}
	}
	for _, v := range []struct {
		dev, label, mount string
	}{
		{volumes.Home, "home", "/home"},
		{volumes.Srv, "srv", "/srv"},
		{volumes.Var, "var", "/var"},
		{volumes.Tmp, "tmp", "/var/tmp"},
	} {
		if v.dev == "" {
			continue
		}
		logger.Info("formatting partition", "label", v.label)
		if err := mkfsGeneric(ctx, runner, b, v.label, v.mount, v.dev); err != nil {
			return fmt.Errorf("formatting %s partition: %w", v.label, err)
		}
	}
	return nil
}

func mkfsGeneric(ctx context.Context, runner osexec.Runner, b *config.Build, label, mount, dev string) error {
	var argv []string
	switch {
	case b.Output.Format.IsBtrfs():
		argv = []string{"mkfs.btrfs", "-L", label, "-d", "single", "-m", "single"}
	case b.Output.Format == config.FormatGPTXFS:
		argv = []string{"mkfs.xfs", "-n", "ftype=1", "-L", label}
	default:
		argv = []string{"mkfs.ext4", "-I", "256", "-L", label, "-M", mount}
	}

	if b.Output.Format == config.FormatGPTExt4 {
		if b.Distribution.OlderThanCentOS8() {
			// e2fsprogs on CentOS 7 does not know metadata_csum.
			argv = append(argv, "-O", "^metadata_csum")
		}
		if arch := b.Distribution.Architecture; arch == gpt.ArchX86_64 || arch == gpt.ArchAArch64 {
			argv = append(argv, "-O", "64bit")
		}
	}

	argv = append(argv, dev)
	return runner.Run(ctx, osexec.Spec{Argv: argv})
}

// RefreshFileSystem re-randomizes the filesystem UUID on a volume
// carried over from a cached image, so cached and fresh builds hand
// out distinct UUIDs. btrfs in particular refuses to mount two
// filesystems sharing one.
func RefreshFileSystem(ctx context.Context, runner osexec.Runner, logger *slog.Logger, b *config.Build, dev string, cached bool) error {
	if dev == "" || !cached {
		return nil
	}
	logger.Info("refreshing filesystem UUID", "device", dev)
	switch b.Output.Format {
	case config.FormatGPTBtrfs:
		return runner.Run(ctx, osexec.Spec{
			Argv: []string{"btrfstune", "-M", uuid.New().String(), dev},
		})
	case config.FormatGPTExt4:
		// A nil stdin reads from the null device, which keeps tune2fs
		// from asking its interactive safety question.
		return runner.Run(ctx, osexec.Spec{
			Argv: []string{"tune2fs", "-U", "random", dev},
		})
	case config.FormatGPTXFS:
		return runner.Run(ctx, osexec.Spec{
			Argv: []string{"xfs_admin", "-U", "generate", dev},
		})
	}
	return nil
}
