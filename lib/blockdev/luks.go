// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
)

// Passphrase selects how cryptsetup receives the secret: from a key
// file when File is set, otherwise Content is piped on stdin.
type Passphrase struct {
	File    string
	Content string
}

// LuksFormat writes a LUKS header on dev.
func LuksFormat(ctx context.Context, runner osexec.Runner, dev string, pass Passphrase) error {
	argv := []string{
		"cryptsetup", "luksFormat",
		"--force-password",
		"--pbkdf-memory=64",
		"--pbkdf-parallel=1",
		"--pbkdf-force-iterations=1000",
		"--batch-mode",
		dev,
	}
	spec := osexec.Spec{Argv: argv}
	if pass.File != "" {
		spec.Argv = append(spec.Argv, pass.File)
	} else {
		spec.Stdin = strings.NewReader(pass.Content + "\n")
	}
	return runner.Run(ctx, spec)
}

// LuksOpen maps dev under a fresh random name and returns the mapper
// path plus a close function. The name is never reused, so concurrent
// builds cannot collide on mapper devices.
func LuksOpen(ctx context.Context, runner osexec.Runner, logger *slog.Logger, dev string, pass Passphrase, what string) (string, func(context.Context) error, error) {
	name := uuid.New().String()
	logger.Info("opening LUKS volume", "volume", what)

	spec := osexec.Spec{}
	if pass.File != "" {
		spec.Argv = []string{"cryptsetup", "--key-file", pass.File, "open", "--type", "luks", dev, name}
	} else {
		spec.Argv = []string{"cryptsetup", "open", "--type", "luks", dev, name}
		spec.Stdin = strings.NewReader(pass.Content + "\n")
	}
	if err := runner.Run(ctx, spec); err != nil {
		return "", nil, fmt.Errorf("opening LUKS on %s: %w", what, err)
	}

	path := "/dev/mapper/" + name
	closeVolume := func(cctx context.Context) error {
		logger.Info("closing LUKS volume", "volume", what)
		return runner.Run(cctx, osexec.Spec{
			Argv: []string{"cryptsetup", "close", path},
		})
	}
	return path, closeVolume, nil
}

// FormatLuks writes LUKS headers on every partition the encryption
// scope covers. The development pass skips encryption entirely, and
// cached images keep the headers they were built with.
func FormatLuks(ctx context.Context, runner osexec.Runner, logger *slog.Logger, b *config.Build, loop *LoopDevice, pass Passphrase, skipEncryption, cached bool) error {
	if b.Output.Encrypt == "" || skipEncryption || cached || !b.Output.Format.IsDisk() {
		return nil
	}
	slots := []struct {
		name   string
		partno int
		want   bool
	}{
		{"root", b.Layout.Root, b.Output.Encrypt == config.EncryptAll && !b.GeneratedRoot()},
		{"home", b.Layout.Home, true},
		{"srv", b.Layout.Srv, true},
		{"var", b.Layout.Var, true},
		{"tmp", b.Layout.Tmp, true},
	}
	for _, s := range slots {
		if !s.want || s.partno == 0 {
			continue
		}
		logger.Info("formatting LUKS", "partition", s.name)
		if err := LuksFormat(ctx, runner, loop.Partition(s.partno), pass); err != nil {
			return fmt.Errorf("formatting LUKS on %s: %w", s.name, err)
		}
	}
	return nil
}

// VolumeSet holds the device to use for each data partition, either
// the raw partition node or an opened LUKS mapper. Empty entries mean
// the partition is not part of the image.
type VolumeSet struct {
	Root string
	Home string
	Srv  string
	Var  string
	Tmp  string
}

// WithoutGeneratedRoot returns a copy with Root cleared when the root
// filesystem is generated out-of-band and inserted after the build.
func (v VolumeSet) WithoutGeneratedRoot(b *config.Build) VolumeSet {
	if b.GeneratedRoot() {
		v.Root = ""
	}
	return v
}

// SetupAll opens every encrypted partition the scope covers and
// returns the resulting volume set plus a close function that shuts
// the mappers in reverse open order. Unencrypted slots carry their
// raw partition path.
func SetupAll(ctx context.Context, runner osexec.Runner, logger *slog.Logger, b *config.Build, loop *LoopDevice, pass Passphrase, skipEncryption bool) (VolumeSet, func(context.Context) error, error) {
	var set VolumeSet
	nop := func(context.Context) error { return nil }
	if !b.Output.Format.IsDisk() || loop == nil {
		return set, nop, nil
	}

	var closers []func(context.Context) error
	closeAll := func(cctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](cctx))
		}
		return errors.Join(errs...)
	}

	open := func(target *string, what string, partno int, encrypted bool) error {
		if partno == 0 {
			return nil
		}
		dev := loop.Partition(partno)
		if !encrypted || skipEncryption {
			*target = dev
			return nil
		}
		mapper, closeVolume, err := LuksOpen(ctx, runner, logger, dev, pass, what)
		if err != nil {
			return err
		}
		closers = append(closers, closeVolume)
		*target = mapper
		return nil
	}

	data := b.Output.Encrypt != ""
	steps := []func() error{
		func() error {
			encrypted := b.Output.Encrypt == config.EncryptAll && !b.GeneratedRoot()
			return open(&set.Root, "root partition", b.Layout.Root, encrypted)
		},
		func() error { return open(&set.Home, "home partition", b.Layout.Home, data) },
		func() error { return open(&set.Srv, "server data partition", b.Layout.Srv, data) },
		func() error { return open(&set.Var, "variable data partition", b.Layout.Var, data) },
		func() error { return open(&set.Tmp, "temporary data partition", b.Layout.Tmp, data) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			closeAll(context.WithoutCancel(ctx))
			return VolumeSet{}, nil, err
		}
	}
	return set, closeAll, nil
}
