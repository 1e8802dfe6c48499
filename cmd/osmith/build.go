// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/osmith-project/osmith/cmd/osmith/cli"
	"github.com/osmith-project/osmith/image"
	"github.com/osmith-project/osmith/lib/blockdev"
	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
	"github.com/osmith-project/osmith/lib/output"
)

func buildCommand(configPath string) *cli.Command {
	var force int

	return &cli.Command{
		Name:    "build",
		Summary: "Build the configured image",
		Description: `Build the image. A previous output in the way is an error; --force
replaces it, --force --force additionally discards the incremental
cache images, and a third --force discards the package cache.

Positional arguments are passed through to the build script.`,
		Usage: "osmith build [flags] [script args...]",
		Examples: []cli.Example{
			{
				Description: "Replace the previous output",
				Command:     "osmith build --force",
			},
			{
				Description: "Hand --release through to the build script",
				Command:     "osmith build -- --release",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("build", pflag.ContinueOnError)
			flagSet.CountVarP(&force, "force", "f",
				"replace the output; repeat to also discard caches")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			b, err := loadBuild(configPath, force, logger)
			if err != nil {
				return err
			}
			return runBuild(ctx, b, args, logger)
		},
	}
}

// loadBuild reads the configuration and derives the complete build
// plan. force is how many times --force was given.
func loadBuild(configPath string, force int, logger *slog.Logger) (*config.Build, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	cfg.Output.Force = force
	return cfg.Finalize(logger)
}

// runBuild removes or refuses to touch previous outputs depending on
// --force, then runs the image pipeline. The shell verb reuses it to
// build a missing image before entering it.
func runBuild(ctx context.Context, b *config.Build, scriptArgs []string, logger *slog.Logger) error {
	if err := checkRoot(); err != nil {
		return err
	}

	runner := osexec.New(logger)
	fin := &output.Finalizer{Build: b, Runner: runner, Logger: logger}
	if b.Output.Force > 0 {
		if err := fin.Clean(b.Output.Force > 1, b.Output.Force > 2); err != nil {
			return err
		}
	} else if err := fin.CheckExisting(); err != nil {
		return err
	}

	passphrase, err := readPassphrase(b)
	if err != nil {
		return err
	}

	pipeline := &image.Pipeline{
		Build:      b,
		Runner:     runner,
		Logger:     logger,
		Passphrase: passphrase,
		ScriptArgs: scriptArgs,
	}
	if err := pipeline.Build(ctx); err != nil {
		return err
	}

	printOutputSize(b, logger)
	return nil
}

// readPassphrase resolves the LUKS passphrase: the configured file if
// one exists, otherwise an interactive prompt with confirmation.
func readPassphrase(b *config.Build) (blockdev.Passphrase, error) {
	if b.Validation.PassphraseFile != "" {
		return blockdev.Passphrase{File: b.Validation.PassphraseFile}, nil
	}
	if !b.PassphrasePrompt {
		return blockdev.Passphrase{}, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return blockdev.Passphrase{}, fmt.Errorf(
			"encryption needs a passphrase and stdin is not a terminal; provide validation.passphrase_file")
	}

	fmt.Fprint(os.Stderr, "Please enter passphrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return blockdev.Passphrase{}, fmt.Errorf("reading passphrase: %w", err)
	}
	fmt.Fprint(os.Stderr, "Passphrase confirmation: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return blockdev.Passphrase{}, fmt.Errorf("reading passphrase: %w", err)
	}
	if !bytes.Equal(first, second) {
		return blockdev.Passphrase{}, fmt.Errorf("passphrases did not match")
	}
	return blockdev.Passphrase{Content: string(first)}, nil
}

// printOutputSize reports the final artifact's size. Raw images are
// sparse, so the apparent size and the consumed disk space differ.
func printOutputSize(b *config.Build, logger *slog.Logger) {
	if b.Output.Format == config.FormatDirectory {
		size, err := dirSize(b.OutputPath)
		if err != nil {
			return
		}
		logger.Info("resulting image size", "size", humanize.IBytes(uint64(size)))
		return
	}

	var st unix.Stat_t
	if err := unix.Stat(b.OutputPath, &st); err != nil {
		return
	}
	logger.Info("resulting image size",
		"size", humanize.IBytes(uint64(st.Size)),
		"consumes", humanize.IBytes(uint64(st.Blocks*512)))
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
