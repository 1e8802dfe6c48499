// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/osmith-project/osmith/cmd/osmith/cli"
	"github.com/osmith-project/osmith/lib/osexec"
	"github.com/osmith-project/osmith/lib/output"
)

func cleanCommand(configPath string) *cli.Command {
	var force int

	return &cli.Command{
		Name:    "clean",
		Summary: "Remove build outputs",
		Description: `Remove the previous build's outputs: the image, checksums, signature,
bmap, manifests, split artifacts and the generated SSH key. With
--force the incremental cache images go too and the build directory is
emptied; a second --force also empties the package cache.`,
		Usage: "osmith clean [flags]",
		Examples: []cli.Example{
			{
				Description: "Remove outputs and incremental cache images",
				Command:     "osmith clean --force",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("clean", pflag.ContinueOnError)
			flagSet.CountVarP(&force, "force", "f",
				"also remove cache images; repeat for the package cache")
			return flagSet
		},
		Run: func(_ context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			b, err := loadBuild(configPath, force, logger)
			if err != nil {
				return err
			}
			fin := &output.Finalizer{Build: b, Runner: osexec.New(logger), Logger: logger}
			return fin.Clean(force > 0, force > 1)
		},
	}
}
