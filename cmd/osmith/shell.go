// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/osmith-project/osmith/cmd/osmith/cli"
	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
)

func shellCommand(configPath string) *cli.Command {
	var force int

	return &cli.Command{
		Name:    "shell",
		Summary: "Run a shell or command in the built image",
		Description: `Start an interactive shell in the built image with systemd-nspawn, or
run the given command in it. Builds the image first when no output
exists yet; --force rebuilds it.

Read-only and verity images run with a volatile overlay, so changes
made in the shell do not touch the image.`,
		Usage: "osmith shell [flags] [command...]",
		Examples: []cli.Example{
			{
				Description: "Interactive shell",
				Command:     "osmith shell",
			},
			{
				Description: "Run a single command",
				Command:     "osmith shell cat /etc/os-release",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("shell", pflag.ContinueOnError)
			flagSet.SetInterspersed(false)
			flagSet.CountVarP(&force, "force", "f",
				"rebuild the image first; repeat to also discard caches")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := checkRoot(); err != nil {
				return err
			}
			b, err := loadBuild(configPath, force, logger)
			if err != nil {
				return err
			}

			// --force discards the previous image inside runBuild;
			// otherwise an existing output is entered as-is.
			if _, err := os.Stat(b.OutputPath); os.IsNotExist(err) || force > 0 {
				if err := runBuild(ctx, b, nil, logger); err != nil {
					return err
				}
			}

			runner := osexec.New(logger)
			err = runner.Run(ctx, osexec.Spec{
				Argv:   shellArgv(b, args),
				Stdin:  os.Stdin,
				Stdout: os.Stdout,
				Stderr: os.Stderr,
			})
			// The container ran with the terminal attached, so its
			// failure output is already on screen; just carry the
			// code. Start failures still get reported.
			if code, ok := osexec.ExitStatus(err); ok && code >= 0 {
				return &cli.ExitError{Code: code}
			}
			return err
		},
	}
}

// shellArgv assembles the systemd-nspawn invocation that enters the
// built image.
func shellArgv(b *config.Build, cmdline []string) []string {
	argv := []string{"systemd-nspawn"}

	if b.Output.Format == config.FormatDirectory {
		argv = append(argv, "--directory="+b.OutputPath)
	} else {
		argv = append(argv, "--image="+b.OutputPath)
	}

	if b.Output.ReadOnly {
		argv = append(argv, "--read-only")
	}
	// A .nspawn file shipped next to the image is only honoured when
	// explicitly trusted.
	if b.Build.NSpawnSettings != "" {
		argv = append(argv, "--settings=trusted")
	}
	// Generated roots and verity images cannot be written in place.
	if b.GeneratedRoot() || b.Output.Verity {
		argv = append(argv, "--volatile=overlay")
	}
	if b.Host.NetworkVeth {
		argv = append(argv, "--network-veth")
	}
	argv = append(argv, "--machine="+b.MachineName())

	if len(cmdline) > 0 {
		argv = append(argv, "--")
		argv = append(argv, cmdline...)
	}
	return argv
}
