// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// osmith builds legacy-free, bootable OS disk images.
//
// An image is described by osmith.yaml plus conventional osmith.* files
// in the current directory (build script, skeleton and extra trees,
// version file, ...). The build orchestrates the host's partitioning,
// filesystem and container tools, so it runs as root.
//
//	osmith build
//	osmith summary
//	osmith shell
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/osmith-project/osmith/cmd/osmith/cli"
	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/version"
)

func main() {
	if err := run(); err != nil {
		// Commands that already produced their own output (like ssh
		// propagating the remote exit status) return an ExitError with
		// the desired code. Don't print a redundant "error:" line for
		// those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// SIGINT/SIGTERM cancel the context; loop devices, mounts and LUKS
	// mappings are torn down before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts globalOptions
	flagSet := globalFlags(&opts)
	flagSet.SetOutput(io.Discard)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			rootCommand("").PrintHelp(os.Stderr)
			return nil
		}
		return fmt.Errorf("%w\n\nRun 'osmith --help' for usage.", err)
	}

	if opts.directory != "" {
		if err := os.Chdir(opts.directory); err != nil {
			return fmt.Errorf("changing directory: %w", err)
		}
	}

	logger := cli.NewCommandLogger(opts.verbose)
	return rootCommand(opts.config).Execute(ctx, flagSet.Args(), logger)
}

// globalOptions are the flags accepted before the verb.
type globalOptions struct {
	config    string
	directory string
	verbose   bool
}

// globalFlags binds the global flag set to opts. Parsing stops at the
// first non-flag argument, which is the verb; everything after it
// belongs to the verb's own flag set.
func globalFlags(opts *globalOptions) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("osmith", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&opts.config, "config", "",
		"configuration file (default $OSMITH_CONFIG, then "+config.DefaultPath+")")
	flagSet.StringVarP(&opts.directory, "directory", "C", "",
		"change to this directory before doing anything")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false,
		"debug logging, including every external tool invocation")
	return flagSet
}

// rootCommand builds the osmith command tree. configPath is the
// --config value; run parses the global flags before dispatch, so every
// verb sees the final value.
func rootCommand(configPath string) *cli.Command {
	return &cli.Command{
		Name: "osmith",
		Description: `osmith: build legacy-free, bootable OS disk images.

Images are described by ` + config.DefaultPath + ` plus conventional osmith.*
files picked up from the current directory: a build script, skeleton
and extra trees, a version file, scripts for the prepare, post-install
and finalize hooks. The build requires root privileges.`,
		Usage: "osmith [global flags] <command> [flags]",
		// Parsed by run before dispatch; declared here so help output
		// lists them.
		Flags: func() *pflag.FlagSet {
			var scratch globalOptions
			return globalFlags(&scratch)
		},
		Subcommands: []*cli.Command{
			buildCommand(configPath),
			cleanCommand(configPath),
			summaryCommand(configPath),
			shellCommand(configPath),
			sshCommand(configPath),
			genkeyCommand(configPath),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, _ []string, _ *slog.Logger) error {
					fmt.Printf("osmith %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Build the image described by " + config.DefaultPath,
				Command:     "osmith build",
			},
			{
				Description: "Rebuild, replacing the previous output",
				Command:     "osmith build --force",
			},
			{
				Description: "Show the derived build plan without building",
				Command:     "osmith summary",
			},
			{
				Description: "Run a command in the built image",
				Command:     "osmith shell cat /etc/os-release",
			},
			{
				Description: "Log into the booted image over the virtual ethernet link",
				Command:     "osmith ssh",
			},
		},
	}
}

// checkRoot guards the verbs that attach loop devices, mount
// filesystems and spawn containers.
func checkRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must be invoked as root")
	}
	return nil
}
