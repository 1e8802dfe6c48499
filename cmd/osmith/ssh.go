// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/osmith-project/osmith/cmd/osmith/cli"
	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/netdiscover"
	"github.com/osmith-project/osmith/lib/osexec"
)

func sshCommand(configPath string) *cli.Command {
	return &cli.Command{
		Name:    "ssh",
		Summary: "Log into the booted image",
		Description: `Connect to the booted image over the virtual ethernet link. The image
must have been built with host.ssh enabled and be running, for example
under "osmith shell" with host.network_veth, so its link-local address
shows up in the host's neighbor table.

Arguments are passed to ssh as the remote command.`,
		Usage: "osmith ssh [command...]",
		Examples: []cli.Example{
			{
				Description: "Interactive login",
				Command:     "osmith ssh",
			},
			{
				Description: "Check the journal of the running image",
				Command:     "osmith ssh journalctl -b",
			},
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			b, err := loadBuild(configPath, 0, logger)
			if err != nil {
				return err
			}
			return runSSH(ctx, b, args, logger)
		},
	}
}

func runSSH(ctx context.Context, b *config.Build, args []string, logger *slog.Logger) error {
	key := b.Host.SSHKey
	if key == "" {
		key = b.SSHKeyPath
	}
	if key == "" {
		return fmt.Errorf("ssh is not enabled; set host.ssh and rebuild")
	}
	if _, err := os.Stat(key); err != nil {
		return fmt.Errorf("ssh key not found at %s; are you in the project directory, and was the image built with host.ssh enabled?", key)
	}

	runner := osexec.New(logger)
	discoverer := netdiscover.New(runner, logger)
	timeout := time.Duration(b.Host.SSHTimeout) * time.Second
	address, device, err := discoverer.FindAddress(ctx, b.MachineName(), timeout)
	if err != nil {
		return fmt.Errorf("finding machine address: %w", err)
	}

	argv := []string{
		"ssh", "-i", key,
		// The image's host key changes with every build.
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "StrictHostKeyChecking=no",
		"-o", "LogLevel=ERROR",
		fmt.Sprintf("root@%s%%%s", address, device),
	}
	argv = append(argv, args...)

	err = runner.Run(ctx, osexec.Spec{
		Argv:   argv,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	// ssh ran with the terminal attached; propagate the remote exit
	// status without another error line. Start failures still get
	// reported.
	if code, ok := osexec.ExitStatus(err); ok && code >= 0 {
		return &cli.ExitError{Code: code}
	}
	return err
}
