// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/netdiscover"
	"github.com/osmith-project/osmith/lib/osexec"
	"github.com/osmith-project/osmith/lib/sshkey"
)

// sshUnit is the sshd service name, which Debian derivatives spell
// differently.
func sshUnit(distribution config.Distribution) string {
	switch distribution {
	case config.Debian, config.Ubuntu:
		return "ssh"
	}
	return "sshd"
}

// setupSSH enables sshd in the image and authorizes a key for root.
// Enabling the unit is part of the cached tree; the key never is,
// because generating one leaves the private half outside the image.
// Returns the path of a freshly generated private key, staged next to
// its final location, or "" when the user's own key was authorized.
func setupSSH(ctx context.Context, st *StageContext) (string, error) {
	b := st.Build
	if st.BuildPass || !b.Host.SSH {
		return "", nil
	}

	if !st.Cached {
		err := st.Runner.Run(ctx, osexec.Spec{
			Argv: []string{"systemctl", "--root", st.Root, "enable", sshUnit(b.Distribution.Name)},
		})
		if err != nil {
			return "", fmt.Errorf("enabling sshd: %w", err)
		}
	}
	if st.ForCache {
		return "", nil
	}

	if b.Host.SSHKey != "" {
		if err := sshkey.InstallAuthorizedKey(st.RootHome(), b.Host.SSHKey); err != nil {
			return "", err
		}
		return "", nil
	}

	st.Logger.Info("generating ssh key pair")
	f, err := os.CreateTemp(filepath.Dir(b.SSHKeyPath), ".osmith-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()

	if err := sshkey.Generate(path, "osmith"); err != nil {
		return "", err
	}
	if err := sshkey.InstallAuthorizedKey(st.RootHome(), path); err != nil {
		return "", err
	}
	// Only the private half is staged for publishing.
	if err := os.Remove(path + ".pub"); err != nil {
		return "", err
	}
	return path, nil
}

// setupNetworkVeth provisions the image's half of the host-visible
// virtual ethernet link nspawn and qemu set up.
func setupNetworkVeth(ctx context.Context, st *StageContext) error {
	b := st.Build
	if st.BuildPass || st.Cached || !b.Host.NetworkVeth {
		return nil
	}
	st.Logger.Info("setting up network veth")
	return netdiscover.ProvisionVeth(ctx, st.Runner, st.Root)
}
