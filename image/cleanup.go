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

// removeFiles deletes the configured glob patterns from the tree.
func removeFiles(st *StageContext) error {
	b := st.Build
	if len(b.Packages.RemoveFiles) == 0 {
		return nil
	}
	st.Logger.Info("removing files", "patterns", len(b.Packages.RemoveFiles))

	for _, pattern := range b.Packages.RemoveFiles {
		matches, err := filepath.Glob(filepath.Join(st.Root, strings.TrimLeft(pattern, "/")))
		if err != nil {
			return fmt.Errorf("remove_files pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			st.Logger.Debug("removing", "path", match)
			if err := os.RemoveAll(match); err != nil {
				return err
			}
		}
	}
	return nil
}

// resetMachineID empties /etc/machine-id so the image initializes and
// commits its own on first boot, or runs with a transient one when
// read-only. The dbus copy becomes a symlink to it.
func resetMachineID(st *StageContext) error {
	if st.BuildPass || st.ForCache {
		return nil
	}
	st.Logger.Info("resetting machine ID")

	machineID := filepath.Join(st.Root, "etc/machine-id")
	if err := os.Remove(machineID); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.WriteFile(machineID, nil, 0o644); err != nil {
		return err
	}

	dbusMachineID := filepath.Join(st.Root, "var/lib/dbus/machine-id")
	switch err := os.Remove(dbusMachineID); {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	}
	return os.Symlink("../../../etc/machine-id", dbusMachineID)
}

// resetRandomSeed removes the stored entropy seed so every deployed
// image starts from fresh entropy.
func resetRandomSeed(st *StageContext) error {
	seed := filepath.Join(st.Root, "var/lib/systemd/random-seed")
	err := os.Remove(seed)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil {
		st.Logger.Info("removed random seed")
	}
	return err
}

// makeReadOnly marks a btrfs root subvolume read-only. Generated
// roots are read-only through the filesystem itself.
func makeReadOnly(ctx context.Context, st *StageContext) error {
	b := st.Build
	if !b.Output.ReadOnly || st.ForCache {
		return nil
	}
	if !b.Output.Format.IsBtrfs() || b.GeneratedRoot() {
		return nil
	}
	st.Logger.Info("marking root subvolume read-only")
	return st.Runner.Run(ctx, osexec.Spec{
		Argv: []string{"btrfs", "property", "set", st.Root, "ro", "true"},
	})
}
