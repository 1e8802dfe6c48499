// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace manages the temporary directory a build runs in
// and the lock that serializes builds over it.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/osmith-project/osmith/lib/config"
)

// Workspace is one build's scratch area. The image tree grows in
// Root(), large temporary files in VarTmp(), and the whole directory
// disappears on Close.
type Workspace struct {
	// Dir is the workspace directory.
	Dir string

	logger   *slog.Logger
	lockFile *os.File
}

// New creates the workspace directory: inside the configured
// workspace dir when one is set, next to the output for directory
// images so the finished tree renames into place without crossing
// filesystems, under the large-tmp directory otherwise.
func New(logger *slog.Logger, b *config.Build) (*Workspace, error) {
	var dir string
	var err error
	switch {
	case b.Build.WorkspaceDir != "":
		dir, err = os.MkdirTemp(b.Build.WorkspaceDir, ".osmith-")
	case b.Output.Format == config.FormatDirectory:
		dir, err = os.MkdirTemp(filepath.Dir(b.OutputPath), ".osmith-")
	default:
		dir, err = os.MkdirTemp(tmpDir(), "osmith-")
	}
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	logger.Debug("workspace created", "dir", dir)
	return &Workspace{Dir: dir, logger: logger}, nil
}

// tmpDir is where large scratch files go. /tmp is routinely a tmpfs
// too small for image trees.
func tmpDir() string {
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return dir
	}
	return "/var/tmp"
}

// Root returns the image tree path inside the workspace.
func (w *Workspace) Root() string {
	return filepath.Join(w.Dir, "root")
}

// VarTmp returns the scratch directory surfaced to the image as
// /var/tmp, creating it on first use.
func (w *Workspace) VarTmp() (string, error) {
	dir := filepath.Join(w.Dir, "var-tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Lock takes an exclusive advisory lock on the workspace directory.
// It serializes concurrent builds and keeps systemd-tmpfiles aging
// away from the tree while the build runs. Blocks until the lock is
// free.
func (w *Workspace) Lock() error {
	if w.lockFile != nil {
		return nil
	}
	f, err := os.Open(w.Dir)
	if err != nil {
		return fmt.Errorf("opening workspace for locking: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return fmt.Errorf("locking workspace %s: %w", w.Dir, err)
	}
	w.lockFile = f
	return nil
}

// Unlock releases the workspace lock. Closing the descriptor drops
// the flock.
func (w *Workspace) Unlock() error {
	if w.lockFile == nil {
		return nil
	}
	err := w.lockFile.Close()
	w.lockFile = nil
	return err
}

// Close releases the lock and removes the workspace with everything
// in it.
func (w *Workspace) Close() error {
	if err := w.Unlock(); err != nil {
		w.logger.Warn("unlocking workspace failed", "error", err)
	}
	return os.RemoveAll(w.Dir)
}
