// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/osmith-project/osmith/lib/config"
)

// LinkAll moves every produced artifact from the workspace to its
// final output name and writes the package manifests. The primary
// image lands last so a complete set of auxiliary artifacts never
// accompanies a half-published image.
func (f *Finalizer) LinkAll(a *Artifacts) error {
	aux := []struct {
		src, dst string
		mode     fs.FileMode
	}{
		{a.RootHashFile, f.Build.RootHashPath, 0o644},
		{a.SplitRoot, f.Build.SplitRootPath, 0o644},
		{a.SplitVerity, f.Build.SplitVerityPath, 0o644},
		{a.SplitKernel, f.Build.SplitKernelPath, 0o644},
		{a.Checksum, f.Build.ChecksumPath, 0o644},
		{a.Signature, f.Build.SignaturePath, 0o644},
		{a.BMap, f.Build.BMapPath, 0o644},
		{a.NSpawn, f.Build.NSpawnOutputPath, 0o644},
	}
	for _, artifact := range aux {
		if artifact.src == "" {
			continue
		}
		if err := f.publish(artifact.src, artifact.dst, artifact.mode); err != nil {
			return err
		}
	}

	if a.SSHKey != "" && f.Build.SSHKeyPath != "" {
		if err := f.publish(a.SSHKey, f.Build.SSHKeyPath, 0o600); err != nil {
			return err
		}
		if err := f.publish(a.SSHKey+".pub", f.Build.SSHKeyPath+".pub", 0o644); err != nil {
			return err
		}
	}

	if err := f.writeManifests(a.Packages); err != nil {
		return err
	}

	if f.Build.Output.Format == config.FormatDirectory {
		// The workspace sits next to the output for directory images,
		// so this rename stays on one filesystem.
		if err := os.Rename(a.Image, f.Build.OutputPath); err != nil {
			return fmt.Errorf("moving directory tree into place: %w", err)
		}
		f.Logger.Info("output written", "path", f.relPath(f.Build.OutputPath))
		return nil
	}
	return f.publish(a.Image, f.Build.OutputPath, 0o644)
}

// publish moves src to dst. A plain rename is tried first; when the
// workspace sits on another filesystem the artifact is staged as a
// temporary file next to dst and renamed into place.
func (f *Finalizer) publish(src, dst string, mode fs.FileMode) error {
	if err := os.Rename(src, dst); err != nil {
		if err := f.copyInto(src, dst); err != nil {
			return fmt.Errorf("publishing %s: %w", filepath.Base(dst), err)
		}
	}
	if err := os.Chmod(dst, mode); err != nil {
		return err
	}
	f.Logger.Info("output written", "path", f.relPath(dst))
	return nil
}

func (f *Finalizer) copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".osmith-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// relPath renders a path relative to the current directory for
// logging, matching how the output location was configured.
func (f *Finalizer) relPath(path string) string {
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(cwd, path)
	if err != nil || len(rel) >= len(path) {
		return path
	}
	return rel
}
