// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CheckExisting fails when a previous build's outputs are still in
// place, so a plain rebuild does not silently overwrite them. Only the
// artifacts the current configuration would produce are considered.
func (f *Finalizer) CheckExisting() error {
	b := f.Build
	if b.Build.SkipFinalPhase {
		return nil
	}
	paths := []string{b.OutputPath}
	if b.Validation.Checksum {
		paths = append(paths, b.ChecksumPath)
	}
	if b.Validation.Sign {
		paths = append(paths, b.SignaturePath)
	}
	if b.Validation.BMap {
		paths = append(paths, b.BMapPath)
	}
	if b.Build.NSpawnSettings != "" {
		paths = append(paths, b.NSpawnOutputPath)
	}
	if b.Output.Verity {
		paths = append(paths, b.RootHashPath)
	}
	if b.Host.SSH {
		paths = append(paths, b.SSHKeyPath)
	}
	if b.Output.SplitArtifacts {
		paths = append(paths, b.SplitRootPath, b.SplitVerityPath, b.SplitKernelPath)
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Lstat(path); err == nil {
			return fmt.Errorf("output path %s exists already, pass --force to rebuild", path)
		}
	}
	return nil
}

// Clean removes a previous build's outputs. removeCache also removes
// the incremental cache images and empties the build directory;
// removePackageCache additionally empties the package cache. Removal
// is attempted for every artifact even when some fail.
func (f *Finalizer) Clean(removeCache, removePackageCache bool) error {
	b := f.Build
	var errs []error
	remove := func(path string) {
		if path == "" {
			return
		}
		if _, err := os.Lstat(path); err != nil {
			return
		}
		f.Logger.Debug("removing", "path", path)
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
		}
	}

	// skip_final_phase builds stop before the final image, so the
	// previous one stays in place.
	if !b.Build.SkipFinalPhase {
		remove(b.OutputPath)
		remove(b.OutputPath + ".manifest")
		remove(b.OutputPath + ".packages")
		remove(b.ChecksumPath)
		remove(b.SignaturePath)
		remove(b.RootHashPath)
		remove(b.BMapPath)
		remove(b.SplitRootPath)
		remove(b.SplitVerityPath)
		remove(b.SplitKernelPath)
		remove(b.NSpawnOutputPath)
	}
	if b.Host.SSH && b.SSHKeyPath != "" {
		remove(b.SSHKeyPath)
		remove(b.SSHKeyPath + ".pub")
	}

	if removeCache {
		remove(b.CachePreDev)
		remove(b.CachePreInst)
		errs = append(errs, f.emptyDirectory(b.Build.Dir))
		errs = append(errs, f.emptyDirectory(b.Build.InstallDir))
	}
	if removePackageCache {
		errs = append(errs, f.emptyDirectory(b.Build.CacheDir))
	}

	return errors.Join(errs...)
}

// emptyDirectory removes a directory's contents but keeps the
// directory, which may be a mount point or deliberate fixture.
func (f *Finalizer) emptyDirectory(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) > 0 {
		f.Logger.Debug("emptying directory", "path", dir)
	}
	var errs []error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
