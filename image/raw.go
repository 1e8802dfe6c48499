// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/osmith-project/osmith/lib/osexec"
)

// createImage allocates the raw image backing file and writes the
// initial partition table. The file is a hidden temporary next to the
// output path, so publishing the finished image is a rename on the
// same filesystem.
func createImage(ctx context.Context, st *StageContext) (string, error) {
	b := st.Build
	if !b.Output.Format.IsDisk() {
		return "", nil
	}

	f, err := os.CreateTemp(filepath.Dir(b.OutputPath), ".osmith-*.raw")
	if err != nil {
		return "", fmt.Errorf("creating image file: %w", err)
	}
	path := f.Name()

	disableCow(ctx, st.Runner, path)

	size := b.ImageSize()
	if err := f.Truncate(size); err != nil {
		f.Close()
		return "", fmt.Errorf("sizing image to %d bytes: %w", size, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	st.Logger.Info("created image", "path", path, "size", humanize.IBytes(uint64(size)))
	if err := applyPartitionTable(ctx, st, path); err != nil {
		return "", err
	}
	return path, nil
}

// applyPartitionTable runs sfdisk with the plan's initial table
// script. Images whose only partition is a generated root start with
// no table at all; the insertion machinery synthesizes one later.
func applyPartitionTable(ctx context.Context, st *StageContext, path string) error {
	script, apply := st.Build.PartitionScript()
	st.TableApplied = apply
	if !apply {
		return nil
	}
	if err := st.Runner.Run(ctx, osexec.Spec{
		Argv:  []string{"sfdisk", "--color=never", path},
		Stdin: strings.NewReader(script),
	}); err != nil {
		return fmt.Errorf("writing partition table: %w", err)
	}
	return st.Runner.Run(ctx, osexec.Spec{Argv: []string{"sync"}})
}

// refreshPartitionTable re-applies the same sfdisk script to a reused
// cache image. Offsets and sizes come out identical, but partition
// UUIDs and labels are regenerated, so cached builds hand out fresh
// identities just like uncached ones.
func refreshPartitionTable(ctx context.Context, st *StageContext, path string) error {
	if !st.Build.Output.Format.IsDisk() {
		return nil
	}
	st.Logger.Info("refreshing partition table", "path", path)
	return applyPartitionTable(ctx, st, path)
}

// reuseCacheImage copies the stage cache image into place. The
// returned bool reports whether a cached image is now in use. In
// cache-populate mode an existing cache artifact short-circuits the
// whole pass instead; only manual removal or a double --force
// refreshes it.
func reuseCacheImage(ctx context.Context, st *StageContext) (string, bool, error) {
	b := st.Build
	if !b.Build.Incremental || !b.Output.Format.IsDiskRW() {
		return "", false, nil
	}

	cache := b.CachePreInst
	if st.BuildPass {
		cache = b.CachePreDev
	}

	if st.ForCache {
		_, err := os.Stat(cache)
		return "", err == nil, nil
	}

	src, err := os.Open(cache)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer src.Close()

	st.Logger.Info("basing off cached image", "cache", cache)

	dst, err := os.CreateTemp(filepath.Dir(b.OutputPath), ".osmith-*.raw")
	if err != nil {
		return "", false, fmt.Errorf("creating image file: %w", err)
	}
	path := dst.Name()

	// CoW off before any data lands; the copy itself may still
	// reflink, later random writes stay in place.
	disableCow(ctx, st.Runner, path)

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", false, fmt.Errorf("copying cached image: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", false, err
	}

	_, st.TableApplied = b.PartitionScript()
	return path, true, nil
}

// disableCow turns off copy-on-write for the file where the
// filesystem supports it. Plain filesystems report an error, which is
// fine.
func disableCow(ctx context.Context, runner osexec.Runner, path string) {
	_ = runner.Run(ctx, osexec.Spec{Argv: []string{"chattr", "+C", path}})
}

// stageFile copies src into a hidden temporary inside dir, which
// must be on the output's filesystem so publishing stays a rename.
func stageFile(src, dir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, ".osmith-*")
	if err != nil {
		return "", err
	}
	path := out.Name()

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("staging %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
