// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package output publishes build artifacts: conversion and
// compression of the primary image, checksums, signatures, bmaps and
// package manifests, and the final move from the workspace to the
// configured output names.
package output

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/osmith-project/osmith/lib/compress"
	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
)

// Finalizer publishes the artifacts of one build.
type Finalizer struct {
	Build  *config.Build
	Runner osexec.Runner
	Logger *slog.Logger
}

// Artifacts collects the workspace paths of everything a build
// produced. Empty fields mean the artifact does not exist.
type Artifacts struct {
	// Image is the primary image, archive or directory tree.
	Image string

	// SSHKey is the generated private SSH key; its ".pub" neighbor is
	// published alongside.
	SSHKey string

	RootHashFile string
	Checksum     string
	Signature    string
	BMap         string
	NSpawn       string

	SplitRoot   string
	SplitVerity string
	SplitKernel string

	// Packages are the installed packages recorded for the manifest.
	Packages []Package
}

// Package is one installed package as recorded in the manifest.
type Package struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Architecture string `json:"architecture,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// QCow2 converts a raw disk image with qemu-img, replacing it. The
// returned path swaps the .raw suffix for .qcow2.
func (f *Finalizer) QCow2(ctx context.Context, raw string) (string, error) {
	if !f.Build.Output.QCow2 || !f.Build.Output.Format.IsDisk() {
		return raw, nil
	}

	dst := strings.TrimSuffix(raw, filepath.Ext(raw)) + ".qcow2"
	f.Logger.Info("converting image to qcow2")
	err := f.Runner.Run(ctx, osexec.Spec{
		Argv: []string{"qemu-img", "convert", "-onocow=on", "-fraw", "-Oqcow2", raw, dst},
	})
	if err != nil {
		return "", err
	}
	if err := os.Remove(raw); err != nil {
		return "", err
	}
	return dst, nil
}

// CompressOutput compresses an artifact with the configured output
// algorithm, replacing it. The returned path carries the algorithm
// suffix. An empty path passes through, so absent artifacts need no
// caller-side special casing.
func (f *Finalizer) CompressOutput(path string) (string, error) {
	algorithm := f.Build.CompressOutput
	if algorithm == "" || path == "" {
		return path, nil
	}

	f.Logger.Info("compressing output", "path", filepath.Base(path), "algorithm", algorithm)

	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst := path + compress.Suffix(algorithm)
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	cw, err := compress.NewWriter(algorithm, out)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(cw, src); err != nil {
		return "", fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := cw.Close(); err != nil {
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	if err := os.Remove(path); err != nil {
		return "", err
	}
	return dst, nil
}

// WriteRootHashFile writes the verity root hash into dir under its
// final basename. Returns "" when verity is off.
func (f *Finalizer) WriteRootHashFile(dir, rootHash string) (string, error) {
	if f.Build.RootHashPath == "" || rootHash == "" {
		return "", nil
	}
	path := filepath.Join(dir, filepath.Base(f.Build.RootHashPath))
	if err := os.WriteFile(path, []byte(rootHash+"\n"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// CopyNspawnSettings stages the configured .nspawn file into dir.
// Returns "" when none is configured.
func (f *Finalizer) CopyNspawnSettings(dir string) (string, error) {
	if f.Build.Build.NSpawnSettings == "" {
		return "", nil
	}
	data, err := os.ReadFile(f.Build.Build.NSpawnSettings)
	if err != nil {
		return "", fmt.Errorf("reading nspawn settings: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(f.Build.NSpawnOutputPath))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// WriteChecksums writes a SHA256SUMS file in dir covering every
// produced artifact, one "<hex> *<final name>" line per artifact,
// sorted by name. Returns "" when checksums are off or the format has
// no file artifacts.
func (f *Finalizer) WriteChecksums(dir string, a *Artifacts) (string, error) {
	if !f.Build.Validation.Checksum || f.Build.Output.Format == config.FormatDirectory {
		return "", nil
	}

	type entry struct {
		name, path string
	}
	var entries []entry
	add := func(path, finalPath string) {
		if path != "" {
			entries = append(entries, entry{filepath.Base(finalPath), path})
		}
	}
	add(a.Image, f.Build.OutputPath)
	add(a.RootHashFile, f.Build.RootHashPath)
	add(a.SplitRoot, f.Build.SplitRootPath)
	add(a.SplitVerity, f.Build.SplitVerityPath)
	add(a.SplitKernel, f.Build.SplitKernelPath)
	add(a.NSpawn, f.Build.NSpawnOutputPath)
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	f.Logger.Info("calculating checksums")

	path := filepath.Join(dir, filepath.Base(f.Build.ChecksumPath))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	for _, e := range entries {
		sum, err := hashFile(e.path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(out, "%s *%s\n", sum, e.name)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func hashFile(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	h := sha256.New()
	if _, err := io.Copy(h, in); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sign detaches a gpg signature for the checksum file. Returns ""
// when signing is off.
func (f *Finalizer) Sign(ctx context.Context, checksumPath string) (string, error) {
	if !f.Build.Validation.Sign || checksumPath == "" {
		return "", nil
	}

	sig := checksumPath + ".gpg"
	argv := []string{"gpg"}
	if key := f.Build.Validation.Key; key != "" {
		argv = append(argv, "--default-key", key)
	}
	argv = append(argv, "--detach-sign", "-o", sig, checksumPath)

	f.Logger.Info("signing checksums")
	if err := f.Runner.Run(ctx, osexec.Spec{Argv: argv}); err != nil {
		return "", err
	}
	return sig, nil
}

// WriteBmap creates a block map for the raw image with bmaptool.
// Returns "" when bmap generation is off or the format is not a
// flashable disk image.
func (f *Finalizer) WriteBmap(ctx context.Context, raw string) (string, error) {
	if !f.Build.Validation.BMap || !f.Build.Output.Format.IsDiskRW() {
		return "", nil
	}

	path := filepath.Join(filepath.Dir(raw), filepath.Base(f.Build.BMapPath))
	f.Logger.Info("creating block map")
	err := f.Runner.Run(ctx, osexec.Spec{
		Argv: []string{"bmaptool", "create", "-o", path, raw},
	})
	if err != nil {
		return "", err
	}
	return path, nil
}
