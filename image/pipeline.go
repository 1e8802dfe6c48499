// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/osmith-project/osmith/lib/archive"
	"github.com/osmith-project/osmith/lib/blockdev"
	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/distro"
	"github.com/osmith-project/osmith/lib/output"
)

// buildImage runs one pass through the pipeline: allocate and attach
// the image, format and mount its volumes, populate and clean up the
// tree, then turn the result into the output format. The stage gates
// carried in st decide what each pass actually does.
func buildImage(ctx context.Context, st *StageContext) (out *BuildOutput, err error) {
	b := st.Build
	out = &BuildOutput{}
	defer func() {
		if err != nil {
			out.removeTemps(st.Logger)
		}
	}()

	// A development pass without a build script has nothing to do.
	if st.BuildPass && b.Build.Script == "" {
		return out, nil
	}

	if b.Build.Dir != "" {
		if err := os.MkdirAll(b.Build.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating build directory: %w", err)
		}
	}

	installer, err := distro.Resolve(b.Distribution.Name)
	if err != nil {
		return nil, err
	}
	cacheMounts := installer.Traits().CacheMounts

	raw, cached, err := reuseCacheImage(ctx, st)
	if err != nil {
		return nil, err
	}
	if st.ForCache && cached {
		// The cache artifact exists already; only --force --force
		// refreshes it.
		return out, nil
	}
	st.Cached = cached

	if cached {
		if err := refreshPartitionTable(ctx, st, raw); err != nil {
			os.Remove(raw)
			return nil, err
		}
	} else if raw, err = createImage(ctx, st); err != nil {
		return nil, err
	}
	st.RawPath = raw
	out.Raw = raw

	if raw != "" {
		loop, err := blockdev.AttachLoop(ctx, st.Runner, st.Logger, raw)
		if err != nil {
			return nil, err
		}
		st.Loop = loop
		defer loop.Detach(context.WithoutCancel(ctx))
	}

	if err := blockdev.FormatFixed(ctx, st.Runner, st.Logger, b, st.Loop, st.Cached); err != nil {
		return nil, err
	}
	if err := blockdev.FormatLuks(ctx, st.Runner, st.Logger, b, st.Loop, st.Passphrase, st.BuildPass, st.Cached); err != nil {
		return nil, err
	}

	volumes, closeVolumes, err := blockdev.SetupAll(ctx, st.Runner, st.Logger, b, st.Loop, st.Passphrase, st.BuildPass)
	if err != nil {
		return nil, err
	}
	defer closeVolumes(context.WithoutCancel(ctx))
	st.Volumes = volumes

	if err := blockdev.FormatVolumes(ctx, st.Runner, st.Logger, b, volumes, st.Cached); err != nil {
		return nil, err
	}
	for _, dev := range []string{volumes.Root, volumes.Home, volumes.Srv, volumes.Var, volumes.Tmp} {
		if err := blockdev.RefreshFileSystem(ctx, st.Runner, st.Logger, b, dev, st.Cached); err != nil {
			return nil, err
		}
	}

	// The generated root has no filesystem to mount yet; its partition
	// is filled in after the tree is complete.
	unmount, err := blockdev.MountImage(ctx, st.Runner, st.Logger, b, st.Loop,
		volumes.WithoutGeneratedRoot(b), st.Root, false)
	if err != nil {
		return nil, err
	}
	mounted := true
	defer func() {
		if mounted {
			unmount(context.WithoutCancel(ctx))
		}
	}()

	if err := populateTree(ctx, st, installer, cacheMounts, out); err != nil {
		return nil, err
	}

	mounted = false
	if err := unmount(ctx); err != nil {
		return nil, fmt.Errorf("unmounting image: %w", err)
	}

	generated, err := makeGeneratedRoot(ctx, st)
	if err != nil {
		return nil, err
	}
	if err := insertGeneratedRoot(ctx, st, generated); err != nil {
		if generated != "" {
			os.Remove(generated)
		}
		return nil, err
	}
	split, err := splitRoot(ctx, st, generated)
	if err != nil {
		if generated != "" {
			os.Remove(generated)
		}
		return nil, err
	}
	out.SplitRoot = split
	if generated != "" && split != generated {
		os.Remove(generated)
	}

	hashPath, rootHash, err := makeVerity(ctx, st)
	if err != nil {
		return nil, err
	}
	out.RootHash = rootHash
	if b.Output.SplitArtifacts {
		out.SplitVerity = hashPath
	} else if hashPath != "" {
		defer os.Remove(hashPath)
	}
	if err := patchRootUUID(ctx, st, rootHash); err != nil {
		return nil, err
	}
	if err := insertVerity(ctx, st, hashPath, rootHash); err != nil {
		return nil, err
	}

	// The verity data is final now, so these stages see the root
	// strictly read-only.
	remount := func(rctx context.Context) (func(context.Context) error, error) {
		return blockdev.MountImage(rctx, st.Runner, st.Logger, b, st.Loop,
			volumes.WithoutGeneratedRoot(b), st.Root, true)
	}
	if err := installUnifiedKernel(ctx, st, rootHash, remount); err != nil {
		return nil, err
	}
	if err := secureBootSign(ctx, st, remount); err != nil {
		return nil, err
	}
	if out.SplitKernel, err = extractUnifiedKernel(ctx, st, remount); err != nil {
		return nil, err
	}

	if out.Archive, err = makeArchive(ctx, st); err != nil {
		return nil, err
	}
	return out, nil
}

// populateTree runs every stage that works on the mounted tree, from
// package installation to the final read-only flip.
func populateTree(ctx context.Context, st *StageContext, installer distro.Installer, cacheMounts []distro.CacheMount, out *BuildOutput) error {
	b := st.Build
	finalPass := !st.BuildPass && !st.ForCache

	if err := prepareTree(ctx, st); err != nil {
		return err
	}
	cachedTree, err := reuseCacheTree(ctx, st)
	if err != nil {
		return err
	}
	st.Cached = cachedTree

	if err := installSkeletonTrees(ctx, st, st.Cached); err != nil {
		return err
	}
	if err := installDistribution(ctx, st, installer, cacheMounts); err != nil {
		return err
	}
	if err := installHostname(st, st.Cached); err != nil {
		return err
	}
	if err := installBootLoader(ctx, st); err != nil {
		return err
	}
	if err := runPrepareScript(ctx, st, cacheMounts); err != nil {
		return err
	}
	if err := installBuildScript(st); err != nil {
		return err
	}
	if err := installBuildDest(ctx, st); err != nil {
		return err
	}
	if err := installExtraTrees(ctx, st); err != nil {
		return err
	}
	if err := setRootPassword(ctx, st); err != nil {
		return err
	}
	if err := setAutologin(st); err != nil {
		return err
	}
	if out.SSHKey, err = setupSSH(ctx, st); err != nil {
		return err
	}
	if err := setupNetworkVeth(ctx, st); err != nil {
		return err
	}
	if err := runPostinstScript(ctx, st, cacheMounts); err != nil {
		return err
	}

	if finalPass && len(b.Output.ManifestFormats) > 0 {
		fin := &output.Finalizer{Build: b, Runner: st.Runner, Logger: st.Logger}
		st.Logger.Info("recording packages in manifest")
		if out.Packages, err = fin.RecordPackages(ctx, st.Root); err != nil {
			return err
		}
	}

	if finalPass {
		if err := distro.CleanMetadata(st.Logger, b, st.Root); err != nil {
			return err
		}
		if err := removeFiles(st); err != nil {
			return err
		}
	}
	if err := resetMachineID(st); err != nil {
		return err
	}
	if err := resetRandomSeed(st); err != nil {
		return err
	}
	if err := runFinalizeScript(ctx, st); err != nil {
		return err
	}
	if finalPass && b.Output.Format.IsDisk() && !b.GeneratedRoot() {
		blockdev.Trim(ctx, st.Runner, st.Logger, st.Root)
	}
	return makeReadOnly(ctx, st)
}

// installDistribution installs the operating system into the tree,
// with the package cache mounted and the distribution's kernel
// installation hooks replaced for the duration.
func installDistribution(ctx context.Context, st *StageContext, installer distro.Installer, cacheMounts []distro.CacheMount) error {
	if st.Cached {
		return nil
	}
	if err := disableKernelInstall(st); err != nil {
		return err
	}

	tree := &distro.Tree{
		Build:     st.Build,
		Root:      st.Root,
		Workspace: st.Workspace.Dir,
		BuildPass: st.BuildPass,
		Runner:    st.Runner,
		Logger:    st.Logger,
		Exec: func(ctx context.Context, argv []string, network bool, env []string) error {
			return runStreaming(ctx, st, treeCommand(st, argv, network, env))
		},
	}
	err := withPackageCache(ctx, st, cacheMounts, func() error {
		return installer.Install(ctx, tree)
	})
	if err != nil {
		return fmt.Errorf("installing %s: %w", st.Build.Distribution.Name, err)
	}
	return reenableKernelInstall(st)
}

// makeArchive packs the finished tree into the tar or cpio output.
func makeArchive(ctx context.Context, st *StageContext) (string, error) {
	b := st.Build
	if st.BuildPass || st.ForCache {
		return "", nil
	}
	if b.Output.Format != config.FormatTar && b.Output.Format != config.FormatCPIO {
		return "", nil
	}

	dir := st.Root
	if b.Output.UsrOnly {
		dir = filepath.Join(st.Root, "usr")
	}
	path, err := tempBlob(st)
	if err != nil {
		return "", err
	}

	st.Logger.Info("creating archive", "format", b.Output.Format)
	if b.Output.Format == config.FormatTar {
		err = archive.WriteTar(ctx, st.Runner, dir, b.CompressOutput, path)
	} else {
		err = archive.WriteCpio(ctx, dir, b.CompressOutput, path)
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// removeTemps deletes every staged file this pass produced. Used on
// error paths and after development and cache passes, whose artifacts
// are consumed rather than published.
func (o *BuildOutput) removeTemps(logger *slog.Logger) {
	for _, path := range []string{o.Raw, o.Archive, o.SplitRoot, o.SplitVerity, o.SplitKernel, o.SSHKey} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("removing staged file failed", "path", path, "error", err)
		}
	}
	if o.SSHKey != "" {
		os.Remove(o.SSHKey + ".pub")
	}
	o.Raw, o.Archive, o.SplitRoot, o.SplitVerity, o.SplitKernel, o.SSHKey = "", "", "", "", "", ""
}
