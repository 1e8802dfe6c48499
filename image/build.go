// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
	"github.com/osmith-project/osmith/lib/output"
	"github.com/osmith-project/osmith/lib/workspace"
)

// Build runs the whole build: the cache-populate passes when the
// incremental cache needs refreshing, the development pass carrying
// the build script, the final pass, and artifact publication.
func (p *Pipeline) Build(ctx context.Context) error {
	b := p.Build

	if err := os.MkdirAll(filepath.Dir(b.OutputPath), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	cacheDir, cleanupCache, err := p.setupPackageCache()
	if err != nil {
		return err
	}
	defer cleanupCache()

	ws, err := workspace.New(p.Logger, b)
	if err != nil {
		return err
	}
	defer ws.Close()
	if err := ws.Lock(); err != nil {
		return err
	}

	if b.Output.Format.IsBtrfs() {
		// Stale loop device nodes under /dev/disk/by-uuid would let
		// systemd-nspawn pick up an already detached device.
		defer p.Runner.Run(context.WithoutCancel(ctx), osexec.Spec{
			Argv: []string{"btrfs", "device", "scan", "-u"},
		})
	}

	installDir := b.Build.InstallDir
	if installDir == "" {
		installDir = filepath.Join(ws.Dir, "dest")
	}
	stage := func(buildPass, forCache bool) (*StageContext, error) {
		varTmp, err := ws.VarTmp()
		if err != nil {
			return nil, err
		}
		return &StageContext{
			Build:      b,
			Runner:     p.Runner,
			Logger:     p.Logger,
			Workspace:  ws,
			Root:       ws.Root(),
			VarTmp:     varTmp,
			CacheDir:   cacheDir,
			InstallDir: installDir,
			BuildPass:  buildPass,
			ForCache:   forCache,
			Passphrase: p.Passphrase,
		}, nil
	}

	if needCacheImages(b) {
		// A pre-development cache is pointless without a build script.
		if b.Build.Script != "" {
			p.Logger.Info("running first (development) stage to generate cached copy")
			if err := p.runCachePass(ctx, stage, true, b.CachePreDev); err != nil {
				return err
			}
		}
		p.Logger.Info("running second (final) stage to generate cached copy")
		if err := p.runCachePass(ctx, stage, false, b.CachePreInst); err != nil {
			return err
		}
	}

	var out *BuildOutput
	if b.Build.Script != "" {
		p.Logger.Info("running first (development) stage")
		st, err := stage(true, false)
		if err != nil {
			return err
		}
		devOut, err := buildImage(ctx, st)
		if err != nil {
			return err
		}
		if err := runBuildScript(ctx, st, p.ScriptArgs); err != nil {
			devOut.removeTemps(p.Logger)
			return err
		}
		if err := removeArtifacts(st, devOut, b.Build.SkipFinalPhase); err != nil {
			return err
		}
		out = devOut
	}

	if !b.Build.SkipFinalPhase {
		p.Logger.Info("running second (final) stage")
		st, err := stage(false, false)
		if err != nil {
			return err
		}
		if out, err = buildImage(ctx, st); err != nil {
			return err
		}
	} else {
		p.Logger.Info("skipping second (final) image build phase")
	}
	if out == nil {
		p.Logger.Warn("nothing to publish")
		return nil
	}

	if err := p.publish(ctx, ws, out); err != nil {
		out.removeTemps(p.Logger)
		return err
	}
	return nil
}

// runCachePass populates one stage cache artifact and discards
// everything else the pass produced.
func (p *Pipeline) runCachePass(ctx context.Context, stage func(bool, bool) (*StageContext, error), buildPass bool, cache string) error {
	st, err := stage(buildPass, true)
	if err != nil {
		return err
	}
	out, err := buildImage(ctx, st)
	if err != nil {
		return err
	}
	if err := saveCache(ctx, st, out, cache); err != nil {
		out.removeTemps(p.Logger)
		return err
	}
	return removeArtifacts(st, out, false)
}

// publish converts, compresses, checksums and signs the pass's
// artifacts, then moves everything to the configured output names.
func (p *Pipeline) publish(ctx context.Context, ws *workspace.Workspace, out *BuildOutput) error {
	b := p.Build
	fin := &output.Finalizer{Build: b, Runner: p.Runner, Logger: p.Logger}
	outputDir := filepath.Dir(b.OutputPath)

	a := &output.Artifacts{SSHKey: out.SSHKey, Packages: out.Packages}
	var err error

	image := out.Raw
	if image != "" {
		if image, err = fin.QCow2(ctx, image); err != nil {
			return err
		}
		if image, err = fin.CompressOutput(image); err != nil {
			return err
		}
		out.Raw = image
	}
	if out.Archive != "" {
		image = out.Archive
	}
	if b.Output.Format == config.FormatDirectory {
		image = ws.Root()
	}
	a.Image = image

	if out.SplitRoot, err = fin.CompressOutput(out.SplitRoot); err != nil {
		return err
	}
	if out.SplitVerity, err = fin.CompressOutput(out.SplitVerity); err != nil {
		return err
	}
	if out.SplitKernel, err = fin.CompressOutput(out.SplitKernel); err != nil {
		return err
	}
	a.SplitRoot, a.SplitVerity, a.SplitKernel = out.SplitRoot, out.SplitVerity, out.SplitKernel

	if a.RootHashFile, err = fin.WriteRootHashFile(outputDir, out.RootHash); err != nil {
		return err
	}
	if a.NSpawn, err = fin.CopyNspawnSettings(outputDir); err != nil {
		return err
	}
	if a.Checksum, err = fin.WriteChecksums(outputDir, a); err != nil {
		return err
	}
	if a.Signature, err = fin.Sign(ctx, a.Checksum); err != nil {
		return err
	}
	if a.BMap, err = fin.WriteBmap(ctx, a.Image); err != nil {
		return err
	}

	if a.Image == "" && b.Output.Format != config.FormatDirectory {
		p.Logger.Warn("no image produced")
		return nil
	}
	if err := fin.LinkAll(a); err != nil {
		return err
	}
	if out.RootHash != "" {
		p.Logger.Info("root hash", "hash", out.RootHash)
	}
	return nil
}

// setupPackageCache ensures the shared package cache exists. Without a
// configured location a temporary cache next to the output carries
// downloads across the passes of this one build.
func (p *Pipeline) setupPackageCache() (string, func(), error) {
	b := p.Build
	if dir := b.Build.CacheDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", nil, fmt.Errorf("creating package cache: %w", err)
		}
		return dir, func() {}, nil
	}
	dir, err := os.MkdirTemp(filepath.Dir(b.OutputPath), ".osmith-")
	if err != nil {
		return "", nil, fmt.Errorf("creating package cache: %w", err)
	}
	p.Logger.Debug("package cache created", "dir", dir)
	return dir, func() { os.RemoveAll(dir) }, nil
}

// needCacheImages reports whether the cache-populate passes must run
// first: with incremental builds enabled, whenever either stage cache
// artifact is missing, or forced by a repeated --force.
func needCacheImages(b *config.Build) bool {
	if !b.Build.Incremental {
		return false
	}
	if b.Output.Force > 1 {
		return true
	}
	_, errDev := os.Stat(b.CachePreDev)
	_, errInst := os.Stat(b.CachePreInst)
	return errDev != nil || errInst != nil
}

// saveCache persists a cache pass's product under the stage cache
// name: read-write disk formats cache the whole image, every other
// format caches the populated tree.
func saveCache(ctx context.Context, st *StageContext, out *BuildOutput, cache string) error {
	b := st.Build
	if cache == "" {
		return nil
	}

	if b.Output.Format.IsDiskRW() {
		if out.Raw == "" {
			return nil
		}
		st.Logger.Info("installing cache copy", "cache", cache)
		if err := os.Chmod(out.Raw, 0o644); err != nil {
			return err
		}
		if err := moveFile(out.Raw, cache); err != nil {
			return fmt.Errorf("installing cache copy: %w", err)
		}
		out.Raw = ""
		return nil
	}

	st.Logger.Info("installing cache copy", "cache", cache)
	if err := os.RemoveAll(cache); err != nil {
		return err
	}
	if err := os.Rename(st.Root, cache); err != nil {
		// Workspace and cache can sit on different filesystems.
		if err := copyTree(ctx, st.Runner, st.Root, cache); err != nil {
			return fmt.Errorf("installing cache copy: %w", err)
		}
		return os.RemoveAll(st.Root)
	}
	return nil
}

// removeArtifacts discards what a development or cache pass left in
// the workspace. With keepImage the image artifacts survive for
// publication; build.skip_final_phase ships the development image.
func removeArtifacts(st *StageContext, out *BuildOutput, keepImage bool) error {
	what := "development build"
	if st.ForCache {
		what = "cache build"
	}
	st.Logger.Info("removing artifacts", "from", what)

	if !keepImage {
		out.removeTemps(st.Logger)
	}
	if err := os.RemoveAll(st.Root); err != nil {
		return err
	}
	if err := os.RemoveAll(st.VarTmp); err != nil {
		return err
	}
	if st.Build.Output.UsrOnly {
		return os.RemoveAll(filepath.Join(st.Workspace.Dir, "home-root"))
	}
	return nil
}

// moveFile moves src to dst, copying when a rename cannot cross
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dstFile, in); err != nil {
		dstFile.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := dstFile.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
