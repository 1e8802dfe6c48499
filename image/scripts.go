// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/osmith-project/osmith/lib/blockdev"
	"github.com/osmith-project/osmith/lib/distro"
	"github.com/osmith-project/osmith/lib/osexec"
)

// scriptVerb names the pass for the user's scripts, which commonly
// branch on it.
func scriptVerb(st *StageContext) string {
	if st.BuildPass {
		return "build"
	}
	return "final"
}

// runStreaming runs an nspawn invocation with its output connected to
// the terminal. User scripts and package managers report progress that
// way.
func runStreaming(ctx context.Context, st *StageContext, n *Nspawn) error {
	return st.Runner.Run(ctx, osexec.Spec{
		Argv:   n.Command(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
}

// withPackageCache bind-mounts the shared package cache into the tree
// for the duration of fn, so package downloads survive between passes
// and builds.
func withPackageCache(ctx context.Context, st *StageContext, mounts []distro.CacheMount, fn func() error) error {
	if st.CacheDir == "" || len(mounts) == 0 {
		return fn()
	}
	stack := blockdev.NewMountStack(st.Runner, st.Logger)
	for _, m := range mounts {
		if err := stack.Bind(ctx, filepath.Join(st.CacheDir, m.Sub), filepath.Join(st.Root, m.Tree)); err != nil {
			return fmt.Errorf("mounting package cache: %w", err)
		}
	}
	defer func() {
		targets := stack.Mounts()
		for i := len(targets) - 1; i >= 0; i-- {
			if err := stack.Unmount(context.WithoutCancel(ctx), targets[i]); err != nil {
				st.Logger.Warn("unmounting package cache failed", "target", targets[i], "error", err)
			}
		}
	}()
	return fn()
}

// sourceParams configures the in-container view of the build sources:
// mounted at /root/src and used as the working directory. Read-only
// images get a scratch overlay on top so the build can still write
// into its own source tree.
func sourceParams(st *StageContext, n *Nspawn) {
	if st.Build.Build.Sources == "" {
		n.Chdir = "/root"
		return
	}
	n.Setenv = append(n.Setenv, "SRCDIR=/root/src")
	n.Chdir = "/root/src"
	n.Binds = append(n.Binds, st.Build.Build.Sources+":/root/src")
	if st.Build.Output.ReadOnly {
		n.Extra = append(n.Extra, "--overlay=+/root/src::/root/src")
	}
}

// runPrepareScript runs the user's prepare script inside the tree
// right after package installation, with network access and the
// package cache mounted so it can install more.
func runPrepareScript(ctx context.Context, st *StageContext, mounts []distro.CacheMount) error {
	b := st.Build
	if b.Build.Prepare == "" || st.Cached {
		return nil
	}
	st.Logger.Info("running prepare script", "verb", scriptVerb(st))

	// The script is copied into the tree rather than mounted; a mount
	// would need a place to live anyway, and a copy cannot leak out.
	inTree := filepath.Join(st.RootHome(), "prepare")
	if err := copyFile(b.Build.Prepare, inTree); err != nil {
		return err
	}

	err := withPackageCache(ctx, st, mounts, func() error {
		n := treeCommand(st, []string{"/root/prepare", scriptVerb(st)}, true, b.Environment)
		sourceParams(st, n)
		return runStreaming(ctx, st, n)
	})
	if err != nil {
		return fmt.Errorf("prepare script: %w", err)
	}

	// The source mount point stays behind as an empty directory.
	if srcdir := filepath.Join(st.RootHome(), "src"); b.Build.Sources != "" {
		_ = os.Remove(srcdir)
	}
	return os.Remove(inTree)
}

// runPostinstScript runs the user's post-installation script inside
// the finished tree. Bootable images additionally see the image's
// block devices, which boot loader tweaks need.
func runPostinstScript(ctx context.Context, st *StageContext, mounts []distro.CacheMount) error {
	b := st.Build
	if b.Build.PostInstall == "" || st.ForCache {
		return nil
	}
	st.Logger.Info("running postinstall script", "verb", scriptVerb(st))

	inTree := filepath.Join(st.RootHome(), "postinst")
	if err := copyFile(b.Build.PostInstall, inTree); err != nil {
		return err
	}

	err := withPackageCache(ctx, st, mounts, func() error {
		n := treeCommand(st, []string{"/root/postinst", scriptVerb(st)}, b.Build.WithNetwork, nil)
		if b.Output.Bootable {
			n.Extra = append(n.Extra, blockdevParams(st)...)
		}
		return runStreaming(ctx, st, n)
	})
	if err != nil {
		return fmt.Errorf("postinstall script: %w", err)
	}
	return os.Remove(inTree)
}

// runFinalizeScript runs the user's finalize script on the host, with
// the tree and output directory exported in the environment.
func runFinalizeScript(ctx context.Context, st *StageContext) error {
	b := st.Build
	if b.Build.Finalize == "" || st.ForCache {
		return nil
	}
	st.Logger.Info("running finalize script", "verb", scriptVerb(st))

	env := append([]string(nil), b.Environment...)
	env = append(env,
		"BUILDROOT="+st.Root,
		"OUTPUTDIR="+filepath.Dir(b.OutputPath),
	)
	err := st.Runner.Run(ctx, osexec.Spec{
		Argv:   []string{b.Build.Finalize, scriptVerb(st)},
		Env:    env,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("finalize script: %w", err)
	}
	return nil
}

// buildScriptCommand assembles the nspawn invocation for the build
// script: the install directory mounted as /root/dest, the build
// environment exported, and the host network only when asked for.
// Extra args are passed through to the script.
func buildScriptCommand(st *StageContext, extraArgs []string) *Nspawn {
	b := st.Build

	n := &Nspawn{
		MachineID: b.MachineID,
		Binds: []string{
			st.InstallDir + ":/root/dest",
			st.VarTmp + ":/var/tmp",
		},
		Setenv: []string{
			"WITH_DOCS=" + oneZero(b.Packages.WithDocs),
			"WITH_TESTS=" + oneZero(b.Packages.WithTests),
			"WITH_NETWORK=" + oneZero(b.Build.WithNetwork),
			"DESTDIR=/root/dest",
		},
		Network: b.Build.WithNetwork,
	}
	if st.RawPath != "" {
		n.Image = st.RawPath
	} else {
		n.Directory = st.Root
	}

	n.Setenv = append(n.Setenv, b.Environment...)
	if b.Output.ImageVersion != "" {
		n.Setenv = append(n.Setenv, "IMAGE_VERSION="+b.Output.ImageVersion)
	}
	if b.Output.ImageID != "" {
		n.Setenv = append(n.Setenv, "IMAGE_ID="+b.Output.ImageID)
	}
	if b.Debug.BuildScript {
		n.Setenv = append(n.Setenv, "DEBUG=1")
	}

	sourceParams(st, n)

	if b.Build.Dir != "" {
		n.Setenv = append(n.Setenv, "BUILDDIR=/root/build")
		n.Binds = append(n.Binds, b.Build.Dir+":/root/build")
	}
	if b.Output.UsrOnly {
		n.Binds = append(n.Binds, st.RootHome()+":/root")
	}

	n.Argv = append([]string{"/root/" + filepath.Base(b.Build.Script)}, extraArgs...)
	return n
}

// runBuildScript executes the build script inside the development
// image. Whatever it installs under $DESTDIR becomes part of the
// final image. Script output streams to the terminal.
func runBuildScript(ctx context.Context, st *StageContext, extraArgs []string) error {
	if st.Build.Build.Script == "" {
		return nil
	}
	st.Logger.Info("running build script", "script", st.Build.Build.Script)

	if err := os.MkdirAll(st.InstallDir, 0o755); err != nil {
		return err
	}
	if err := runStreaming(ctx, st, buildScriptCommand(st, extraArgs)); err != nil {
		return fmt.Errorf("build script: %w", err)
	}
	return nil
}
