// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package image builds the configured OS image.
//
// A build runs the staged matrix the incremental machinery needs: a
// development pass that carries the build script and its extra
// packages, and a final pass that assembles the shippable image from
// the development pass's installed artifacts. Either pass can run in
// cache-populate mode, where the populated image or tree is persisted
// under a stage cache name and everything else is discarded, or can
// consume such a cache artifact instead of installing packages again.
//
// Each pass is one trip through buildImage: allocate the raw image and
// its partition table, attach it to a loop device, format and mount
// the volumes, populate the tree, clean it up, and turn it into the
// output format. Everything that touches disks, filesystems or the
// tree interior goes through external tools on an osexec.Runner, so
// the whole pipeline is testable against a recording runner.
package image

import (
	"log/slog"
	"path/filepath"

	"github.com/osmith-project/osmith/lib/blockdev"
	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
	"github.com/osmith-project/osmith/lib/output"
	"github.com/osmith-project/osmith/lib/workspace"
)

// Pipeline ties one build plan to the dependencies every stage needs.
type Pipeline struct {
	Build  *config.Build
	Runner osexec.Runner
	Logger *slog.Logger

	// Passphrase unlocks LUKS volumes when encryption is configured.
	Passphrase blockdev.Passphrase

	// ScriptArgs are extra command line arguments handed through to
	// the build script.
	ScriptArgs []string
}

// StageContext is the state one pass threads through its stages.
type StageContext struct {
	Build  *config.Build
	Runner osexec.Runner
	Logger *slog.Logger

	// Workspace is the per-build scratch directory. Root is the tree
	// being populated, VarTmp the directory mounted as /var/tmp
	// inside every containerized command.
	Workspace *workspace.Workspace
	Root      string
	VarTmp    string

	// CacheDir is the shared package cache, InstallDir the directory
	// the build script installs into.
	CacheDir   string
	InstallDir string

	// RawPath is the raw image backing file, empty for formats
	// without one. Loop and Volumes are live only while the image is
	// attached.
	RawPath string
	Loop    *blockdev.LoopDevice
	Volumes blockdev.VolumeSet

	// TableApplied records whether sfdisk has written a partition
	// table to the image, so later insertions know whether to re-read
	// or synthesize one.
	TableApplied bool

	// BuildPass marks the development pass, ForCache the
	// cache-populate mode, and Cached a pass running on a reused
	// cache artifact.
	BuildPass bool
	ForCache  bool
	Cached    bool

	Passphrase blockdev.Passphrase
}

// RootHome returns the root user's home directory. A /usr-only image
// has no persistent /root, so the workspace provides one; it is where
// build scripts and their sources live.
func (st *StageContext) RootHome() string {
	if st.Build.Output.UsrOnly {
		return filepath.Join(st.Workspace.Dir, "home-root")
	}
	return filepath.Join(st.Root, "root")
}

// BuildOutput is what one pass produced. Which fields are set is fully
// determined by the configuration: disk formats set Raw, tar and cpio
// set Archive, directory output sets neither and publishes the tree.
type BuildOutput struct {
	// Raw is the raw disk image, staged next to the output path.
	Raw string

	// Archive is the tar or cpio archive, staged next to the output
	// path.
	Archive string

	// RootHash is the verity root hash, empty without verity.
	RootHash string

	// SSHKey is the generated private key, staged next to the output
	// path. Empty when the user supplied their own key.
	SSHKey string

	// Split artifact staging paths, set with split_artifacts.
	SplitRoot   string
	SplitVerity string
	SplitKernel string

	// Packages are the installed packages recorded for the manifest.
	Packages []output.Package
}
