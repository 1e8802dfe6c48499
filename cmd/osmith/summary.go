// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/osmith-project/osmith/cmd/osmith/cli"
	"github.com/osmith-project/osmith/lib/config"
)

func summaryCommand(configPath string) *cli.Command {
	return &cli.Command{
		Name:    "summary",
		Summary: "Show the derived build plan",
		Description: `Show the complete build plan after configuration files, conventional
osmith.* files, distribution defaults and derived settings have been
merged: what will be built, where it will land, and which partitions,
scripts and validation steps are involved.`,
		Usage: "osmith summary",
		Run: func(_ context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			b, err := loadBuild(configPath, 0, logger)
			if err != nil {
				return err
			}
			renderSummary(os.Stdout, b)
			return nil
		},
	}
}

// renderSummary writes the build plan as aligned key/value sections.
// Each section gets its own tabwriter so the key column is aligned per
// section, with the headers flush left.
func renderSummary(w io.Writer, b *config.Build) {
	var tw *tabwriter.Writer
	section := func(name string) {
		if tw != nil {
			tw.Flush()
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s\n", name)
		tw = tabwriter.NewWriter(w, 0, 0, 1, ' ', tabwriter.AlignRight)
	}
	row := func(key, value string) {
		fmt.Fprintf(tw, "  %s:\t %s\n", key, value)
	}

	section("DISTRIBUTION")
	row("Distribution", string(b.Distribution.Name))
	row("Release", orNone(b.Distribution.Release))
	row("Architecture", string(b.Distribution.Architecture))
	if b.Distribution.Mirror != "" {
		row("Mirror", b.Distribution.Mirror)
	}
	if len(b.Distribution.Repositories) > 0 {
		row("Repositories", strings.Join(b.Distribution.Repositories, ", "))
	}

	section("OUTPUT")
	if b.Output.Hostname != "" {
		row("Hostname", b.Output.Hostname)
	}
	if b.Output.ImageID != "" {
		row("Image ID", b.Output.ImageID)
	}
	if b.Output.ImageVersion != "" {
		row("Image Version", b.Output.ImageVersion)
	}
	row("Output Format", string(b.Output.Format))
	row("Manifest Formats", orNone(strings.Join(b.Output.ManifestFormats, ", ")))
	if b.Output.Format.CanMinimize() {
		row("Minimize", yesNo(b.Output.Minimize))
	}
	row("Output", b.OutputPath)
	if b.Validation.Checksum {
		row("Output Checksum", b.ChecksumPath)
	}
	if b.Validation.Sign {
		row("Output Signature", b.SignaturePath)
	}
	if b.Validation.BMap {
		row("Output Bmap", b.BMapPath)
	}
	row("Split Artifacts", yesNo(b.Output.SplitArtifacts))
	if b.Output.SplitArtifacts {
		row("Split Root FS", b.SplitRootPath)
		row("Split Verity", b.SplitVerityPath)
		row("Split Kernel", b.SplitKernelPath)
	}
	if b.Build.NSpawnSettings != "" {
		row("Output nspawn Settings", b.NSpawnOutputPath)
	}
	if b.Host.SSH {
		key := b.Host.SSHKey
		if key == "" {
			key = b.SSHKeyPath
		}
		row("SSH Key", key)
	}
	row("Incremental", yesNo(b.Build.Incremental))
	row("Read-only", yesNo(b.Output.ReadOnly))
	row("FS Compression", orNone(b.CompressFS))
	row("Output Compression", orNone(b.CompressOutput))
	if len(b.MksquashfsTool) > 0 {
		row("Mksquashfs Tool", strings.Join(b.MksquashfsTool, " "))
	}
	if b.Output.Format.IsDisk() {
		row("QCow2", yesNo(b.Output.QCow2))
	}
	row("Encryption", orNone(b.Output.Encrypt))
	row("Verity", yesNo(b.Output.Verity))
	if b.Output.Format.IsDisk() {
		row("Bootable", yesNo(b.Output.Bootable))
		if b.Output.Bootable {
			row("Kernel Command Line", strings.Join(b.KernelCommandLine, " "))
			row("Boot Protocols", strings.Join(b.Output.BootProtocols, ", "))
			row("Unified Kernel Images", yesNo(b.UnifiedKernel()))
			row("UEFI SecureBoot", yesNo(b.Validation.SecureBoot))
			if b.Validation.SecureBoot {
				row("SecureBoot Key", b.Validation.SecureBootKey)
				row("SecureBoot Cert", b.Validation.SecureBootCert)
			}
		}
	}

	section("CONTENT")
	row("Packages", orNone(strings.Join(b.Packages.Install, ", ")))
	row("With Documentation", yesNo(b.Packages.WithDocs))
	row("Package Cache", orNone(b.Build.CacheDir))
	row("Extra Trees", orNone(strings.Join(b.Packages.ExtraTrees, ", ")))
	row("Skeleton Trees", orNone(strings.Join(b.Packages.SkeletonTrees, ", ")))
	row("Clean Package Metadata", b.Packages.CleanMetadata)
	if len(b.Packages.RemoveFiles) > 0 {
		row("Remove Files", strings.Join(b.Packages.RemoveFiles, ", "))
	}
	row("Build Script", orNone(b.Build.Script))
	if b.Build.Script != "" {
		row("Build Sources", orNone(b.Build.Sources))
		row("Build Directory", orNone(b.Build.Dir))
		row("Install Directory", orNone(b.Build.InstallDir))
		row("Build Packages", orNone(strings.Join(b.Packages.BuildInstall, ", ")))
		row("Run Tests", yesNo(b.Packages.WithTests))
		row("Skip Final Phase", yesNo(b.Build.SkipFinalPhase))
	}
	row("Script Environment", orNone(strings.Join(b.Build.Environment, ", ")))
	row("Scripts With Network", yesNo(b.Build.WithNetwork))
	row("Prepare Script", orNone(b.Build.Prepare))
	row("Postinstall Script", orNone(b.Build.PostInstall))
	row("Finalize Script", orNone(b.Build.Finalize))
	if b.Validation.Password == nil {
		row("Password", "default")
	} else {
		row("Password", "set")
	}
	row("Autologin", yesNo(b.Validation.Autologin))

	if b.Output.Format.IsDisk() {
		section("PARTITIONS")
		row("Root Partition", sizeOrAuto(b.RootSize))
		row("Swap Partition", sizeOrDisabled(b.SwapSize))
		if b.Layout.ESP != 0 {
			row("ESP", sizeOrDisabled(b.ESPSize))
		}
		if b.Layout.BIOSBoot != 0 {
			row("BIOS", sizeOrDisabled(config.BIOSPartitionSize))
		}
		row("XBOOTLDR Partition", sizeOrDisabled(b.XBootLdrSize))
		row("/home Partition", sizeOrDisabled(b.HomeSize))
		row("/srv Partition", sizeOrDisabled(b.SrvSize))
		row("/var Partition", sizeOrDisabled(b.VarSize))
		row("/var/tmp Partition", sizeOrDisabled(b.TmpSize))
		row("/usr only", yesNo(b.Output.UsrOnly))

		section("VALIDATION")
		row("Checksum", yesNo(b.Validation.Checksum))
		row("Sign", yesNo(b.Validation.Sign))
		row("GPG Key", orDefault(b.Validation.Key))
	}

	section("HOST CONFIGURATION")
	row("Network Veth", yesNo(b.Host.NetworkVeth))
	row("SSH", yesNo(b.Host.SSH))

	tw.Flush()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

func sizeOrDisabled(size int64) string {
	if size == 0 {
		return "(disabled)"
	}
	return humanize.IBytes(uint64(size))
}

func sizeOrAuto(size int64) string {
	if size == 0 {
		return "(automatic)"
	}
	return humanize.IBytes(uint64(size))
}
