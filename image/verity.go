// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/osmith-project/osmith/lib/archive"
	"github.com/osmith-project/osmith/lib/blockdev"
	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/gpt"
)

// tempBlob creates an empty temporary file next to the output path,
// where the final rename stays on one filesystem. The file is created
// up front because dd conv=nocreat refuses to create it.
func tempBlob(st *StageContext) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(st.Build.OutputPath), ".osmith-*")
	if err != nil {
		return "", fmt.Errorf("creating staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// makeGeneratedRoot packs the populated tree into a root filesystem
// blob for formats whose root is generated after population instead of
// formatted up front. Returns the blob path, or "" when this pass does
// not generate one.
func makeGeneratedRoot(ctx context.Context, st *StageContext) (string, error) {
	b := st.Build
	if !b.GeneratedRoot() || st.ForCache {
		return "", nil
	}

	var filesystem string
	switch {
	case b.Output.Format == config.FormatGPTExt4:
		filesystem = "ext4"
	case b.Output.Format == config.FormatGPTBtrfs:
		filesystem = "btrfs"
	case b.Output.Format.IsSquashfs():
		filesystem = "squashfs"
	default:
		return "", nil
	}

	label, dir := "root", st.Root
	if b.Output.UsrOnly {
		label, dir = "usr", filepath.Join(st.Root, "usr")
	}

	blob, err := tempBlob(st)
	if err != nil {
		return "", err
	}
	err = archive.MakeRootBlob(ctx, st.Runner, st.Logger, archive.RootBlobSpec{
		Filesystem: filesystem,
		Dir:        dir,
		Dest:       blob,
		Label:      label,
		Size:       b.RootSize,
		Minimize:   b.Output.Minimize,
		Compress:   b.CompressFS,
		Tool:       b.MksquashfsTool,
	})
	if err != nil {
		os.Remove(blob)
		return "", err
	}
	return blob, nil
}

// insertGeneratedRoot writes the generated root blob into the image as
// the root partition, growing the image to fit. With whole-image
// encryption the partition gets a LUKS container first and the blob
// lands inside it.
func insertGeneratedRoot(ctx context.Context, st *StageContext, blob string) error {
	if blob == "" {
		return nil
	}
	b := st.Build

	st.Logger.Info("inserting generated root partition")
	spec := gpt.InsertSpec{
		ImagePath:       st.RawPath,
		Device:          st.Loop.Device,
		PartitionDevice: st.Loop.Partition(b.Layout.Root),
		BlobPath:        blob,
		Name:            b.RootPartitionName(false),
		Type:            b.RootTypes.Root,
		ReadOnly:        b.Output.ReadOnly,
		FirstLBA:        b.Output.GPTFirstLBA,
		TableApplied:    st.TableApplied,
	}
	if b.Output.Encrypt == config.EncryptAll {
		spec.LUKSExtra = gpt.LUKSHeaderExtra
		spec.OpenTarget = func(ctx context.Context) (string, func(context.Context) error, error) {
			dev := st.Loop.Partition(b.Layout.Root)
			if err := blockdev.LuksFormat(ctx, st.Runner, dev, st.Passphrase); err != nil {
				return "", nil, fmt.Errorf("formatting LUKS on root partition: %w", err)
			}
			return blockdev.LuksOpen(ctx, st.Runner, st.Logger, dev, st.Passphrase, "root partition")
		}
	}

	size, err := gpt.InsertPartition(ctx, st.Runner, st.Logger, spec)
	if err != nil {
		return fmt.Errorf("inserting root partition: %w", err)
	}
	b.RootSize = size
	st.TableApplied = true
	return nil
}

// splitRoot stages the root partition as a standalone artifact. A
// generated root is its own blob already; otherwise the partition is
// extracted from the image.
func splitRoot(ctx context.Context, st *StageContext, generated string) (string, error) {
	b := st.Build
	if !b.Output.SplitArtifacts || !b.Output.Format.IsDisk() {
		return "", nil
	}
	if generated != "" {
		return generated, nil
	}
	if st.BuildPass || st.ForCache {
		return "", nil
	}

	st.Logger.Info("extracting root partition")
	path, err := tempBlob(st)
	if err != nil {
		return "", err
	}
	if err := gpt.ExtractPartition(ctx, st.Runner, st.Volumes.Root, path); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// makeVerity builds the dm-verity hash tree over the root partition.
// Returns the hash blob path and the root hash, both empty when verity
// is off or this pass does not produce it.
func makeVerity(ctx context.Context, st *StageContext) (string, string, error) {
	b := st.Build
	if st.BuildPass || !b.Output.Verity || st.ForCache {
		return "", "", nil
	}

	st.Logger.Info("generating verity hashes")
	path, err := tempBlob(st)
	if err != nil {
		return "", "", err
	}
	hash, err := gpt.MakeVerity(ctx, st.Runner, st.Volumes.Root, path)
	if err != nil {
		os.Remove(path)
		return "", "", err
	}
	return path, hash, nil
}

// patchRootUUID pins the root partition UUID to the first 128 bits of
// the verity root hash, so the kernel command line roothash= option is
// enough to find both partitions.
func patchRootUUID(ctx context.Context, st *StageContext, rootHash string) error {
	if rootHash == "" || st.ForCache {
		return nil
	}
	id, _, err := gpt.RootHashUUIDs(rootHash)
	if err != nil {
		return err
	}
	st.Logger.Info("patching root partition UUID", "uuid", id)
	return gpt.PatchPartitionUUID(ctx, st.Runner, st.Loop.Device, st.Build.Layout.Root, id)
}

// insertVerity appends the verity hash partition, with the final 128
// bits of the root hash as its partition UUID.
func insertVerity(ctx context.Context, st *StageContext, hashPath, rootHash string) error {
	if hashPath == "" {
		return nil
	}
	b := st.Build

	_, id, err := gpt.RootHashUUIDs(rootHash)
	if err != nil {
		return err
	}

	st.Logger.Info("inserting verity partition")
	_, err = gpt.InsertPartition(ctx, st.Runner, st.Logger, gpt.InsertSpec{
		ImagePath:       st.RawPath,
		Device:          st.Loop.Device,
		PartitionDevice: st.Loop.Partition(b.Layout.Verity),
		BlobPath:        hashPath,
		Name:            b.RootPartitionName(true),
		Type:            b.RootTypes.Verity,
		ReadOnly:        true,
		PartUUID:        &id,
		FirstLBA:        b.Output.GPTFirstLBA,
		TableApplied:    st.TableApplied,
	})
	if err != nil {
		return fmt.Errorf("inserting verity partition: %w", err)
	}
	st.TableApplied = true
	return nil
}
