// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package gpt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/osmith-project/osmith/lib/osexec"
)

// LUKSHeaderExtra is the space reserved ahead of an inserted blob for
// a LUKS header when whole-image encryption is enabled, for every
// insertion, so partition geometry stays uniform across the table.
const LUKSHeaderExtra = 16 * 1024 * 1024

// InsertSpec describes one partition insertion.
type InsertSpec struct {
	// ImagePath is the raw image's backing file, grown in place.
	ImagePath string

	// Device is the attached loop device carrying the table.
	Device string

	// PartitionDevice is the partition device node the blob lands on
	// once the kernel has re-read the table (e.g. /dev/loop0p5).
	PartitionDevice string

	// BlobPath is the filesystem or hash blob to insert.
	BlobPath string

	// Name is the GPT partition name.
	Name string

	// Type is the GPT partition type UUID.
	Type uuid.UUID

	// ReadOnly marks the partition with the read-only GPT attribute.
	ReadOnly bool

	// PartUUID, when non-nil, pins the partition UUID instead of
	// letting sfdisk pick one. Verity partitions derive theirs from
	// the root hash.
	PartUUID *uuid.UUID

	// FirstLBA, when non-nil, is the configured first usable LBA,
	// honored exactly.
	FirstLBA *int64

	// LUKSExtra is extra bytes reserved in the partition beyond the
	// blob, usually 0 or LUKSHeaderExtra.
	LUKSExtra int64

	// TableApplied reports whether sfdisk has written a table to this
	// image before. When true the current table is re-read from the
	// device; when false an empty one is synthesized.
	TableApplied bool

	// OpenTarget, when non-nil, maps the raw partition device to the
	// device the blob should actually be written to, and returns a
	// close function. The encrypted-root path wires this to LUKS
	// format+open so the blob lands inside the encrypted container.
	OpenTarget func(ctx context.Context) (string, func(context.Context) error, error)
}

// InsertPartition appends one partition holding blob content to the
// image's GPT, growing the image file and loop device first. Existing
// descriptor lines are re-applied verbatim; only the new line is
// appended. Returns the 512-byte-rounded blob size.
func InsertPartition(ctx context.Context, runner osexec.Runner, logger *slog.Logger, spec InsertSpec) (int64, error) {
	var table *Table
	var err error
	if spec.TableApplied {
		table, err = Read(ctx, runner, spec.Device)
		if err != nil {
			return 0, err
		}
	} else {
		table = Empty(spec.FirstLBA)
	}

	info, err := os.Stat(spec.BlobPath)
	if err != nil {
		return 0, fmt.Errorf("checking blob size: %w", err)
	}
	blobSize := roundUp(info.Size(), 512)

	offset := table.FirstUsableOffset()
	newSize := roundUp(offset+blobSize+spec.LUKSExtra+table.FooterSize(), Grain)

	logger.Info("resizing image", "path", spec.ImagePath, "size", humanize.IBytes(uint64(newSize)))
	if err := os.Truncate(spec.ImagePath, newSize); err != nil {
		return 0, fmt.Errorf("growing image to %d bytes: %w", newSize, err)
	}
	if err := runner.Run(ctx, osexec.Spec{
		Argv: []string{"losetup", "--set-capacity", spec.Device},
	}); err != nil {
		return 0, err
	}

	logger.Info("inserting partition", "name", spec.Name, "size", humanize.IBytes(uint64(blobSize)))

	script := buildScript(table, spec, offset, blobSize)
	if err := runner.Run(ctx, osexec.Spec{
		Argv:  []string{"sfdisk", "--color=never", "--no-reread", "--no-tell-kernel", spec.Device},
		Stdin: strings.NewReader(script),
	}); err != nil {
		return 0, fmt.Errorf("applying partition table: %w", err)
	}
	if err := runner.Run(ctx, osexec.Spec{Argv: []string{"sync"}}); err != nil {
		return 0, err
	}

	// The kernel may briefly hold the device busy after sfdisk; retry
	// the table re-read until it takes.
	err = osexec.WithBackoff(ctx, 10, 10*time.Millisecond, func() error {
		return runner.Run(ctx, osexec.Spec{
			Argv: []string{"blockdev", "--rereadpt", spec.Device},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("re-reading partition table: %w", err)
	}

	target := spec.PartitionDevice
	if spec.OpenTarget != nil {
		mapped, closeTarget, err := spec.OpenTarget(ctx)
		if err != nil {
			return 0, err
		}
		defer closeTarget(context.WithoutCancel(ctx))
		target = mapped
	}

	if err := runner.Run(ctx, osexec.Spec{
		Argv: []string{"dd", "if=" + spec.BlobPath, "of=" + target, "conv=nocreat,sparse"},
	}); err != nil {
		return 0, fmt.Errorf("writing partition content: %w", err)
	}

	return blobSize, nil
}

// buildScript serializes the table plus the new descriptor line into
// an sfdisk input script.
func buildScript(table *Table, spec InsertSpec, offset, blobSize int64) string {
	// A configured first LBA always wins. Otherwise it only needs
	// stating for the first partition; later insertions inherit it
	// from the existing entries.
	var firstLBA *int64
	switch {
	case spec.FirstLBA != nil:
		firstLBA = spec.FirstLBA
	case len(table.Partitions) > 0:
		firstLBA = nil
	default:
		lba := offset / table.SectorSize
		firstLBA = &lba
	}

	var entry []string
	if spec.PartUUID != nil {
		entry = append(entry, "uuid="+spec.PartUUID.String())
	}
	attrs := ""
	if spec.ReadOnly {
		attrs = "GUID:60"
	}
	// size= is in sfdisk's default unit of 512-byte sectors.
	entry = append(entry,
		fmt.Sprintf("size=%d", (blobSize+spec.LUKSExtra)/512),
		"type="+spec.Type.String(),
		"attrs="+attrs,
		fmt.Sprintf("name=%q", spec.Name),
	)

	lines := []string{"label: gpt", fmt.Sprintf("grain: %d", Grain)}
	if firstLBA != nil {
		lines = append(lines, fmt.Sprintf("first-lba: %d", *firstLBA))
	}
	lines = append(lines, table.Partitions...)
	lines = append(lines, strings.Join(entry, ", "))
	return strings.Join(lines, "\n")
}

// MakeVerity runs veritysetup format over a data device, writing the
// hash blob to hashPath (which must exist) and returning the root
// hash. The hash is the key to the whole verity setup; output without
// one is a fatal parse error.
func MakeVerity(ctx context.Context, runner osexec.Runner, dataDevice, hashPath string) (string, error) {
	out, err := runner.Output(ctx, osexec.Spec{
		Argv: []string{"veritysetup", "format", dataDevice, hashPath},
	})
	if err != nil {
		return "", fmt.Errorf("formatting verity hash tree: %w", err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if hash, ok := strings.CutPrefix(line, "Root hash:"); ok {
			return strings.TrimSpace(hash), nil
		}
	}
	return "", &ParseError{Line: strings.TrimSpace(string(out)), Err: fmt.Errorf("veritysetup output has no root hash")}
}

// RootHashUUIDs splits a verity root hash into the partition UUIDs
// that pair the root and verity partitions at boot: the first 128 bits
// become the root partition UUID, the final 128 bits the verity
// partition UUID.
func RootHashUUIDs(rootHash string) (root uuid.UUID, verity uuid.UUID, err error) {
	if len(rootHash) < 64 {
		return uuid.Nil, uuid.Nil, fmt.Errorf("root hash %q too short for UUID derivation", rootHash)
	}
	root, err = uuid.Parse(rootHash[:32])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("deriving root partition UUID: %w", err)
	}
	verity, err = uuid.Parse(rootHash[len(rootHash)-32:])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("deriving verity partition UUID: %w", err)
	}
	return root, verity, nil
}

// PatchPartitionUUID rewrites one partition's UUID in place.
func PatchPartitionUUID(ctx context.Context, runner osexec.Runner, device string, partno int, id uuid.UUID) error {
	err := runner.Run(ctx, osexec.Spec{
		Argv: []string{"sfdisk", "--part-uuid", device, fmt.Sprint(partno), id.String()},
	})
	if err != nil {
		return fmt.Errorf("patching partition %d UUID: %w", partno, err)
	}
	return nil
}

// ExtractPartition copies one partition device into an existing file,
// preserving sparseness. Used for split artifacts.
func ExtractPartition(ctx context.Context, runner osexec.Runner, partitionDevice, outputPath string) error {
	err := runner.Run(ctx, osexec.Spec{
		Argv: []string{"dd", "if=" + partitionDevice, "of=" + outputPath, "conv=nocreat,sparse"},
	})
	if err != nil {
		return fmt.Errorf("extracting partition %s: %w", partitionDevice, err)
	}
	return nil
}
