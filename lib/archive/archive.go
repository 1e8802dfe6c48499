// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive produces the non-disk artifacts: tar and cpio
// archives of a finished tree, and the generated root filesystem
// blobs (squashfs, minimized ext4 and btrfs) that disk builds splice
// into the partition table afterwards.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/u-root/u-root/pkg/cpio"

	"github.com/osmith-project/osmith/lib/compress"
	"github.com/osmith-project/osmith/lib/osexec"
)

// Tar streams dir as a tar archive into w using the host tar tool.
// Extended attributes and POSIX ACLs are preserved; capabilities and
// SELinux contexts ride along as xattrs.
func Tar(ctx context.Context, runner osexec.Runner, dir string, w io.Writer) error {
	return runner.Run(ctx, osexec.Spec{
		Argv: []string{
			"tar", "-C", dir, "-c",
			"--acls", "--xattrs", "--xattrs-include=*",
			".",
		},
		Stdout: w,
	})
}

// Cpio streams dir as a newc cpio archive into w. The archive is
// produced in-process: device nodes, symlinks and hardlinks are
// preserved, and host inode numbers are replaced by a deterministic
// sequence so identical trees produce identical archives.
func Cpio(ctx context.Context, dir string, w io.Writer) error {
	rw := cpio.Newc.Writer(w)
	recorder := cpio.NewRecorder()
	inodes := make(map[inodeKey]uint64)

	err := filepath.WalkDir(dir, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rec, err := recorder.GetRecord(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		rec.Name = rel
		renumber(&rec, inodes)
		if err := rw.WriteRecord(rec); err != nil {
			return fmt.Errorf("archiving %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := cpio.WriteTrailer(rw); err != nil {
		return fmt.Errorf("writing archive trailer: %w", err)
	}
	return nil
}

type inodeKey struct {
	dev, ino uint64
}

// renumber swaps host device and inode numbers for a walk-ordered
// sequence. Hardlinked files keep a shared inode, which is how newc
// expresses the link.
func renumber(rec *cpio.Record, inodes map[inodeKey]uint64) {
	key := inodeKey{rec.Dev, rec.Ino}
	ino, ok := inodes[key]
	if !ok {
		ino = uint64(len(inodes) + 1)
		inodes[key] = ino
	}
	rec.Ino = ino
	rec.Dev = 0
	rec.Major = 0
	rec.Minor = 0
}

// WriteTar archives dir into the file dest, compressed with the named
// algorithm. The archive streams through the compressor, so no
// uncompressed intermediate touches the disk.
func WriteTar(ctx context.Context, runner osexec.Runner, dir, algorithm, dest string) error {
	return writeArchive(dest, algorithm, func(w io.Writer) error {
		return Tar(ctx, runner, dir, w)
	})
}

// WriteCpio archives dir into the file dest, compressed with the
// named algorithm.
func WriteCpio(ctx context.Context, dir, algorithm, dest string) error {
	return writeArchive(dest, algorithm, func(w io.Writer) error {
		return Cpio(ctx, dir, w)
	})
}

func writeArchive(dest, algorithm string, produce func(io.Writer) error) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	cw, err := compress.NewWriter(algorithm, f)
	if err != nil {
		f.Close()
		return err
	}

	err = produce(cw)
	if cerr := cw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

// RootBlobSpec describes a generated root filesystem blob.
type RootBlobSpec struct {
	// Filesystem is ext4, btrfs, or squashfs.
	Filesystem string

	// Dir is the populated tree to pack. For /usr-only images the
	// caller passes the usr subdirectory.
	Dir string

	// Dest is the blob file to create.
	Dest string

	// Label is the filesystem label, root or usr.
	Label string

	// Size pre-allocates ext4 and btrfs blobs. Ignored for squashfs,
	// which is sized by content.
	Size int64

	// Minimize shrinks the blob to its content after packing.
	Minimize bool

	// Compress selects squashfs compression. Empty keeps the tool
	// default, "none" disables the compressors entirely.
	Compress string

	// Tool overrides the mksquashfs command line. Extra argv entries
	// replace the default -noappend.
	Tool []string
}

// MakeRootBlob packs spec.Dir into a root filesystem blob at
// spec.Dest. The blob is later inserted into the image as the root or
// usr partition.
func MakeRootBlob(ctx context.Context, runner osexec.Runner, logger *slog.Logger, spec RootBlobSpec) error {
	logger.Info("generating root filesystem",
		"filesystem", spec.Filesystem,
		"label", spec.Label)

	switch spec.Filesystem {
	case "ext4":
		return makeExt4(ctx, runner, spec)
	case "btrfs":
		return makeBtrfs(ctx, runner, spec)
	case "squashfs":
		return makeSquashfs(ctx, runner, spec)
	default:
		return fmt.Errorf("cannot generate a %s root blob", spec.Filesystem)
	}
}

func makeExt4(ctx context.Context, runner osexec.Runner, spec RootBlobSpec) error {
	if err := preallocate(spec.Dest, spec.Size); err != nil {
		return err
	}
	err := runner.Run(ctx, osexec.Spec{
		Argv: []string{"mkfs.ext4", "-I", "256", "-L", spec.Label, "-M", "/", "-d", spec.Dir, spec.Dest},
	})
	if err != nil {
		return err
	}
	if spec.Minimize {
		// resize2fs -M overshoots on its first pass; the second pass
		// converges on the true minimum.
		for i := 0; i < 2; i++ {
			if err := runner.Run(ctx, osexec.Spec{
				Argv: []string{"resize2fs", "-M", spec.Dest},
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func makeBtrfs(ctx context.Context, runner osexec.Runner, spec RootBlobSpec) error {
	if err := preallocate(spec.Dest, spec.Size); err != nil {
		return err
	}
	argv := []string{"mkfs.btrfs", "-L", spec.Label, "-d", "single", "-m", "single", "--rootdir", spec.Dir}
	if spec.Minimize {
		argv = append(argv, "--shrink")
	}
	argv = append(argv, spec.Dest)
	return runner.Run(ctx, osexec.Spec{Argv: argv})
}

func makeSquashfs(ctx context.Context, runner osexec.Runner, spec RootBlobSpec) error {
	tool := spec.Tool
	if len(tool) == 0 {
		tool = []string{"mksquashfs"}
	}
	argv := []string{tool[0], spec.Dir, spec.Dest}
	if len(tool) > 1 {
		argv = append(argv, tool[1:]...)
	} else {
		argv = append(argv, "-noappend")
	}
	switch spec.Compress {
	case "":
		// mksquashfs compresses by default.
	case compress.None:
		argv = append(argv, "-noI", "-noD", "-noF", "-noX")
	default:
		argv = append(argv, "-comp", spec.Compress)
	}
	return runner.Run(ctx, osexec.Spec{Argv: argv})
}

func preallocate(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
