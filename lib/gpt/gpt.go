// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package gpt manipulates GPT partition tables through sfdisk's text
// dump format. It never touches partition table bytes itself: the
// kernel and sfdisk own the binary format, osmith owns the text.
//
// The engine supports one structural mutation: appending a partition
// to the end of the table while growing the backing image in place.
// This is how generated root filesystems and verity hash blobs become
// partitions after the tree has been populated. Before every mutation
// the table is re-read from the device, so no table state is carried
// between insertions and prior descriptor lines pass through
// byte-for-byte.
package gpt

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/osmith-project/osmith/lib/osexec"
)

const (
	// DefaultSectorSize is assumed until a dump says otherwise.
	DefaultSectorSize = 512

	// Grain is the alignment quantum for new partition starts.
	Grain = 4096

	// maxPartitions sizes the GPT partition entry area. 128 entries
	// of 128 bytes is the size every common tool reserves.
	maxPartitions = 128
)

// Table is the parsed state of one sfdisk dump.
type Table struct {
	// Partitions holds the dump's partition descriptor lines verbatim,
	// in device order. They are re-emitted untouched when the table is
	// serialized, so an insertion can never corrupt existing entries.
	Partitions []string

	// LastPartitionEnd is the byte offset just past the end of the
	// highest-ending partition, or 0 when the table has none.
	LastPartitionEnd int64

	// SectorSize is the device's logical sector size.
	SectorSize int64

	// FirstLBA is the first usable LBA when the dump declared one.
	FirstLBA *int64
}

// ParseError reports sfdisk dump content the engine cannot understand.
// Guessing at partition geometry would risk overwriting data, so any
// malformed descriptor line is fatal.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable sfdisk dump line %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Empty returns a synthesized table for an image that has no partition
// table yet. firstLBA, when non-nil, carries a configured first usable
// LBA into the first insertion.
func Empty(firstLBA *int64) *Table {
	return &Table{SectorSize: DefaultSectorSize, FirstLBA: firstLBA}
}

// Read dumps and parses the partition table of an attached device.
func Read(ctx context.Context, runner osexec.Runner, device string) (*Table, error) {
	out, err := runner.Output(ctx, osexec.Spec{
		Argv: []string{"sfdisk", "--dump", device},
	})
	if err != nil {
		return nil, fmt.Errorf("dumping partition table of %s: %w", device, err)
	}
	return Parse(string(out))
}

// Parse parses sfdisk --dump output. Metadata lines before the first
// blank line are scanned for sector-size and first-lba; everything
// else in the header is ignored. Lines after the blank line are
// partition descriptors and must parse.
func Parse(dump string) (*Table, error) {
	table := &Table{SectorSize: DefaultSectorSize}

	var lastSector int64
	inBody := false
	for _, line := range strings.Split(dump, "\n") {
		line = strings.TrimSpace(line)

		if value, ok := strings.CutPrefix(line, "sector-size:"); ok {
			parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return nil, &ParseError{Line: line, Err: err}
			}
			table.SectorSize = parsed
		}
		if value, ok := strings.CutPrefix(line, "first-lba:"); ok {
			parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return nil, &ParseError{Line: line, Err: err}
			}
			table.FirstLBA = &parsed
		}

		if line == "" {
			// The blank line separates header metadata from the body.
			inBody = true
			continue
		}
		if !inBody {
			continue
		}

		table.Partitions = append(table.Partitions, line)

		end, err := descriptorEnd(line)
		if err != nil {
			return nil, err
		}
		if end > lastSector {
			lastSector = end
		}
	}

	table.LastPartitionEnd = lastSector * table.SectorSize
	return table, nil
}

// descriptorEnd returns start+size in sectors for one descriptor line,
// or 0 when the line carries no geometry fields.
func descriptorEnd(line string) (int64, error) {
	_, rest, found := strings.Cut(line, ":")
	if !found {
		return 0, &ParseError{Line: line, Err: fmt.Errorf("missing ':' separator")}
	}

	var start, size int64
	var haveStart, haveSize bool
	for _, field := range strings.Split(rest, ",") {
		field = strings.TrimSpace(field)

		// Dump values are right-aligned, so strip padding before parsing.
		if value, ok := strings.CutPrefix(field, "start="); ok {
			parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return 0, &ParseError{Line: line, Err: fmt.Errorf("bad start field: %w", err)}
			}
			start, haveStart = parsed, true
		}
		if value, ok := strings.CutPrefix(field, "size="); ok {
			parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return 0, &ParseError{Line: line, Err: fmt.Errorf("bad size field: %w", err)}
			}
			size, haveSize = parsed, true
		}
	}

	if haveStart && haveSize {
		return start + size, nil
	}
	return 0, nil
}

// FooterSize returns the space reserved at the end of the image for the
// backup GPT header (one sector) plus the partition entry area.
func (t *Table) FooterSize() int64 {
	peaSectors := (maxPartitions*128 + t.SectorSize - 1) / t.SectorSize
	return (1 + peaSectors) * t.SectorSize
}

// FirstUsableOffset returns the byte offset where the next partition
// may start. A populated table rounds up from its last partition; an
// explicit first-lba is honored exactly, without rounding; an empty
// table leaves room for one protective MBR sector plus a header the
// same size as the footer.
func (t *Table) FirstUsableOffset() int64 {
	if t.LastPartitionEnd > 0 {
		return roundUp(t.LastPartitionEnd, Grain)
	}
	if t.FirstLBA != nil {
		return *t.FirstLBA * t.SectorSize
	}
	return roundUp(t.SectorSize+t.FooterSize(), Grain)
}

// roundUp rounds n up to the next multiple of quantum.
func roundUp(n, quantum int64) int64 {
	return (n + quantum - 1) / quantum * quantum
}
