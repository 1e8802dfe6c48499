// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress provides streaming compression for image artifacts.
//
// Algorithms are selected by name ("xz", "zstd", "lz4"), matching the
// configuration vocabulary and the filename suffixes of produced
// artifacts. Compression runs in-process: image outputs are written
// through a compressing writer rather than piped through external
// tools, so a compressed multi-gigabyte artifact costs no extra disk
// pass.
package compress

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Algorithm names. The empty string and "none" mean no compression.
const (
	XZ   = "xz"
	Zstd = "zstd"
	LZ4  = "lz4"
	None = "none"
)

// NewWriter wraps w with the named compression algorithm. The
// returned writer must be closed to flush; closing it does not close
// w. For "" and "none" the data passes through unchanged.
func NewWriter(algorithm string, w io.Writer) (io.WriteCloser, error) {
	switch algorithm {
	case "", None:
		return nopWriteCloser{w}, nil

	case XZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("xz writer: %w", err)
		}
		return xw, nil

	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return zw, nil

	case LZ4:
		return lz4.NewWriter(w), nil

	default:
		return nil, fmt.Errorf("unknown compression algorithm: %q", algorithm)
	}
}

// NewReader wraps r with decompression for the named algorithm.
func NewReader(algorithm string, r io.Reader) (io.ReadCloser, error) {
	switch algorithm {
	case "", None:
		return io.NopCloser(r), nil

	case XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("xz reader: %w", err)
		}
		return io.NopCloser(xr), nil

	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil

	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil

	default:
		return nil, fmt.Errorf("unknown compression algorithm: %q", algorithm)
	}
}

// Suffix returns the filename suffix for an algorithm ("xz" → ".xz").
// Empty and "none" yield no suffix.
func Suffix(algorithm string) string {
	if algorithm == "" || algorithm == None {
		return ""
	}
	return "." + algorithm
}

// ForPath returns the algorithm matching a filename's suffix, or ""
// when the file is not compressed.
func ForPath(path string) string {
	switch filepath.Ext(path) {
	case ".xz":
		return XZ
	case ".zstd", ".zst":
		return Zstd
	case ".lz4":
		return LZ4
	}
	return ""
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
