// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockdev manages the block-device side of image builds: the
// loop device over the image file, LUKS encryption of partitions,
// filesystem creation, and the mount tree builds run inside.
//
// Everything shells out through [osexec.Runner], so the logic tests
// without root privileges or real devices.
package blockdev

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/osmith-project/osmith/lib/osexec"
)

// LoopDevice is an attached loop device over an image file.
type LoopDevice struct {
	// Device is the /dev/loopN node.
	Device string

	runner   osexec.Runner
	logger   *slog.Logger
	detached bool
}

// AttachLoop attaches the image file at path to a free loop device
// with partition scanning enabled, so the partition nodes appear
// immediately.
func AttachLoop(ctx context.Context, runner osexec.Runner, logger *slog.Logger, path string) (*LoopDevice, error) {
	out, err := runner.Output(ctx, osexec.Spec{
		Argv: []string{"losetup", "--find", "--show", "--partscan", path},
	})
	if err != nil {
		return nil, fmt.Errorf("attaching %s: %w", path, err)
	}
	device := strings.TrimSpace(string(out))
	if device == "" {
		return nil, fmt.Errorf("losetup reported no device for %s", path)
	}
	logger.Info("attached image", "path", path, "device", device)
	return &LoopDevice{Device: device, runner: runner, logger: logger}, nil
}

// Partition returns the device node of partition n.
func (l *LoopDevice) Partition(n int) string {
	return fmt.Sprintf("%sp%d", l.Device, n)
}

// SetCapacity tells the kernel to re-read the backing file size after
// the image has grown.
func (l *LoopDevice) SetCapacity(ctx context.Context) error {
	return l.runner.Run(ctx, osexec.Spec{
		Argv: []string{"losetup", "--set-capacity", l.Device},
	})
}

// Detach releases the loop device. Calling it again is a no-op, so it
// can sit in a defer while the happy path detaches explicitly.
func (l *LoopDevice) Detach(ctx context.Context) error {
	if l.detached {
		return nil
	}
	l.detached = true
	l.logger.Info("detaching image", "device", l.Device)
	return l.runner.Run(ctx, osexec.Spec{
		Argv: []string{"losetup", "--detach", l.Device},
	})
}

// Trim releases unused blocks on the mounted root so the sparse image
// file stays small. Trim support varies by filesystem, so failures
// only warn.
func Trim(ctx context.Context, runner osexec.Runner, logger *slog.Logger, root string) {
	if err := runner.Run(ctx, osexec.Spec{Argv: []string{"fstrim", "-v", root}}); err != nil {
		logger.Warn("fstrim failed", "root", root, "error", err)
	}
}
