// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/testutil"
)

func TestMountVolumeOptions(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*config.Config)
		base     string
		readOnly bool
		want     string
	}{
		{
			name: "ext4 discards",
			base: "root",
			want: "mount -n /dev/volume WHERE -o discard",
		},
		{
			name:     "read only",
			base:     "root",
			readOnly: true,
			want:     "mount -n /dev/volume WHERE -o discard,ro",
		},
		{
			name: "btrfs compression",
			mutate: func(cfg *config.Config) {
				cfg.Output.Format = config.FormatGPTBtrfs
				cfg.Output.CompressFS = config.CompressZstd
			},
			base: "root",
			want: "mount -n /dev/volume WHERE -o discard,compress=zstd",
		},
		{
			name: "boot partitions stay uncompressed",
			mutate: func(cfg *config.Config) {
				cfg.Output.Format = config.FormatGPTBtrfs
				cfg.Output.CompressFS = config.CompressZstd
			},
			base: "efi",
			want: "mount -n /dev/volume WHERE -o discard",
		},
		{
			name: "disabled compression stays off",
			mutate: func(cfg *config.Config) {
				cfg.Output.Format = config.FormatGPTBtrfs
				cfg.Output.CompressFS = config.CompressOff
			},
			base: "root",
			want: "mount -n /dev/volume WHERE -o discard",
		},
		{
			name: "squashfs has no discard",
			mutate: func(cfg *config.Config) {
				cfg.Output.Format = config.FormatGPTSquashfs
			},
			base: "root",
			want: "mount -n /dev/volume WHERE",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := testBuild(t, tc.mutate)
			runner := testutil.NewRecordingRunner()
			m := NewMountStack(runner, testLogger())

			where := filepath.Join(t.TempDir(), tc.base)
			if err := m.MountVolume(context.Background(), b, "/dev/volume", where, tc.readOnly); err != nil {
				t.Fatalf("MountVolume failed: %v", err)
			}

			want := strings.Replace(tc.want, "WHERE", where, 1)
			if got := runner.Calls()[0].Line(); got != want {
				t.Errorf("expected %q, got %q", want, got)
			}
		})
	}
}

func TestMountStackRecordsOrder(t *testing.T) {
	runner := testutil.NewRecordingRunner()
	m := NewMountStack(runner, testLogger())
	dir := t.TempDir()

	if err := m.Bind(context.Background(), dir, dir); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	run := filepath.Join(dir, "run")
	if err := m.Tmpfs(context.Background(), run); err != nil {
		t.Fatalf("Tmpfs failed: %v", err)
	}

	if got, want := m.Mounts(), []string{dir, run}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected mounts %v, got %v", want, got)
	}
	if got, want := runner.Calls()[0].Line(), "mount --bind "+dir+" "+dir; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if got, want := runner.Calls()[1].Line(), "mount tmpfs -t tmpfs "+run; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestMountImage(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Bootable = true
		cfg.Partitions.Home = "1G"
	})
	if b.Layout.ESP != 1 || b.Layout.Home != 2 || b.Layout.Root != 3 {
		t.Fatalf("unexpected layout: %+v", b.Layout)
	}

	runner := testutil.NewRecordingRunner()
	loop := attachTestLoop(t, runner)
	root := filepath.Join(t.TempDir(), "root")
	volumes := VolumeSet{Root: "/dev/mapper/root", Home: "/dev/loop0p2"}

	unmount, err := MountImage(context.Background(), runner, testLogger(), b, loop, volumes, root, false)
	if err != nil {
		t.Fatalf("MountImage failed: %v", err)
	}

	want := []string{
		"mount -n /dev/mapper/root " + root + " -o discard",
		"mount -n /dev/loop0p2 " + filepath.Join(root, "home") + " -o discard",
		"mount -n /dev/loop0p1 " + filepath.Join(root, "efi") + " -o discard",
		"mount tmpfs -t tmpfs " + filepath.Join(root, "run"),
		"mount tmpfs -t tmpfs " + filepath.Join(root, "tmp"),
	}
	if got := runner.Lines()[1:]; !reflect.DeepEqual(got, want) {
		t.Errorf("expected mounts %v, got %v", want, got)
	}

	if err := unmount(context.Background()); err != nil {
		t.Fatalf("unmount failed: %v", err)
	}
	lines := runner.Lines()
	if got, want := lines[len(lines)-1], "umount --recursive -n "+root; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestMountImageUsrOnly(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.UsrOnly = true
	})

	runner := testutil.NewRecordingRunner()
	root := filepath.Join(t.TempDir(), "root")
	volumes := VolumeSet{Root: "/dev/loop0p1"}

	if _, err := MountImage(context.Background(), runner, testLogger(), b, nil, volumes, root, true); err != nil {
		t.Fatalf("MountImage failed: %v", err)
	}

	want := []string{
		"mount --bind " + root + " " + root,
		"mount -n /dev/loop0p1 " + filepath.Join(root, "usr") + " -o discard,ro",
		"mount tmpfs -t tmpfs " + filepath.Join(root, "run"),
		"mount tmpfs -t tmpfs " + filepath.Join(root, "tmp"),
	}
	if got := runner.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected mounts %v, got %v", want, got)
	}
}

func TestMountImageAnchorsWithoutRootVolume(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Minimize = true
	})

	runner := testutil.NewRecordingRunner()
	root := filepath.Join(t.TempDir(), "root")

	if _, err := MountImage(context.Background(), runner, testLogger(), b, nil, VolumeSet{}, root, false); err != nil {
		t.Fatalf("MountImage failed: %v", err)
	}

	if got, want := runner.Lines()[0], "mount --bind "+root+" "+root; got != want {
		t.Errorf("expected anchoring bind %q, got %q", want, got)
	}
}
