// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/osmith-project/osmith/lib/gpt"
)

// Layout assigns partition numbers, in fixed role order: ESP, BIOS
// boot, XBOOTLDR, swap, home, srv, var, tmp, root, verity. Zero means
// the partition does not exist. Numbers are assigned once at finalize
// time and stay stable for the whole build, including for partitions
// that are only inserted into the table later (generated root, verity).
type Layout struct {
	ESP      int
	BIOSBoot int
	XBootLdr int
	Swap     int
	Home     int
	Srv      int
	Var      int
	Tmp      int
	Root     int
	Verity   int
}

// partitionPlan walks the roles in order, assigning numbers and
// emitting the initial sfdisk script lines in lockstep so the two can
// never disagree. The returned bool reports whether the script
// actually needs applying: a disk whose only partition is a generated
// root starts with no table at all.
func (b *Build) partitionPlan() (Layout, string, bool) {
	var layout Layout
	if !b.Output.Format.IsDisk() {
		return layout, "", false
	}

	pn := 1
	next := func() int {
		n := pn
		pn++
		return n
	}

	var script strings.Builder
	script.WriteString("label: gpt\n")
	if b.Output.GPTFirstLBA != nil {
		fmt.Fprintf(&script, "first-lba: %d\n", *b.Output.GPTFirstLBA)
	}
	apply := false

	line := func(size int64, partType, name string) {
		fmt.Fprintf(&script, "size=%d, type=%s, name=%q\n", size/512, partType, name)
	}

	if b.Output.Bootable {
		if b.hasBootProtocol("uefi") {
			line(b.ESPSize, gpt.TypeESP.String(), "ESP System Partition")
			layout.ESP = next()
		}
		if b.hasBootProtocol("bios") {
			line(BIOSPartitionSize, gpt.TypeBIOSBoot.String(), "BIOS Boot Partition")
			layout.BIOSBoot = next()
		}
		apply = true
	}

	if b.XBootLdrSize > 0 {
		line(b.XBootLdrSize, gpt.TypeXBootLdr.String(), "Boot Loader Partition")
		layout.XBootLdr = next()
	}

	if b.SwapSize > 0 {
		line(b.SwapSize, gpt.TypeSwap.String(), "Swap Partition")
		layout.Swap = next()
		apply = true
	}

	// On btrfs, home/srv/var/tmp are subvolumes of the root filesystem
	// instead of partitions.
	if !b.Output.Format.IsBtrfs() {
		if b.HomeSize > 0 {
			line(b.HomeSize, gpt.TypeHome.String(), "Home Partition")
			layout.Home = next()
			apply = true
		}
		if b.SrvSize > 0 {
			line(b.SrvSize, gpt.TypeSrv.String(), "Server Data Partition")
			layout.Srv = next()
			apply = true
		}
		if b.VarSize > 0 {
			line(b.VarSize, gpt.TypeVar.String(), "Variable Data Partition")
			layout.Var = next()
			apply = true
		}
		if b.TmpSize > 0 {
			line(b.TmpSize, gpt.TypeTmp.String(), "Temporary Data Partition")
			layout.Tmp = next()
			apply = true
		}
	}

	// A generated root is inserted after tree population, so its line
	// is omitted here, but its number is reserved now. The root line
	// carries no size: it takes all remaining space.
	if !b.GeneratedRoot() {
		attrs := ""
		if b.Output.ReadOnly && !b.Output.Format.IsBtrfs() {
			attrs = "GUID:60"
		}
		fmt.Fprintf(&script, "type=%s, attrs=%s, name=%q\n",
			b.RootTypes.Root.String(), attrs, b.RootPartitionName(false))
		apply = true
	}
	layout.Root = next()

	if b.Output.Verity {
		layout.Verity = next()
	}

	return layout, script.String(), apply
}

func (b *Build) computeLayout() Layout {
	layout, _, _ := b.partitionPlan()
	return layout
}

// PartitionScript returns the initial sfdisk input script and whether
// it needs applying at all.
func (b *Build) PartitionScript() (string, bool) {
	_, script, apply := b.partitionPlan()
	return script, apply
}

func (b *Build) hasBootProtocol(name string) bool {
	for _, protocol := range b.Output.BootProtocols {
		if protocol == name {
			return true
		}
	}
	return false
}

// ImageSize returns the initial raw image size: table overhead plus
// every sized partition. Verity hash partitions are sized only at
// insertion time and generated roots replace the configured root size,
// so both grow the image later instead of being counted here.
func (b *Build) ImageSize() int64 {
	table := gpt.Empty(b.Output.GPTFirstLBA)
	size := table.FirstUsableOffset() + table.FooterSize()

	size += b.RootSize
	size += b.HomeSize
	size += b.SrvSize
	size += b.VarSize
	size += b.TmpSize
	if b.Output.Bootable {
		if b.hasBootProtocol("uefi") {
			size += b.ESPSize
		}
		if b.hasBootProtocol("bios") {
			size += BIOSPartitionSize
		}
	}
	size += b.XBootLdrSize
	size += b.SwapSize

	return size
}
