// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package gpt

import (
	"fmt"

	"github.com/google/uuid"
)

// Architecture names the CPU architecture an image targets, using
// uname -m vocabulary.
type Architecture string

const (
	ArchX86_64  Architecture = "x86_64"
	ArchAArch64 Architecture = "aarch64"
	ArchARMv7   Architecture = "armv7l"
	ArchI686    Architecture = "i686"
)

// Discoverable partition type UUIDs, as consumed by boot loaders and
// systemd-gpt-auto-generator. Fixed-role partitions share one type
// across architectures; root and /usr partitions are per-architecture
// so a firmware or initrd can pick the native one.
var (
	TypeESP      = uuid.MustParse("c12a7328f81f11d2ba4b00a0c93ec93b")
	TypeBIOSBoot = uuid.MustParse("2168614864496e6f744e656564454649")
	TypeXBootLdr = uuid.MustParse("bc13c2ff59e64262a352b275fd6f7172")
	TypeSwap     = uuid.MustParse("0657fd6da4ab43c484e50933c84b4f4f")
	TypeHome     = uuid.MustParse("933ac7e12eb44f13b8440e14e2aef915")
	TypeSrv      = uuid.MustParse("3b8f842520e04f3b907f1a25a76f98e8")
	TypeTmp      = uuid.MustParse("7ec6f5573bc54acab29316ef5df639d1")
	TypeVar      = uuid.MustParse("4d21b016b53445c2a9fb5c16e091fd2d")
)

var (
	typeRootX86         = uuid.MustParse("44479540f29741b29af7d131d5f0458a")
	typeRootX86_64      = uuid.MustParse("4f68bce3e8cd4db196e7fbcaf984b709")
	typeRootARM         = uuid.MustParse("69dad7102ce44e3cb16c21a1d49abed3")
	typeRootARM64       = uuid.MustParse("b921b0451df041c3af444c6f280d3fae")
	typeUsrX86          = uuid.MustParse("75250d768cc6458ebd66bd47cc81a812")
	typeUsrX86_64       = uuid.MustParse("8484680c952148c69c11b0720656f69e")
	typeUsrARM          = uuid.MustParse("7d0359a302b34f0a865c654403e70625")
	typeUsrARM64        = uuid.MustParse("b0e01050ee5f4390949a9101b17104e9")
	typeRootX86Verity   = uuid.MustParse("d13c5d3bb5d1422ab29f9454fdc89d76")
	typeRootX8664Verity = uuid.MustParse("2c7357edebd246d9aec123d437ec2bf5")
	typeRootARMVerity   = uuid.MustParse("7386cdf2203c47a9a498f2ecce45a2d6")
	typeRootARM64Verity = uuid.MustParse("df3300ced69f4c92978c9bfb0f38d820")
	typeUsrX86Verity    = uuid.MustParse("8f461b0d14ee4e819aa9049b6fb97abd")
	typeUsrX8664Verity  = uuid.MustParse("77ff5f63e7b64633acf41565b864c0e6")
	typeUsrARMVerity    = uuid.MustParse("c215d7517bcd4649be906627490a4c05")
	typeUsrARM64Verity  = uuid.MustParse("6e11a4e7fbca4dedb9e9e1a512bb664e")
)

// RootTypePair is the native GPT type for a root (or /usr) partition
// and for its matching verity partition.
type RootTypePair struct {
	Root   uuid.UUID
	Verity uuid.UUID
}

// RootType returns the native root partition types for an
// architecture. With usrOnly the /usr partition types are returned
// instead. An architecture without registered types is a configuration
// error, caught before any build work starts.
func RootType(arch Architecture, usrOnly bool) (RootTypePair, error) {
	if usrOnly {
		switch arch {
		case "i386", "i486", "i586", ArchI686:
			return RootTypePair{typeUsrX86, typeUsrX86Verity}, nil
		case ArchX86_64:
			return RootTypePair{typeUsrX86_64, typeUsrX8664Verity}, nil
		case ArchAArch64:
			return RootTypePair{typeUsrARM64, typeUsrARM64Verity}, nil
		case ArchARMv7:
			return RootTypePair{typeUsrARM, typeUsrARMVerity}, nil
		}
		return RootTypePair{}, fmt.Errorf("no /usr partition type known for architecture %q", arch)
	}

	switch arch {
	case "i386", "i486", "i586", ArchI686:
		return RootTypePair{typeRootX86, typeRootX86Verity}, nil
	case ArchX86_64:
		return RootTypePair{typeRootX86_64, typeRootX8664Verity}, nil
	case ArchAArch64:
		return RootTypePair{typeRootARM64, typeRootARM64Verity}, nil
	case ArchARMv7:
		return RootTypePair{typeRootARM, typeRootARMVerity}, nil
	}
	return RootTypePair{}, fmt.Errorf("no root partition type known for architecture %q", arch)
}
