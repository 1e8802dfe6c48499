// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
)

// remountFunc mounts the assembled image for a post-assembly stage
// and returns the matching unmount. The unified kernel build, EFI
// signing and kernel extraction each mount on demand because the
// image is reassembled between them.
type remountFunc func(context.Context) (func(context.Context) error, error)

// kernelInstallHook is where the unified kernel build hook lives
// inside the image.
const kernelInstallHook = "/etc/kernel/install.d/50-osmith-dracut-unified-kernel.install"

// kernelInstallScript builds one unified kernel+initrd+cmdline EFI
// binary per kernel version via dracut and drops it into the ESP's
// EFI/Linux directory where sd-boot picks it up.
const kernelInstallScript = `#!/bin/sh

COMMAND="$1"
KERNEL_VERSION="$2"
BOOT_DIR_ABS="$3"
KERNEL_IMAGE="$4"

# An empty KERNEL_INSTALL_MACHINE_ID means kernel-install was invoked
# with a fake boot directory, nothing to build then.
if [ -z "${KERNEL_INSTALL_MACHINE_ID-unset}" ]; then
    exit 0
fi

# Strip the machine ID and kernel version to get the boot prefix.
PREFIX=$(dirname "$(dirname "$BOOT_DIR_ABS")")

if [ -n "$IMAGE_ID" ]; then
    IMAGE="$IMAGE_ID"
else
    IMAGE="linux"
fi

if [ -n "$IMAGE_VERSION" ]; then
    BOOT_BINARY="${PREFIX}/EFI/Linux/${IMAGE}_${IMAGE_VERSION}.efi"
elif [ -n "$ROOTHASH" ]; then
    BOOT_BINARY="${PREFIX}/EFI/Linux/${IMAGE}-${KERNEL_VERSION}-${ROOTHASH}.efi"
elif [ -n "$USRHASH" ]; then
    BOOT_BINARY="${PREFIX}/EFI/Linux/${IMAGE}-${KERNEL_VERSION}-${USRHASH}.efi"
else
    BOOT_BINARY="${PREFIX}/EFI/Linux/${IMAGE}-${KERNEL_VERSION}.efi"
fi

case "$COMMAND" in
    add)
        if [ -n "$KERNEL_IMAGE" ]; then
            KERNEL_IMAGE_OPTION="--kernel-image $KERNEL_IMAGE"
        else
            KERNEL_IMAGE_OPTION=""
        fi

        CMDLINE="$(tr -s '\n' ' ' </etc/kernel/cmdline)"
        if [ -n "$ROOTHASH" ]; then
            CMDLINE="$CMDLINE roothash=$ROOTHASH"
        fi
        if [ -n "$USRHASH" ]; then
            CMDLINE="$CMDLINE usrhash=$USRHASH"
        fi

        # shellcheck disable=SC2086
        dracut \
            --uefi \
            --kver "$KERNEL_VERSION" \
            $KERNEL_IMAGE_OPTION \
            --kernel-cmdline "$CMDLINE" \
            --force \
            "$BOOT_BINARY"
        ;;
    remove)
        rm -f -- "$BOOT_BINARY"
        ;;
esac
`

// unifiedKernelHooked reports whether osmith takes over kernel
// installation in the tree. BIOS boot cannot use unified kernels, so
// the distribution hooks stay in place there.
func unifiedKernelHooked(b *config.Build) bool {
	return b.Output.Bootable && b.Layout.BIOSBoot == 0 && b.UnifiedKernel()
}

// disableKernelInstall masks the distribution's kernel-install hooks
// before package installation. The unified kernel bakes in the root
// hash, which is only known once the root filesystem is final, so the
// kernel RPM scriptlets must not build boot entries of their own.
func disableKernelInstall(st *StageContext) error {
	if !unifiedKernelHooked(st.Build) {
		return nil
	}
	dir := filepath.Join(st.Root, "etc/kernel/install.d")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, hook := range []string{"50-dracut.install", "51-dracut-rescue.install", "90-loaderentry.install"} {
		if err := os.Symlink("/dev/null", filepath.Join(dir, hook)); err != nil {
			return err
		}
	}
	return nil
}

// reenableKernelInstall installs the unified kernel build hook after
// package installation. The distribution hooks stay masked in the
// image so later kernel updates go through the same path.
func reenableKernelInstall(st *StageContext) error {
	if !unifiedKernelHooked(st.Build) {
		return nil
	}
	return os.WriteFile(filepath.Join(st.Root, kernelInstallHook), []byte(kernelInstallScript), 0o755)
}

// installUnifiedKernel generates a combined kernel+initrd+cmdline EFI
// binary for every kernel version in the image. The unified image
// embeds the root hash and the final initrd, both of which differ
// between the cached and final trees, and dracut is slow, so it runs
// only on the last final pass.
func installUnifiedKernel(ctx context.Context, st *StageContext, rootHash string, mount remountFunc) error {
	b := st.Build
	if !b.Output.Bootable || b.Layout.ESP == 0 || !b.UnifiedKernel() {
		return nil
	}
	if st.BuildPass || st.ForCache {
		return nil
	}
	st.Logger.Info("generating unified kernel images")

	unmount, err := mount(ctx)
	if err != nil {
		return err
	}
	mounted := true
	defer func() {
		if mounted {
			unmount(context.WithoutCancel(ctx))
		}
	}()

	// Kernel versions are the module directories; the image files are
	// found by dracut itself since their location varies per distro.
	entries, err := os.ReadDir(filepath.Join(st.Root, "lib/modules"))
	if err != nil {
		return err
	}
	prefix := "/efi"
	if b.Layout.XBootLdr != 0 {
		prefix = "/boot"
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		kver := entry.Name()
		if _, err := os.Stat(filepath.Join(st.Root, "lib/modules", kver, "modules.dep")); err != nil {
			continue
		}

		var env []string
		if b.Output.ImageID != "" {
			env = append(env, "IMAGE_ID="+b.Output.ImageID)
		}
		if b.Output.ImageVersion != "" {
			env = append(env, "IMAGE_VERSION="+b.Output.ImageVersion)
		}
		if rootHash != "" {
			key := "ROOTHASH"
			if b.Output.UsrOnly {
				key = "USRHASH"
			}
			env = append(env, key+"="+rootHash)
		}

		argv := []string{kernelInstallHook, "add", kver, prefix + "/" + b.MachineID + "/" + kver, ""}
		if err := treeCommand(st, argv, false, env).Run(ctx, st.Runner); err != nil {
			return fmt.Errorf("unified kernel for %s: %w", kver, err)
		}
	}

	mounted = false
	return unmount(ctx)
}

// secureBootSign signs every EFI binary on the ESP in place. With
// verity the binaries only reach their final form on the final pass;
// without it the cached pass already signed them.
func secureBootSign(ctx context.Context, st *StageContext, mount remountFunc) error {
	b := st.Build
	if st.BuildPass || !b.Output.Bootable || !b.Validation.SecureBoot {
		return nil
	}
	if st.ForCache && b.Output.Verity {
		return nil
	}
	if st.Cached && !b.Output.Verity {
		return nil
	}

	unmount, err := mount(ctx)
	if err != nil {
		return err
	}
	mounted := true
	defer func() {
		if mounted {
			unmount(context.WithoutCancel(ctx))
		}
	}()

	err = filepath.WalkDir(filepath.Join(st.Root, "efi"), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.HasSuffix(path, ".efi") && !strings.HasSuffix(path, ".EFI") {
			return nil
		}
		st.Logger.Info("signing EFI binary", "path", filepath.Base(path))
		sign := osexec.Spec{Argv: []string{
			"sbsign",
			"--key", b.Validation.SecureBootKey,
			"--cert", b.Validation.SecureBootCert,
			"--output", path + ".signed", path,
		}}
		if err := st.Runner.Run(ctx, sign); err != nil {
			return fmt.Errorf("signing %s: %w", path, err)
		}
		return os.Rename(path+".signed", path)
	})
	if err != nil {
		return err
	}

	mounted = false
	return unmount(ctx)
}

// extractUnifiedKernel stages the image's unified kernel as a split
// artifact next to its publication path. Exactly one kernel must be
// present.
func extractUnifiedKernel(ctx context.Context, st *StageContext, mount remountFunc) (string, error) {
	b := st.Build
	if st.BuildPass || st.ForCache || !b.Output.SplitArtifacts || !b.Output.Bootable {
		return "", nil
	}

	unmount, err := mount(ctx)
	if err != nil {
		return "", err
	}
	mounted := true
	defer func() {
		if mounted {
			unmount(context.WithoutCancel(ctx))
		}
	}()

	kernel := ""
	err = filepath.WalkDir(filepath.Join(st.Root, "efi/EFI/Linux"), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.HasSuffix(path, ".efi") && !strings.HasSuffix(path, ".EFI") {
			return nil
		}
		if kernel != "" {
			return fmt.Errorf("multiple kernels found, cannot pick one to extract (%s vs %s)", kernel, path)
		}
		kernel = path
		return nil
	})
	if err != nil {
		return "", err
	}
	if kernel == "" {
		return "", errors.New("no kernel found in image, cannot extract")
	}

	staged, err := stageFile(kernel, filepath.Dir(b.SplitKernelPath))
	if err != nil {
		return "", err
	}

	mounted = false
	return staged, unmount(ctx)
}

// grubTool names the grub command prefix, which Debian derivatives
// and Arch spell without the 2.
func grubTool(distribution config.Distribution) string {
	switch distribution {
	case config.Debian, config.Ubuntu, config.Arch:
		return "grub"
	}
	return "grub2"
}

// writeGrubDefaults makes /etc/default/grub carry the image's kernel
// command line so grub-mkconfig bakes it into every menu entry.
func writeGrubDefaults(st *StageContext) error {
	dir := filepath.Join(st.Root, "etc/default")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	line := fmt.Sprintf("GRUB_CMDLINE_LINUX=%q", strings.Join(st.Build.KernelCommandLine, " "))

	path := filepath.Join(dir, "grub")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return os.WriteFile(path, []byte(line+"\n"), 0o644)
	} else if err != nil {
		return err
	}

	replaced := false
	err := patchLines(path, func(l string) string {
		if strings.HasPrefix(l, "GRUB_CMDLINE_LINUX=") {
			replaced = true
			return line
		}
		return l
	})
	if err != nil || replaced {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// installGrub installs grub into the BIOS boot partition and writes
// its configuration, with the image's block devices exposed so grub
// can map the root filesystem back to the disk.
func installGrub(ctx context.Context, st *StageContext) error {
	if err := writeGrubDefaults(st); err != nil {
		return err
	}

	grub := grubTool(st.Build.Distribution.Name)
	params := blockdevParams(st)
	for _, argv := range [][]string{
		{grub + "-install", "--modules=ext2 part_gpt", "--target=i386-pc", st.Loop.Device},
		{grub + "-mkconfig", "--output=/boot/" + grub + "/grub.cfg"},
	} {
		n := treeCommand(st, argv, false, nil)
		n.Extra = params
		if err := n.Run(ctx, st.Runner); err != nil {
			return fmt.Errorf("%s: %w", argv[0], err)
		}
	}
	return nil
}

// installBootLoader installs sd-boot on the ESP and grub into the
// BIOS boot partition, whichever the image carries. Runs with the
// image volumes mounted.
func installBootLoader(ctx context.Context, st *StageContext) error {
	b := st.Build
	if !b.Output.Bootable || st.BuildPass || st.Cached {
		return nil
	}
	st.Logger.Info("installing boot loader")

	if b.Layout.ESP != 0 {
		if err := treeCommand(st, []string{"bootctl", "install"}, false, nil).Run(ctx, st.Runner); err != nil {
			return fmt.Errorf("bootctl install: %w", err)
		}
	}
	if b.Layout.BIOSBoot != 0 {
		if err := installGrub(ctx, st); err != nil {
			return err
		}
	}
	return nil
}
