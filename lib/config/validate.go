// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
)

// validate checks the effective configuration after defaults have been
// applied. All violations are collected and returned as one error so a
// broken configuration is reported in full.
func (b *Build) validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if b.Distribution.Name == "" {
		fail("distribution.name is required and could not be detected from /etc/os-release; known distributions: %v", KnownDistributions)
	} else if !slices.Contains(KnownDistributions, b.Distribution.Name) {
		fail("unknown distribution %q; known distributions: %v", b.Distribution.Name, KnownDistributions)
	}

	if !slices.Contains(knownFormats, b.Output.Format) {
		fail("unknown output format %q; known formats: %v", b.Output.Format, knownFormats)
	}

	if b.Output.Bootable {
		if !b.Output.Format.IsDisk() {
			fail("%s images cannot be bootable", b.Output.Format)
		}
		for _, protocol := range b.Output.BootProtocols {
			if protocol != "uefi" && protocol != "bios" {
				fail("unknown boot protocol %q; known protocols: uefi, bios", protocol)
			}
		}
	}

	if b.Output.Minimize && !b.Output.Format.CanMinimize() {
		fail("minimize is only supported for gpt_ext4 and gpt_btrfs")
	}

	if b.GeneratedRoot() && b.Build.Incremental {
		fail("incremental builds do not work with generated root filesystems (squashfs, minimize, usr_only)")
	}

	if b.GeneratedRoot() && b.Output.Bootable && b.hasBootProtocol("bios") {
		fail("BIOS boot cannot be combined with generated root filesystems")
	}

	if b.Output.Encrypt != "" {
		if b.Output.Encrypt != EncryptAll && b.Output.Encrypt != EncryptData {
			fail("unknown encryption scope %q; known scopes: all, data", b.Output.Encrypt)
		}
		if !b.Output.Format.IsDisk() {
			fail("encryption is only supported for disk images")
		}
		if b.Output.Encrypt == EncryptData && b.Output.Format.IsBtrfs() {
			fail("data encryption is not supported on btrfs, use scope all")
		}
		if b.Output.Encrypt == EncryptAll && b.Output.Verity {
			fail("encryption scope all cannot be combined with verity")
		}
		if b.Validation.PassphraseFile != "" {
			if _, err := os.Stat(b.Validation.PassphraseFile); err != nil {
				fail("passphrase file %s: %v", b.Validation.PassphraseFile, err)
			}
		}
	}

	if b.Output.QCow2 && !b.Output.Format.IsDisk() {
		fail("qcow2 conversion is only supported for disk images")
	}

	for _, knob := range []struct{ name, value string }{
		{"compress", b.Output.Compress},
		{"compress_fs", b.Output.CompressFS},
		{"compress_output", b.Output.CompressOutput},
	} {
		if knob.value != "" && !slices.Contains(knownCompressions, knob.value) {
			fail("unknown %s algorithm %q; known algorithms: %v", knob.name, knob.value, knownCompressions)
		}
	}

	switch b.Packages.CleanMetadata {
	case "", "auto", "true", "false":
	default:
		fail("packages.clean_metadata must be true, false or auto, not %q", b.Packages.CleanMetadata)
	}

	for _, format := range b.Output.ManifestFormats {
		if format != "json" && format != "changelog" {
			fail("unknown manifest format %q; known formats: json, changelog", format)
		}
	}

	if b.Host.SSH && !b.Host.NetworkVeth {
		fail("ssh requires host.network_veth")
	}
	if b.Host.SSHTimeout < 0 {
		fail("host.ssh_timeout must be >= 0")
	}

	if b.Validation.SecureBoot {
		if b.Validation.SecureBootKey == "" {
			fail("secure boot enabled but no signing key found; place it in osmith.secure-boot.key or set validation.secure_boot_key")
		}
		if b.Validation.SecureBootCert == "" {
			fail("secure boot enabled but no certificate found; place it in osmith.secure-boot.crt or set validation.secure_boot_certificate")
		}
	}

	if b.Output.Verity && !b.UnifiedKernel() {
		fail("verity requires unified kernel images")
	}
	if !b.UnifiedKernel() && b.Output.Bootable && b.hasBootProtocol("uefi") {
		switch b.Distribution.Name {
		case Debian, Ubuntu, OpenSUSE:
			fail("%s cannot boot UEFI without unified kernel images", b.Distribution.Name)
		}
	}

	if b.Distribution.Name == CentOS && b.Output.Format.IsBtrfs() {
		if major, err := strconv.Atoi(strings.SplitN(b.Distribution.Release, ".", 2)[0]); err == nil && major <= 8 {
			fail("CentOS %d does not support btrfs", major)
		}
	}

	if b.Output.MachineID != "" {
		if raw, err := hex.DecodeString(b.Output.MachineID); err != nil || len(raw) != 16 {
			fail("machine_id must be 32 hexadecimal characters")
		}
	}

	for _, script := range []struct{ name, path string }{
		{"build.script", b.Build.Script},
		{"build.prepare", b.Build.Prepare},
		{"build.post_install", b.Build.PostInstall},
		{"build.finalize", b.Build.Finalize},
	} {
		if script.path == "" {
			continue
		}
		info, err := os.Stat(script.path)
		switch {
		case err != nil:
			fail("%s: %v", script.name, err)
		case !info.Mode().IsRegular():
			fail("%s: %s is not a file", script.name, script.path)
		case info.Mode().Perm()&0o111 == 0:
			fail("%s: %s is not executable", script.name, script.path)
		}
	}

	return errors.Join(errs...)
}
