// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/testutil"
)

// stubMount counts remounts so stages can be checked for balanced
// mount/unmount pairs without a real image.
type stubMount struct {
	mounts, unmounts int
}

func (m *stubMount) mount(ctx context.Context) (func(context.Context) error, error) {
	m.mounts++
	return func(context.Context) error {
		m.unmounts++
		return nil
	}, nil
}

func TestUnifiedKernelHooked(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
	})
	if !unifiedKernelHooked(b) {
		t.Error("expected the kernel install hooked on a UEFI image")
	}

	b = testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
		cfg.Output.BootProtocols = []string{"uefi", "bios"}
	})
	if unifiedKernelHooked(b) {
		t.Error("expected the distribution hooks kept with BIOS boot")
	}

	b = testBuild(t, nil)
	if unifiedKernelHooked(b) {
		t.Error("expected no hook on a non-bootable image")
	}
}

func TestDisableReenableKernelInstall(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
	})
	st, _ := testStage(t, b)

	if err := disableKernelInstall(st); err != nil {
		t.Fatalf("disableKernelInstall failed: %v", err)
	}
	for _, hook := range []string{"50-dracut.install", "51-dracut-rescue.install", "90-loaderentry.install"} {
		target, err := os.Readlink(filepath.Join(st.Root, "etc/kernel/install.d", hook))
		if err != nil {
			t.Errorf("expected %s masked: %v", hook, err)
			continue
		}
		if target != "/dev/null" {
			t.Errorf("expected %s -> /dev/null, got %s", hook, target)
		}
	}

	if err := reenableKernelInstall(st); err != nil {
		t.Fatalf("reenableKernelInstall failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(st.Root, kernelInstallHook))
	if err != nil {
		t.Fatalf("expected the build hook installed: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o755 {
		t.Errorf("expected mode 0755, got %o", got)
	}
	data, err := os.ReadFile(filepath.Join(st.Root, kernelInstallHook))
	if err != nil {
		t.Fatalf("reading hook: %v", err)
	}
	if !strings.HasPrefix(string(data), "#!/bin/sh") || !strings.Contains(string(data), "--uefi") {
		t.Errorf("expected a dracut --uefi hook script, got:\n%s", data)
	}
}

func TestDisableKernelInstallSkipsUnhooked(t *testing.T) {
	b := testBuild(t, nil)
	st, _ := testStage(t, b)

	if err := disableKernelInstall(st); err != nil {
		t.Fatalf("disableKernelInstall failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(st.Root, "etc/kernel")); !os.IsNotExist(err) {
		t.Errorf("expected an untouched tree, got %v", err)
	}
}

func TestInstallUnifiedKernel(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
		cfg.Output.ImageID = "demo"
	})
	st, runner := testStage(t, b)

	const kver = "6.8.7-300.x86_64"
	writeTreeFile(t, st, "lib/modules/"+kver+"/modules.dep", "")
	// Neither a version directory without modules nor a stray file is a
	// kernel.
	if err := os.MkdirAll(filepath.Join(st.Root, "lib/modules/build"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	writeTreeFile(t, st, "lib/modules/modules.order", "")

	m := &stubMount{}
	if err := installUnifiedKernel(context.Background(), st, "", m.mount); err != nil {
		t.Fatalf("installUnifiedKernel failed: %v", err)
	}
	if m.mounts != 1 || m.unmounts != 1 {
		t.Errorf("expected one balanced remount, got %d mounts %d unmounts", m.mounts, m.unmounts)
	}

	calls := runner.CallsFor("systemd-nspawn")
	if len(calls) != 1 {
		t.Fatalf("expected one kernel build, got %d", len(calls))
	}
	argv := calls[0].Argv
	if !hasArg(argv, "--setenv=IMAGE_ID=demo") {
		t.Errorf("expected the image ID exported, got %q", argv)
	}
	tail := argv[len(argv)-5:]
	want := []string{kernelInstallHook, "add", kver, "/efi/" + b.MachineID + "/" + kver, ""}
	if !reflect.DeepEqual(tail, want) {
		t.Errorf("expected %q, got %q", want, tail)
	}
}

func TestInstallUnifiedKernelXBootLdrPrefix(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
		cfg.Partitions.XBootLdr = "128M"
	})
	st, runner := testStage(t, b)
	const kver = "6.8.7-300.x86_64"
	writeTreeFile(t, st, "lib/modules/"+kver+"/modules.dep", "")

	m := &stubMount{}
	if err := installUnifiedKernel(context.Background(), st, "", m.mount); err != nil {
		t.Fatalf("installUnifiedKernel failed: %v", err)
	}
	calls := runner.CallsFor("systemd-nspawn")
	if len(calls) != 1 {
		t.Fatalf("expected one kernel build, got %d", len(calls))
	}
	argv := calls[0].Argv
	if got, want := argv[len(argv)-2], "/boot/"+b.MachineID+"/"+kver; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestInstallUnifiedKernelUsrHash(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
		cfg.Output.UsrOnly = true
	})
	st, runner := testStage(t, b)
	const kver = "6.8.7-300.x86_64"
	writeTreeFile(t, st, "lib/modules/"+kver+"/modules.dep", "")

	m := &stubMount{}
	if err := installUnifiedKernel(context.Background(), st, "deadbeef", m.mount); err != nil {
		t.Fatalf("installUnifiedKernel failed: %v", err)
	}
	calls := runner.CallsFor("systemd-nspawn")
	if len(calls) != 1 {
		t.Fatalf("expected one kernel build, got %d", len(calls))
	}
	if !hasArg(calls[0].Argv, "--setenv=USRHASH=deadbeef") {
		t.Errorf("expected the usr hash exported, got %q", calls[0].Argv)
	}
}

func TestInstallUnifiedKernelSkips(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
	})
	st, _ := testStage(t, b)
	st.BuildPass = true

	m := &stubMount{}
	if err := installUnifiedKernel(context.Background(), st, "", m.mount); err != nil {
		t.Fatalf("installUnifiedKernel failed: %v", err)
	}
	if m.mounts != 0 {
		t.Errorf("expected no remount during the development pass, got %d", m.mounts)
	}

	b2 := testBuild(t, nil)
	st2, _ := testStage(t, b2)
	if err := installUnifiedKernel(context.Background(), st2, "", m.mount); err != nil {
		t.Fatalf("installUnifiedKernel failed: %v", err)
	}
	if m.mounts != 0 {
		t.Errorf("expected no remount without a bootable image, got %d", m.mounts)
	}
}

func TestSecureBootSign(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
		cfg.Validation.SecureBoot = true
		cfg.Validation.SecureBootKey = "sb.key"
		cfg.Validation.SecureBootCert = "sb.crt"
	})
	st, runner := testStage(t, b)
	efi := writeTreeFile(t, st, "efi/EFI/Linux/linux.efi", "unsigned")
	writeTreeFile(t, st, "efi/loader/loader.conf", "timeout 0\n")
	runner.Handle("sbsign", func(call testutil.Call) ([]byte, error) {
		return nil, os.WriteFile(call.Argv[6], []byte("signed"), 0o644)
	})

	m := &stubMount{}
	if err := secureBootSign(context.Background(), st, m.mount); err != nil {
		t.Fatalf("secureBootSign failed: %v", err)
	}
	if m.mounts != 1 || m.unmounts != 1 {
		t.Errorf("expected one balanced remount, got %d mounts %d unmounts", m.mounts, m.unmounts)
	}

	want := []string{
		"sbsign --key " + b.Validation.SecureBootKey +
			" --cert " + b.Validation.SecureBootCert +
			" --output " + efi + ".signed " + efi,
	}
	if got := runner.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}

	data, err := os.ReadFile(efi)
	if err != nil {
		t.Fatalf("reading EFI binary: %v", err)
	}
	if string(data) != "signed" {
		t.Errorf("expected the signed binary in place, got %q", data)
	}
	if _, err := os.Stat(efi + ".signed"); !os.IsNotExist(err) {
		t.Errorf("expected the staging name gone, got %v", err)
	}
}

func TestSecureBootSignGates(t *testing.T) {
	mutate := func(verity bool) func(*config.Config) {
		return func(cfg *config.Config) {
			cfg.Output.Format = config.FormatGPTExt4
			cfg.Output.Bootable = true
			cfg.Output.Verity = verity
			cfg.Validation.SecureBoot = true
			cfg.Validation.SecureBootKey = "sb.key"
			cfg.Validation.SecureBootCert = "sb.crt"
		}
	}

	// With verity the binaries change on the final pass, so the cache
	// pass skips signing.
	b := testBuild(t, mutate(true))
	st, _ := testStage(t, b)
	st.ForCache = true
	m := &stubMount{}
	if err := secureBootSign(context.Background(), st, m.mount); err != nil {
		t.Fatalf("secureBootSign failed: %v", err)
	}
	if m.mounts != 0 {
		t.Errorf("expected no signing during the cache pass with verity, got %d mounts", m.mounts)
	}

	// Without verity a cached tree was already signed by the cache pass.
	b = testBuild(t, mutate(false))
	st, _ = testStage(t, b)
	st.Cached = true
	if err := secureBootSign(context.Background(), st, m.mount); err != nil {
		t.Fatalf("secureBootSign failed: %v", err)
	}
	if m.mounts != 0 {
		t.Errorf("expected no re-signing of a cached tree, got %d mounts", m.mounts)
	}
}

func TestExtractUnifiedKernel(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
		cfg.Output.SplitArtifacts = true
	})
	st, _ := testStage(t, b)
	writeTreeFile(t, st, "efi/EFI/Linux/linux-6.8.7.efi", "kernel image")

	m := &stubMount{}
	staged, err := extractUnifiedKernel(context.Background(), st, m.mount)
	if err != nil {
		t.Fatalf("extractUnifiedKernel failed: %v", err)
	}
	if m.mounts != 1 || m.unmounts != 1 {
		t.Errorf("expected one balanced remount, got %d mounts %d unmounts", m.mounts, m.unmounts)
	}
	if filepath.Dir(staged) != filepath.Dir(b.SplitKernelPath) {
		t.Errorf("expected the kernel staged next to %s, got %s", b.SplitKernelPath, staged)
	}
	data, err := os.ReadFile(staged)
	if err != nil {
		t.Fatalf("reading staged kernel: %v", err)
	}
	if string(data) != "kernel image" {
		t.Errorf("expected the kernel copied, got %q", data)
	}
}

func TestExtractUnifiedKernelErrors(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
		cfg.Output.SplitArtifacts = true
	})
	st, _ := testStage(t, b)
	if err := os.MkdirAll(filepath.Join(st.Root, "efi/EFI/Linux"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	m := &stubMount{}
	_, err := extractUnifiedKernel(context.Background(), st, m.mount)
	if err == nil || !strings.Contains(err.Error(), "no kernel found") {
		t.Fatalf("expected a missing kernel error, got %v", err)
	}

	writeTreeFile(t, st, "efi/EFI/Linux/a.efi", "a")
	writeTreeFile(t, st, "efi/EFI/Linux/b.efi", "b")
	_, err = extractUnifiedKernel(context.Background(), st, m.mount)
	if err == nil || !strings.Contains(err.Error(), "multiple kernels found") {
		t.Fatalf("expected an ambiguity error, got %v", err)
	}
}

func TestGrubTool(t *testing.T) {
	cases := []struct {
		distribution config.Distribution
		want         string
	}{
		{config.Fedora, "grub2"},
		{config.CentOS, "grub2"},
		{config.Debian, "grub"},
		{config.Ubuntu, "grub"},
		{config.Arch, "grub"},
	}
	for _, tc := range cases {
		if got := grubTool(tc.distribution); got != tc.want {
			t.Errorf("expected %s for %s, got %s", tc.want, tc.distribution, got)
		}
	}
}

func TestWriteGrubDefaults(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
		cfg.Output.BootProtocols = []string{"bios"}
	})
	st, _ := testStage(t, b)
	cmdline := `GRUB_CMDLINE_LINUX="rhgb selinux=0 audit=0 rw"`

	// No file yet: created from scratch.
	if err := writeGrubDefaults(st); err != nil {
		t.Fatalf("writeGrubDefaults failed: %v", err)
	}
	path := filepath.Join(st.Root, "etc/default/grub")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading grub defaults: %v", err)
	}
	if got, want := string(data), cmdline+"\n"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	// Existing line: replaced in place.
	if err := os.WriteFile(path, []byte("GRUB_TIMEOUT=5\nGRUB_CMDLINE_LINUX=\"quiet\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := writeGrubDefaults(st); err != nil {
		t.Fatalf("writeGrubDefaults failed: %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading grub defaults: %v", err)
	}
	if got, want := string(data), "GRUB_TIMEOUT=5\n"+cmdline+"\n"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	// No matching line: appended.
	if err := os.WriteFile(path, []byte("GRUB_TIMEOUT=5\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := writeGrubDefaults(st); err != nil {
		t.Fatalf("writeGrubDefaults failed: %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading grub defaults: %v", err)
	}
	if got, want := string(data), "GRUB_TIMEOUT=5\n"+cmdline+"\n"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestInstallBootLoaderESP(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
	})
	st, runner := testStage(t, b)

	if err := installBootLoader(context.Background(), st); err != nil {
		t.Fatalf("installBootLoader failed: %v", err)
	}
	calls := runner.CallsFor("systemd-nspawn")
	if len(calls) != 1 {
		t.Fatalf("expected one container run, got %d", len(calls))
	}
	argv := calls[0].Argv
	tail := argv[len(argv)-2:]
	if want := []string{"bootctl", "install"}; !reflect.DeepEqual(tail, want) {
		t.Errorf("expected %q, got %q", want, tail)
	}
}

func TestInstallBootLoaderGrub(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
		cfg.Output.BootProtocols = []string{"uefi", "bios"}
	})
	st, runner := testStage(t, b)
	device := attachStageLoop(t, st, runner)

	if err := installBootLoader(context.Background(), st); err != nil {
		t.Fatalf("installBootLoader failed: %v", err)
	}

	calls := runner.CallsFor("systemd-nspawn")
	if len(calls) != 3 {
		t.Fatalf("expected bootctl, grub2-install and grub2-mkconfig, got %d runs", len(calls))
	}
	install := calls[1].Argv
	if got, want := install[len(install)-4:], []string{
		"grub2-install", "--modules=ext2 part_gpt", "--target=i386-pc", device,
	}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}
	if !hasArg(install, "--bind-ro="+device) {
		t.Errorf("expected the loop device exposed, got %q", install)
	}
	mkconfig := calls[2].Argv
	if got, want := mkconfig[len(mkconfig)-2:], []string{
		"grub2-mkconfig", "--output=/boot/grub2/grub.cfg",
	}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}

	if _, err := os.Stat(filepath.Join(st.Root, "etc/default/grub")); err != nil {
		t.Errorf("expected grub defaults written: %v", err)
	}
}

func TestInstallBootLoaderSkips(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Output.Format = config.FormatGPTExt4
		cfg.Output.Bootable = true
	})
	st, runner := testStage(t, b)

	st.Cached = true
	if err := installBootLoader(context.Background(), st); err != nil {
		t.Fatalf("installBootLoader failed: %v", err)
	}
	st.Cached = false
	st.BuildPass = true
	if err := installBootLoader(context.Background(), st); err != nil {
		t.Fatalf("installBootLoader failed: %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("expected no calls, got:\n%s", strings.Join(runner.Lines(), "\n"))
	}
}
