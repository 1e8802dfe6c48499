// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Output.Format != FormatGPTExt4 {
		t.Errorf("expected format=gpt_ext4, got %s", cfg.Output.Format)
	}
	if len(cfg.Output.KernelCommandLine) == 0 {
		t.Error("expected a default kernel command line")
	}
	if !cfg.Packages.WithDocs {
		t.Error("expected with_docs=true by default")
	}
	if cfg.Packages.CleanMetadata != "auto" {
		t.Errorf("expected clean_metadata=auto, got %s", cfg.Packages.CleanMetadata)
	}
	if !cfg.UnifiedKernel() {
		t.Error("expected unified kernel images by default")
	}
	if len(cfg.Output.ManifestFormats) != 1 || cfg.Output.ManifestFormats[0] != "json" {
		t.Errorf("expected manifest_formats=[json], got %v", cfg.Output.ManifestFormats)
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "osmith.yaml")

	configContent := `
distribution:
  name: fedora
  release: "39"
output:
  format: gpt_btrfs
  bootable: true
  encrypt: data
partitions:
  swap: 512M
packages:
  install: [systemd, kernel]
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.Distribution.Name != Fedora {
		t.Errorf("expected distribution=fedora, got %s", cfg.Distribution.Name)
	}
	if cfg.Distribution.Release != "39" {
		t.Errorf("expected release=39, got %s", cfg.Distribution.Release)
	}
	if cfg.Output.Format != FormatGPTBtrfs {
		t.Errorf("expected format=gpt_btrfs, got %s", cfg.Output.Format)
	}
	if !cfg.Output.Bootable {
		t.Error("expected bootable=true")
	}
	if cfg.Output.Encrypt != EncryptData {
		t.Errorf("expected encrypt=data, got %s", cfg.Output.Encrypt)
	}
	if cfg.Partitions.Swap != "512M" {
		t.Errorf("expected swap=512M, got %s", cfg.Partitions.Swap)
	}
	if len(cfg.Packages.Install) != 2 || cfg.Packages.Install[0] != "systemd" {
		t.Errorf("expected install=[systemd kernel], got %v", cfg.Packages.Install)
	}

	// Unset fields keep their defaults.
	if !cfg.Packages.WithDocs {
		t.Error("expected with_docs default to survive merging")
	}
}

func TestLoadFile_DropIns(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "osmith.yaml")
	dropinDir := configPath + ".d"
	if err := os.Mkdir(dropinDir, 0o755); err != nil {
		t.Fatalf("failed to create drop-in dir: %v", err)
	}

	base := `
distribution:
  name: debian
  release: bookworm
packages:
  install: [systemd]
`
	first := `
distribution:
  release: trixie
`
	second := `
packages:
  install: [systemd, openssh-server]
`
	if err := os.WriteFile(configPath, []byte(base), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dropinDir, "10-release.yaml"), []byte(first), 0o644); err != nil {
		t.Fatalf("failed to write drop-in: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dropinDir, "20-packages.yaml"), []byte(second), 0o644); err != nil {
		t.Fatalf("failed to write drop-in: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.Distribution.Name != Debian {
		t.Errorf("expected distribution=debian, got %s", cfg.Distribution.Name)
	}
	if cfg.Distribution.Release != "trixie" {
		t.Errorf("expected drop-in to override release, got %s", cfg.Distribution.Release)
	}
	// List fields replace, they do not append.
	if len(cfg.Packages.Install) != 2 || cfg.Packages.Install[1] != "openssh-server" {
		t.Errorf("expected install list replaced by drop-in, got %v", cfg.Packages.Install)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestExpandVariables(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "osmith.yaml")

	configContent := `
output:
  dir: ${OSMITH_TEST_OUT:-/fallback/out}
build:
  cache_dir: ${OSMITH_TEST_CACHE}/cache
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("OSMITH_TEST_CACHE", "/srv/ci")
	os.Unsetenv("OSMITH_TEST_OUT")

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.Output.Dir != "/fallback/out" {
		t.Errorf("expected default expansion /fallback/out, got %s", cfg.Output.Dir)
	}
	if cfg.Build.CacheDir != "/srv/ci/cache" {
		t.Errorf("expected env expansion /srv/ci/cache, got %s", cfg.Build.CacheDir)
	}
}

func TestFormatPredicates(t *testing.T) {
	if !FormatGPTExt4.IsDisk() || FormatTar.IsDisk() {
		t.Error("IsDisk misclassifies formats")
	}
	if !FormatGPTSquashfs.IsSquashfs() || FormatGPTExt4.IsSquashfs() {
		t.Error("IsSquashfs misclassifies formats")
	}
	if !FormatGPTBtrfs.CanMinimize() || FormatGPTXFS.CanMinimize() {
		t.Error("CanMinimize misclassifies formats")
	}
}
