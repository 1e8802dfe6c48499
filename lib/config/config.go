// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for osmith builds.
//
// Configuration is loaded from a single YAML file specified by:
//   - OSMITH_CONFIG environment variable, or
//   - --config flag passed to the command, or
//   - osmith.yaml in the current directory, when present.
//
// A sibling drop-in directory (<file>.d/) is merged over the base file
// in lexical order, so a project can keep a checked-in osmith.yaml and
// layer machine-local overrides next to it. List fields replace, they
// do not append.
//
// Loading produces the literal configuration only. All derivation
// (partition numbering, output naming, default files picked up from
// the source directory) happens in Finalize, which returns the
// complete build plan.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/osmith-project/osmith/lib/gpt"
)

// Distribution identifies the package ecosystem installed into images.
type Distribution string

const (
	Fedora   Distribution = "fedora"
	CentOS   Distribution = "centos"
	Debian   Distribution = "debian"
	Ubuntu   Distribution = "ubuntu"
	Arch     Distribution = "arch"
	OpenSUSE Distribution = "opensuse"
)

// KnownDistributions lists every distribution osmith can install, in
// the order used by help output and error messages.
var KnownDistributions = []Distribution{Fedora, CentOS, Debian, Ubuntu, Arch, OpenSUSE}

// Format is the image output format.
type Format string

const (
	FormatGPTExt4     Format = "gpt_ext4"
	FormatGPTXFS      Format = "gpt_xfs"
	FormatGPTBtrfs    Format = "gpt_btrfs"
	FormatGPTSquashfs Format = "gpt_squashfs"
	FormatTar         Format = "tar"
	FormatCPIO        Format = "cpio"
	FormatDirectory   Format = "directory"
)

var knownFormats = []Format{
	FormatGPTExt4, FormatGPTXFS, FormatGPTBtrfs, FormatGPTSquashfs,
	FormatTar, FormatCPIO, FormatDirectory,
}

// IsDisk reports whether the format produces a partitioned disk image.
func (f Format) IsDisk() bool {
	switch f {
	case FormatGPTExt4, FormatGPTXFS, FormatGPTBtrfs, FormatGPTSquashfs:
		return true
	}
	return false
}

// IsSquashfs reports whether the root filesystem is squashfs.
func (f Format) IsSquashfs() bool {
	return f == FormatGPTSquashfs
}

// IsDiskRW reports whether the format is a disk image populated in
// place. Squashfs disks assemble their root from a tree built outside
// the image, so incremental caching snapshots the tree instead.
func (f Format) IsDiskRW() bool {
	return f.IsDisk() && !f.IsSquashfs()
}

// IsBtrfs reports whether the root filesystem is btrfs.
func (f Format) IsBtrfs() bool {
	return f == FormatGPTBtrfs
}

// CanMinimize reports whether the root filesystem supports being
// shrunk to content size after population.
func (f Format) CanMinimize() bool {
	return f == FormatGPTExt4 || f == FormatGPTBtrfs
}

// Encryption scopes. "all" encrypts every partition including the
// root; "data" encrypts only home, srv, var and tmp.
const (
	EncryptAll  = "all"
	EncryptData = "data"
)

// Compression algorithm names accepted by the compress knobs. "none"
// explicitly disables a compression another setting would default on.
const (
	CompressXZ   = "xz"
	CompressZstd = "zstd"
	CompressLZ4  = "lz4"
	CompressOff  = "none"
)

var knownCompressions = []string{CompressXZ, CompressZstd, CompressLZ4, CompressOff}

// Config is the literal build configuration, as decoded from YAML.
type Config struct {
	// Distribution selects and parameterizes the package source.
	Distribution DistributionConfig `yaml:"distribution"`

	// Output controls the image format and everything written next to it.
	Output OutputConfig `yaml:"output"`

	// Partitions sets explicit partition sizes.
	Partitions PartitionsConfig `yaml:"partitions"`

	// Packages selects image content.
	Packages PackagesConfig `yaml:"packages"`

	// Build configures the development build pass and its scripts.
	Build BuildConfig `yaml:"build"`

	// Validation configures checksums, signing and credentials baked
	// into the image.
	Validation ValidationConfig `yaml:"validation"`

	// Host configures how the built image talks to the build host.
	Host HostConfig `yaml:"host"`

	// Debug switches are explicit fields so they thread through the
	// pipeline like any other setting.
	Debug DebugConfig `yaml:"debug"`
}

// DistributionConfig selects the package source.
type DistributionConfig struct {
	Name    Distribution `yaml:"name"`
	Release string       `yaml:"release"`

	// Mirror overrides the distribution's default package mirror.
	Mirror string `yaml:"mirror"`

	// Repositories enables extra repositories, in the distribution's
	// own vocabulary (repo names for dnf, components for apt).
	Repositories []string `yaml:"repositories"`

	// Architecture is the target CPU architecture in uname -m
	// vocabulary. Defaults to the build host's.
	Architecture gpt.Architecture `yaml:"architecture"`
}

// OlderThanCentOS8 reports whether this is a CentOS release before 8.
// Repository layout and filesystem feature support changed between 7
// and 8.
func (d DistributionConfig) OlderThanCentOS8() bool {
	if d.Name != CentOS {
		return false
	}
	major, err := strconv.Atoi(strings.SplitN(d.Release, ".", 2)[0])
	return err == nil && major <= 7
}

// OutputConfig controls the image format and naming.
type OutputConfig struct {
	Format Format `yaml:"format"`

	// Path is the output file (or directory) name. Derived from the
	// image ID and version when empty.
	Path string `yaml:"path"`

	// Dir is prepended to relative output names.
	Dir string `yaml:"dir"`

	ImageID      string `yaml:"image_id"`
	ImageVersion string `yaml:"image_version"`

	Hostname string `yaml:"hostname"`

	// MachineID pins /etc/machine-id; a random one is generated when
	// empty.
	MachineID string `yaml:"machine_id"`

	Bootable bool `yaml:"bootable"`

	// BootProtocols lists firmware interfaces to support: uefi, bios.
	// Defaults to uefi for bootable images.
	BootProtocols []string `yaml:"boot_protocols"`

	// KernelCommandLine replaces the default kernel command line.
	KernelCommandLine []string `yaml:"kernel_command_line"`

	ReadOnly bool `yaml:"read_only"`

	// Minimize shrinks the root filesystem to its content size. The
	// root is then generated from the populated tree and inserted
	// into the table after the fact.
	Minimize bool `yaml:"minimize"`

	// UsrOnly populates and ships only /usr instead of the whole root.
	UsrOnly bool `yaml:"usr_only"`

	Verity bool `yaml:"verity"`

	// Encrypt enables LUKS: "all" or "data".
	Encrypt string `yaml:"encrypt"`

	// Compress is the catch-all compression knob: it applies to the
	// filesystem for squashfs formats and to the output otherwise.
	// CompressFS and CompressOutput override it individually.
	Compress       string `yaml:"compress"`
	CompressFS     string `yaml:"compress_fs"`
	CompressOutput string `yaml:"compress_output"`

	QCow2 bool `yaml:"qcow2"`

	SplitArtifacts bool `yaml:"split_artifacts"`

	// ManifestFormats selects the package manifests written next to
	// the output: "json" for <output>.manifest, "changelog" for a
	// name/version report in <output>.packages.
	ManifestFormats []string `yaml:"manifest_formats"`

	// GPTFirstLBA pins the first usable LBA of the partition table.
	GPTFirstLBA *int64 `yaml:"gpt_first_lba"`

	// UnifiedKernelImages builds dracut unified kernel images for
	// UEFI boot. On by default; verity images require them.
	UnifiedKernelImages *bool `yaml:"unified_kernel_images"`

	// Force is how many times --force was given: once replaces the
	// output, twice also discards cached trees. Set from the command
	// line, never from YAML.
	Force int `yaml:"-"`
}

// PartitionsConfig sets partition sizes as humanized byte counts
// ("512M", "3GiB"). Single-letter suffixes are binary. Empty means the
// partition is not created, except for the root partition which
// defaults to 3G.
type PartitionsConfig struct {
	Root     string `yaml:"root"`
	ESP      string `yaml:"esp"`
	XBootLdr string `yaml:"xbootldr"`
	Swap     string `yaml:"swap"`
	Home     string `yaml:"home"`
	Srv      string `yaml:"srv"`
	Var      string `yaml:"var"`
	Tmp      string `yaml:"tmp"`
}

// PackagesConfig selects image content.
type PackagesConfig struct {
	// Install lists packages for the final image.
	Install []string `yaml:"install"`

	// BuildInstall lists extra packages for the development image the
	// build script runs in.
	BuildInstall []string `yaml:"build_install"`

	WithDocs  bool `yaml:"with_docs"`
	WithTests bool `yaml:"with_tests"`

	// CleanMetadata removes package manager metadata from the final
	// image: "true", "false", or "auto" (remove only when the package
	// manager itself is not installed).
	CleanMetadata string `yaml:"clean_metadata"`

	// RemoveFiles are glob patterns deleted from the final image root.
	RemoveFiles []string `yaml:"remove_files"`

	// SkeletonTrees are copied into the root before package
	// installation; ExtraTrees after.
	SkeletonTrees []string `yaml:"skeleton_trees"`
	ExtraTrees    []string `yaml:"extra_trees"`
}

// BuildConfig configures the development pass.
type BuildConfig struct {
	// Script is run inside the development image; what it installs
	// into $DESTDIR becomes part of the final image.
	Script string `yaml:"script"`

	// Sources is the directory mounted into the development image as
	// the build's source tree. Defaults to the current directory.
	Sources string `yaml:"sources"`

	// Dir persists compiler state between runs (mounted as $BUILDDIR).
	Dir string `yaml:"dir"`

	// InstallDir receives the build script's installed artifacts. A
	// directory under the workspace is used when empty.
	InstallDir string `yaml:"install_dir"`

	Prepare     string `yaml:"prepare"`
	PostInstall string `yaml:"post_install"`
	Finalize    string `yaml:"finalize"`

	// Environment entries are passed into scripts. "NAME=value" sets,
	// bare "NAME" forwards the build host's value.
	Environment []string `yaml:"environment"`

	WithNetwork    bool `yaml:"with_network"`
	SkipFinalPhase bool `yaml:"skip_final_phase"`
	Incremental    bool `yaml:"incremental"`

	// NSpawnSettings is a .nspawn file shipped next to the output.
	NSpawnSettings string `yaml:"nspawn_settings"`

	// Mksquashfs overrides the mksquashfs tool, as a shell-style
	// command prefix.
	Mksquashfs string `yaml:"mksquashfs_tool"`

	WorkspaceDir string `yaml:"workspace_dir"`
	CacheDir     string `yaml:"cache_dir"`
}

// ValidationConfig configures artifact validation and baked-in
// credentials.
type ValidationConfig struct {
	Checksum bool   `yaml:"checksum"`
	Sign     bool   `yaml:"sign"`
	Key      string `yaml:"key"`
	BMap     bool   `yaml:"bmap"`

	// Password is the root password to bake in. An explicitly empty
	// password deletes the root password so console login just works;
	// leaving the setting out keeps the account as the distribution
	// shipped it.
	Password       *string `yaml:"password"`
	PasswordHashed bool    `yaml:"password_hashed"`
	Autologin      bool    `yaml:"autologin"`

	SecureBoot     bool   `yaml:"secure_boot"`
	SecureBootKey  string `yaml:"secure_boot_key"`
	SecureBootCert string `yaml:"secure_boot_certificate"`

	// PassphraseFile holds the LUKS passphrase. When empty and
	// encryption is on, the passphrase is prompted for.
	PassphraseFile string `yaml:"passphrase_file"`
}

// HostConfig configures build-host integration.
type HostConfig struct {
	// NetworkVeth adds a virtual ethernet link between host and image.
	NetworkVeth bool `yaml:"network_veth"`

	SSH        bool   `yaml:"ssh"`
	SSHKey     string `yaml:"ssh_key"`
	SSHTimeout int    `yaml:"ssh_timeout"`
}

// DebugConfig holds debug switches.
type DebugConfig struct {
	// Commands logs every external command at Info instead of Debug.
	Commands bool `yaml:"commands"`

	// BuildScript exports $DEBUG into build scripts.
	BuildScript bool `yaml:"build_script"`
}

// DefaultPath is the configuration file picked up from the current
// directory when neither OSMITH_CONFIG nor --config is given.
const DefaultPath = "osmith.yaml"

// Default returns the built-in configuration.
func Default() *Config {
	unified := true
	return &Config{
		Output: OutputConfig{
			Format: FormatGPTExt4,
			// What stock distribution kernels expect; "rw" is appended
			// later unless the image is read-only.
			KernelCommandLine:   []string{"rhgb", "selinux=0", "audit=0"},
			UnifiedKernelImages: &unified,
			ManifestFormats:     []string{"json"},
		},
		Packages: PackagesConfig{
			WithDocs:      true,
			CleanMetadata: "auto",
		},
	}
}

// Load loads configuration from OSMITH_CONFIG, falling back to
// osmith.yaml in the current directory, falling back to built-in
// defaults.
func Load() (*Config, error) {
	if path := os.Getenv("OSMITH_CONFIG"); path != "" {
		return LoadFile(path)
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return LoadFile(DefaultPath)
	}
	cfg := Default()
	cfg.expandVariables()
	return cfg, nil
}

// LoadFile loads configuration from a specific file path, merging any
// <path>.d/*.yaml drop-ins over it in lexical order.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	dropins, err := filepath.Glob(filepath.Join(path+".d", "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(dropins)
	for _, dropin := range dropins {
		if err := cfg.loadFile(dropin); err != nil {
			return nil, fmt.Errorf("loading drop-in %s: %w", dropin, err)
		}
	}

	cfg.expandVariables()
	return cfg, nil
}

// loadFile merges a single configuration file into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields for portability.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	for _, field := range []*string{
		&c.Output.Path,
		&c.Output.Dir,
		&c.Build.Script,
		&c.Build.Sources,
		&c.Build.Dir,
		&c.Build.InstallDir,
		&c.Build.Prepare,
		&c.Build.PostInstall,
		&c.Build.Finalize,
		&c.Build.NSpawnSettings,
		&c.Build.WorkspaceDir,
		&c.Build.CacheDir,
		&c.Validation.Key,
		&c.Validation.SecureBootKey,
		&c.Validation.SecureBootCert,
		&c.Validation.PassphraseFile,
		&c.Host.SSHKey,
	} {
		*field = expandVars(*field, vars)
	}
	for i := range c.Packages.SkeletonTrees {
		c.Packages.SkeletonTrees[i] = expandVars(c.Packages.SkeletonTrees[i], vars)
	}
	for i := range c.Packages.ExtraTrees {
		c.Packages.ExtraTrees[i] = expandVars(c.Packages.ExtraTrees[i], vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// UnifiedKernel reports whether unified kernel images are enabled.
func (c *Config) UnifiedKernel() bool {
	return c.Output.UnifiedKernelImages == nil || *c.Output.UnifiedKernelImages
}

// GeneratedRoot reports whether the root filesystem is generated from
// a populated tree and inserted into the table after the fact, rather
// than created up front. Required for squashfs, minimized and
// /usr-only images.
func (c *Config) GeneratedRoot() bool {
	return c.Output.Minimize || c.Output.Format.IsSquashfs() || c.Output.UsrOnly
}
