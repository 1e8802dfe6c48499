// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/shlex"
	"github.com/google/uuid"

	"github.com/osmith-project/osmith/lib/gpt"
)

// Build is the complete build plan: the literal configuration plus
// everything derived from it. All paths are absolute, all sizes are
// bytes, and every auxiliary artifact the build will produce has its
// path decided here, before any work starts.
type Build struct {
	Config

	// Partition sizes in bytes. Zero means the partition is absent.
	RootSize     int64
	ESPSize      int64
	XBootLdrSize int64
	SwapSize     int64
	HomeSize     int64
	SrvSize      int64
	VarSize      int64
	TmpSize      int64

	// Layout assigns partition numbers in fixed role order.
	Layout Layout

	// RootTypes holds the architecture's root and verity GPT types.
	// Only set for disk formats.
	RootTypes gpt.RootTypePair

	// OutputPath is the absolute primary output. CachePreDev and
	// CachePreInst name the incremental cache artifacts for the
	// development and final passes.
	OutputPath   string
	CachePreDev  string
	CachePreInst string

	// Resolved compression algorithms. CompressOutput is empty when
	// off; CompressFS keeps an explicit "none" distinct from unset,
	// since squashfs treats them differently.
	CompressFS     string
	CompressOutput string

	// MksquashfsTool is the split mksquashfs_tool override, nil when
	// the stock tool is used.
	MksquashfsTool []string

	// KernelCommandLine is the final command line, including the
	// entries derived from read-only and /usr-only settings.
	KernelCommandLine []string

	// MachineID is the 32-hex machine ID used during build-time runs.
	MachineID string

	// Auxiliary artifact paths; empty when the artifact is not
	// produced.
	RootHashPath     string
	ChecksumPath     string
	SignaturePath    string
	BMapPath         string
	NSpawnOutputPath string
	SplitRootPath    string
	SplitVerityPath  string
	SplitKernelPath  string

	// SSHKeyPath is where a generated SSH key pair lands. Empty when
	// the user supplied their own key via host.ssh_key.
	SSHKeyPath string

	// PassphrasePrompt is set when encryption is enabled but no
	// passphrase file exists; the command layer prompts before the
	// build starts.
	PassphrasePrompt bool

	// Environment is build.environment with bare NAME entries resolved
	// against the build host.
	Environment []string
}

// BIOSPartitionSize is the fixed size of the BIOS boot partition.
const BIOSPartitionSize = 1024 * 1024

// Finalize derives the complete build plan from the configuration:
// default files picked up from the current directory, distribution
// defaults, parsed sizes, partition numbering, and output naming.
// Validation failures are collected and returned as one error.
func (c *Config) Finalize(logger *slog.Logger) (*Build, error) {
	b := &Build{Config: *c}

	if err := b.findDefaultFiles(logger); err != nil {
		return nil, err
	}
	b.applyDistributionDefaults()

	if err := b.resolveSizes(); err != nil {
		return nil, err
	}

	// Squashfs roots are read-only by nature and sized by content.
	if b.Output.Format.IsSquashfs() {
		b.Output.ReadOnly = true
		b.RootSize = 0
	}
	if b.Output.Verity {
		b.Output.ReadOnly = true
	}
	if b.Validation.Sign {
		b.Validation.Checksum = true
	}
	if !b.Output.Format.IsDisk() {
		b.Output.SplitArtifacts = false
	}

	if err := b.validate(); err != nil {
		return nil, err
	}

	if b.Build.Mksquashfs != "" {
		argv, err := shlex.Split(b.Build.Mksquashfs)
		if err != nil {
			return nil, fmt.Errorf("parsing mksquashfs_tool: %w", err)
		}
		b.MksquashfsTool = argv
	}

	if b.Output.Format.IsDisk() {
		types, err := gpt.RootType(b.Distribution.Architecture, b.Output.UsrOnly)
		if err != nil {
			return nil, err
		}
		b.RootTypes = types
	}

	b.resolveCompression()
	if err := b.deriveOutputPaths(); err != nil {
		return nil, err
	}
	b.deriveKernelCommandLine()
	b.resolveEnvironment()
	b.Layout = b.computeLayout()

	if b.Output.MachineID != "" {
		b.MachineID = b.Output.MachineID
	} else {
		id := uuid.New()
		b.MachineID = hex.EncodeToString(id[:])
	}

	return b, nil
}

// findDefaultFiles picks up the conventional osmith.* files from the
// current directory for every setting the user left empty, the same
// way the scripts and trees would be laid out in a project checkout.
func (b *Build) findDefaultFiles(logger *slog.Logger) error {
	findPath(&b.Build.Script, "osmith.build")
	findPath(&b.Build.Sources, ".")
	findPath(&b.Build.Dir, "osmith.builddir")
	findPath(&b.Build.InstallDir, "osmith.installdir")
	findPath(&b.Build.Prepare, "osmith.prepare")
	findPath(&b.Build.PostInstall, "osmith.postinst")
	findPath(&b.Build.Finalize, "osmith.finalize")
	findPath(&b.Build.NSpawnSettings, "osmith.nspawn")
	findPath(&b.Build.Mksquashfs, "osmith.mksquashfs-tool")
	findPath(&b.Build.WorkspaceDir, "osmith.workspace")
	findPath(&b.Output.Dir, "osmith.output")
	findPath(&b.Validation.SecureBootKey, "osmith.secure-boot.key")
	findPath(&b.Validation.SecureBootCert, "osmith.secure-boot.crt")

	if len(b.Packages.ExtraTrees) == 0 {
		findTrees(&b.Packages.ExtraTrees, "osmith.extra")
	}
	if len(b.Packages.SkeletonTrees) == 0 {
		findTrees(&b.Packages.SkeletonTrees, "osmith.skeleton")
	}

	if b.Output.ImageVersion == "" {
		if data, err := os.ReadFile("osmith.version"); err == nil {
			b.Output.ImageVersion = strings.TrimSpace(string(data))
		}
	}

	if b.Validation.Password == nil {
		if data, err := os.ReadFile("osmith.rootpw"); err == nil {
			warnIfWorldReadable(logger, "osmith.rootpw", "root password")
			pw := strings.TrimSpace(string(data))
			b.Validation.Password = &pw
		}
	}

	if b.Output.Encrypt != "" && b.Validation.PassphraseFile == "" {
		if _, err := os.Stat("osmith.passphrase"); err == nil {
			warnIfWorldReadable(logger, "osmith.passphrase", "passphrase")
			b.Validation.PassphraseFile = "osmith.passphrase"
		} else {
			b.PassphrasePrompt = true
		}
	}

	if b.Build.CacheDir == "" {
		if _, err := os.Stat("osmith.cache"); err == nil {
			// Per-distribution subdirectories keep one shared cache
			// tree usable across projects targeting different
			// releases.
			name := string(b.Distribution.Name)
			if b.Distribution.Release != "" {
				name += "~" + b.Distribution.Release
			}
			b.Build.CacheDir = filepath.Join("osmith.cache", name)
		}
	}

	return nil
}

// findPath sets *field to path when the field is empty and the path
// exists.
func findPath(field *string, path string) {
	if *field != "" {
		return
	}
	if _, err := os.Stat(path); err == nil {
		*field = path
	}
}

// findTrees appends <base>/ and <base>.tar when present.
func findTrees(trees *[]string, base string) {
	if info, err := os.Stat(base); err == nil && info.IsDir() {
		*trees = append(*trees, base)
	}
	if info, err := os.Stat(base + ".tar"); err == nil && !info.IsDir() {
		*trees = append(*trees, base+".tar")
	}
}

func warnIfWorldReadable(logger *slog.Logger, path, description string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o007 != 0 {
		logger.Warn("credential file permissions are too open",
			"path", path,
			"mode", fmt.Sprintf("%04o", mode),
			"holds", description)
	}
}

// applyDistributionDefaults fills the distribution name, release,
// architecture, mirror and boot protocols the user left unset.
func (b *Build) applyDistributionDefaults() {
	if b.Distribution.Name == "" {
		b.Distribution.Name = detectDistribution()
	}

	if b.Distribution.Release == "" {
		switch b.Distribution.Name {
		case Fedora:
			b.Distribution.Release = "40"
		case CentOS:
			b.Distribution.Release = "9"
		case Debian:
			b.Distribution.Release = "unstable"
		case Ubuntu:
			b.Distribution.Release = "noble"
		case OpenSUSE:
			b.Distribution.Release = "tumbleweed"
		default:
			b.Distribution.Release = "rolling"
		}
	}

	if b.Distribution.Architecture == "" {
		b.Distribution.Architecture = nativeArchitecture()
	}

	if b.Output.Bootable && len(b.Output.BootProtocols) == 0 {
		b.Output.BootProtocols = []string{"uefi"}
	}

	if b.Distribution.Mirror == "" {
		arm := b.Distribution.Architecture == gpt.ArchAArch64 || b.Distribution.Architecture == gpt.ArchARMv7
		switch {
		case b.Distribution.Name == Debian:
			b.Distribution.Mirror = "http://deb.debian.org/debian"
		case b.Distribution.Name == Ubuntu && arm:
			b.Distribution.Mirror = "http://ports.ubuntu.com/"
		case b.Distribution.Name == Ubuntu:
			b.Distribution.Mirror = "http://archive.ubuntu.com/ubuntu"
		case b.Distribution.Name == Arch && arm:
			b.Distribution.Mirror = "http://mirror.archlinuxarm.org"
		case b.Distribution.Name == Arch:
			b.Distribution.Mirror = "https://geo.mirror.pkgbuild.com"
		case b.Distribution.Name == OpenSUSE:
			b.Distribution.Mirror = "http://download.opensuse.org"
		}
	}
}

// detectDistribution reads the build host's /etc/os-release and maps
// its ID to a known distribution, so running without a configuration
// builds an image of the host's own flavor.
func detectDistribution() Distribution {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		value, ok := strings.CutPrefix(line, "ID=")
		if !ok {
			continue
		}
		id := strings.Trim(value, `"`)
		if strings.HasPrefix(id, "opensuse") {
			return OpenSUSE
		}
		for _, known := range KnownDistributions {
			if id == string(known) {
				return known
			}
		}
	}
	return ""
}

// nativeArchitecture maps the build host's GOARCH to uname -m
// vocabulary.
func nativeArchitecture() gpt.Architecture {
	switch runtime.GOARCH {
	case "amd64":
		return gpt.ArchX86_64
	case "arm64":
		return gpt.ArchAArch64
	case "arm":
		return gpt.ArchARMv7
	case "386":
		return gpt.ArchI686
	}
	return gpt.Architecture(runtime.GOARCH)
}

// resolveSizes parses the configured partition sizes and applies the
// built-in root and ESP defaults.
func (b *Build) resolveSizes() error {
	for _, size := range []struct {
		name  string
		value string
		out   *int64
	}{
		{"root", b.Partitions.Root, &b.RootSize},
		{"esp", b.Partitions.ESP, &b.ESPSize},
		{"xbootldr", b.Partitions.XBootLdr, &b.XBootLdrSize},
		{"swap", b.Partitions.Swap, &b.SwapSize},
		{"home", b.Partitions.Home, &b.HomeSize},
		{"srv", b.Partitions.Srv, &b.SrvSize},
		{"var", b.Partitions.Var, &b.VarSize},
		{"tmp", b.Partitions.Tmp, &b.TmpSize},
	} {
		if size.value == "" {
			continue
		}
		parsed, err := parseSize(size.value)
		if err != nil {
			return fmt.Errorf("partitions.%s: %w", size.name, err)
		}
		*size.out = parsed
	}

	if b.RootSize == 0 {
		b.RootSize = 3 * 1024 * 1024 * 1024
	}
	if b.Output.Bootable && b.ESPSize == 0 {
		b.ESPSize = 256 * 1024 * 1024
	}
	return nil
}

// parseSize parses a humanized byte count. Single-letter suffixes are
// binary, so "3G" means 3GiB the way every partitioning tool expects.
func parseSize(value string) (int64, error) {
	normalized := value
	if n := len(value); n > 1 {
		switch value[n-1] {
		case 'K', 'M', 'G', 'T':
			normalized = value[:n-1] + string(value[n-1]) + "iB"
		}
	}
	parsed, err := humanize.ParseBytes(normalized)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if parsed == 0 {
		return 0, fmt.Errorf("invalid size %q: must be positive", value)
	}
	if parsed%512 != 0 {
		return 0, fmt.Errorf("invalid size %q: not a multiple of 512", value)
	}
	return int64(parsed), nil
}

// resolveCompression turns the three compression knobs into the two
// effective algorithms. The catch-all knob feeds the filesystem for
// squashfs formats and the output for everything else; tar output
// defaults to xz.
func (b *Build) resolveCompression() {
	fs := b.Output.CompressFS
	if fs == "" && b.Output.Format.IsSquashfs() {
		fs = b.Output.Compress
	}
	out := b.Output.CompressOutput
	if out == "" && !b.Output.Format.IsSquashfs() {
		out = b.Output.Compress
	}
	if out == "" && b.Output.Format == FormatTar {
		out = CompressXZ
	}

	// An explicit "none" is preserved for the filesystem: squashfs
	// distinguishes disabled compression from the tool default.
	b.CompressFS = fs
	if out != CompressOff {
		b.CompressOutput = out
	}
}

// compressionSuffix returns the filename suffix for an algorithm, or
// "" when compression is off.
func compressionSuffix(algorithm string) string {
	if algorithm == "" {
		return ""
	}
	return "." + algorithm
}

// knownSuffixes are stripped from the output name before deriving
// auxiliary artifact names.
var knownSuffixes = []string{".xz", ".zstd", ".lz4", ".raw", ".tar", ".cpio", ".qcow2"}

// stripSuffixes removes all known format and compression suffixes.
func stripSuffixes(name string) string {
	for {
		ext := filepath.Ext(name)
		found := false
		for _, known := range knownSuffixes {
			if ext == known {
				name = strings.TrimSuffix(name, ext)
				found = true
				break
			}
		}
		if !found {
			return name
		}
	}
}

// deriveOutputPaths decides the primary output name and every
// auxiliary artifact path.
func (b *Build) deriveOutputPaths() error {
	output := b.Output.Path
	if output == "" {
		prefix := "image"
		if b.Output.ImageID != "" {
			prefix = b.Output.ImageID
		}
		if b.Output.ImageVersion != "" {
			prefix += "_" + b.Output.ImageVersion
		}

		switch {
		case b.Output.Format.IsDisk() && b.Output.QCow2:
			output = prefix + ".qcow2" + compressionSuffix(b.CompressOutput)
		case b.Output.Format.IsDisk():
			output = prefix + ".raw" + compressionSuffix(b.CompressOutput)
		case b.Output.Format == FormatTar:
			output = prefix + ".tar" + compressionSuffix(b.CompressOutput)
		case b.Output.Format == FormatCPIO:
			output = prefix + ".cpio" + compressionSuffix(b.CompressOutput)
		default:
			output = prefix
		}
	}

	if b.Output.Dir != "" && !strings.Contains(output, string(os.PathSeparator)) {
		output = filepath.Join(b.Output.Dir, output)
	}

	abs, err := filepath.Abs(output)
	if err != nil {
		return err
	}
	b.OutputPath = abs

	outputDir := filepath.Dir(abs)

	// Cache names track the image ID when set, so version bumps keep
	// hitting the same cache. Otherwise they track the output name.
	if b.Output.ImageID != "" {
		b.CachePreDev = filepath.Join(outputDir, b.Output.ImageID+".cache-pre-dev")
		b.CachePreInst = filepath.Join(outputDir, b.Output.ImageID+".cache-pre-inst")
	} else {
		b.CachePreDev = abs + ".cache-pre-dev"
		b.CachePreInst = abs + ".cache-pre-inst"
	}

	base := stripSuffixes(abs)
	if b.Output.Verity {
		suffix := ".roothash"
		if b.Output.UsrOnly {
			suffix = ".usrhash"
		}
		b.RootHashPath = base + suffix
	}
	if b.Validation.Checksum {
		b.ChecksumPath = filepath.Join(outputDir, "SHA256SUMS")
	}
	if b.Validation.Sign {
		b.SignaturePath = filepath.Join(outputDir, "SHA256SUMS.gpg")
	}
	if b.Validation.BMap {
		b.BMapPath = base + ".bmap"
	}
	if b.Build.NSpawnSettings != "" {
		b.NSpawnOutputPath = base + ".nspawn"
	}
	if b.Host.SSHKey == "" {
		b.SSHKeyPath = filepath.Join(outputDir, "id_rsa")
	}
	if b.Output.SplitArtifacts {
		rootSuffix := ".root"
		if b.Output.UsrOnly {
			rootSuffix = ".usr"
		}
		b.SplitRootPath = base + rootSuffix + compressionSuffix(b.CompressOutput)
		if b.Output.Verity {
			b.SplitVerityPath = base + ".verity" + compressionSuffix(b.CompressOutput)
		}
		if b.Output.Bootable {
			b.SplitKernelPath = base + ".efi" + compressionSuffix(b.CompressOutput)
		}
	}

	for _, field := range []*string{
		&b.Build.Script, &b.Build.Sources, &b.Build.Dir, &b.Build.InstallDir,
		&b.Build.Prepare, &b.Build.PostInstall, &b.Build.Finalize,
		&b.Build.NSpawnSettings, &b.Build.WorkspaceDir, &b.Build.CacheDir,
		&b.Validation.SecureBootKey, &b.Validation.SecureBootCert,
		&b.Validation.PassphraseFile, &b.Host.SSHKey,
	} {
		if *field == "" {
			continue
		}
		abs, err := filepath.Abs(*field)
		if err != nil {
			return err
		}
		*field = abs
	}
	for i, tree := range b.Packages.SkeletonTrees {
		abs, err := filepath.Abs(tree)
		if err != nil {
			return err
		}
		b.Packages.SkeletonTrees[i] = abs
	}
	for i, tree := range b.Packages.ExtraTrees {
		abs, err := filepath.Abs(tree)
		if err != nil {
			return err
		}
		b.Packages.ExtraTrees[i] = abs
	}

	return nil
}

// deriveKernelCommandLine appends the entries implied by other
// settings to the configured command line.
func (b *Build) deriveKernelCommandLine() {
	cmdline := append([]string(nil), b.Output.KernelCommandLine...)

	// GPT auto-discovery only finds root partitions. A /usr-only image
	// has none, so the partition to mount must be named explicitly.
	// Verity images instead carry the hash in the unified kernel image.
	if b.Output.Bootable && b.Output.UsrOnly && !b.Output.Verity {
		cmdline = append(cmdline,
			"mount.usr=/dev/disk/by-partlabel/"+xescape(b.RootPartitionName(false)))
	}

	if !b.Output.ReadOnly {
		cmdline = append(cmdline, "rw")
	}

	b.KernelCommandLine = cmdline
}

// RootPartitionName returns the GPT name for the root (or /usr)
// partition. With an image ID configured the name identifies the
// content (ID, or ID_version); otherwise it describes the role.
func (b *Build) RootPartitionName(verity bool) string {
	if b.Output.ImageID != "" {
		if b.Output.ImageVersion != "" {
			return b.Output.ImageID + "_" + b.Output.ImageVersion
		}
		return b.Output.ImageID
	}

	prefix := "Root"
	if b.Output.UsrOnly {
		prefix = "System Resources"
	}
	if verity {
		return prefix + " Verity"
	}
	return prefix + " Partition"
}

// MachineName returns the nspawn machine name for a booted image: the
// configured hostname, the image ID, or the output name up to the
// first underscore. Shortened to 13 characters so the ve-/vt- prefixed
// veth interface names stay within the kernel's name limit.
func (b *Build) MachineName() string {
	name := b.Output.Hostname
	if name == "" {
		name = b.Output.ImageID
	}
	if name == "" {
		base := filepath.Base(b.OutputPath)
		base = strings.TrimSuffix(base, filepath.Ext(base))
		name, _, _ = strings.Cut(base, "_")
	}
	if len(name) > 13 {
		name = name[:13]
	}
	return name
}

// xescape escapes a string udev-style for /dev/disk/by-* symlink
// components.
func xescape(s string) string {
	var out strings.Builder
	for _, c := range []byte(s) {
		if c <= 32 || c >= 127 || c == '/' {
			fmt.Fprintf(&out, `\x%02x`, c)
		} else {
			out.WriteByte(c)
		}
	}
	return out.String()
}

// resolveEnvironment resolves bare NAME entries against the build
// host's environment.
func (b *Build) resolveEnvironment() {
	resolved := make([]string, 0, len(b.Build.Environment))
	for _, entry := range b.Build.Environment {
		if !strings.Contains(entry, "=") {
			entry += "=" + os.Getenv(entry)
		}
		resolved = append(resolved, entry)
	}
	b.Environment = resolved
}
