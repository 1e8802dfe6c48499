// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
)

// RecordPackages queries the image's package database for the
// installed package list. Returns nil for distributions whose
// database has no query tool on the build host vocabulary (Arch).
func (f *Finalizer) RecordPackages(ctx context.Context, root string) ([]Package, error) {
	switch f.Build.Distribution.Name {
	case config.Fedora, config.CentOS, config.OpenSUSE:
		return f.recordRPMPackages(ctx, root)
	case config.Debian, config.Ubuntu:
		return f.recordDebPackages(ctx, root)
	default:
		return nil, nil
	}
}

func (f *Finalizer) recordRPMPackages(ctx context.Context, root string) ([]Package, error) {
	out, err := f.Runner.Output(ctx, osexec.Spec{
		Argv: []string{
			"rpm", "--root=" + root, "-qa",
			`--qf=%{NAME}\t%{EVR}\t%{ARCH}\t%{SIZE}\n`,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying rpm database: %w", err)
	}
	return parsePackageList(string(out), 1)
}

func (f *Finalizer) recordDebPackages(ctx context.Context, root string) ([]Package, error) {
	out, err := f.Runner.Output(ctx, osexec.Spec{
		Argv: []string{
			"dpkg-query", "--admindir=" + root + "/var/lib/dpkg", "-W",
			"-f=${Package}\t${Version}\t${Architecture}\t${Installed-Size}\n",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying dpkg database: %w", err)
	}
	// dpkg reports Installed-Size in KiB.
	return parsePackageList(string(out), 1024)
}

// parsePackageList parses "name\tversion\tarch\tsize" lines. Sizes
// are scaled by unit into bytes; a missing or malformed size column
// leaves the size zero rather than failing the manifest.
func parsePackageList(out string, unit int64) ([]Package, error) {
	var packages []Package
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed package line %q", line)
		}
		pkg := Package{Name: fields[0], Version: fields[1]}
		if len(fields) > 2 {
			pkg.Architecture = fields[2]
		}
		if len(fields) > 3 {
			if size, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
				pkg.Size = size * unit
			}
		}
		packages = append(packages, pkg)
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name < packages[j].Name })
	return packages, nil
}

// manifestDoc is the JSON manifest shipped as <output>.manifest.
type manifestDoc struct {
	Name         string    `json:"name"`
	Distribution string    `json:"distribution"`
	Release      string    `json:"release"`
	Architecture string    `json:"architecture"`
	Packages     []Package `json:"packages"`
}

// writeManifests writes the configured package manifests next to the
// output. Nothing is written when no packages were recorded.
func (f *Finalizer) writeManifests(packages []Package) error {
	if len(packages) == 0 {
		return nil
	}

	if slices.Contains(f.Build.Output.ManifestFormats, "json") {
		doc := manifestDoc{
			Name:         f.Build.MachineName(),
			Distribution: string(f.Build.Distribution.Name),
			Release:      f.Build.Distribution.Release,
			Architecture: string(f.Build.Distribution.Architecture),
			Packages:     packages,
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		path := f.Build.OutputPath + ".manifest"
		if err := writeFileAtomic(path, append(data, '\n'), 0o644); err != nil {
			return err
		}
		f.Logger.Info("output written", "path", f.relPath(path))
	}

	if slices.Contains(f.Build.Output.ManifestFormats, "changelog") {
		var report strings.Builder
		for _, pkg := range packages {
			fmt.Fprintf(&report, "%s\t%s\n", pkg.Name, pkg.Version)
		}
		path := f.Build.OutputPath + ".packages"
		if err := writeFileAtomic(path, []byte(report.String()), 0o644); err != nil {
			return err
		}
		f.Logger.Info("output written", "path", f.relPath(path))
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".osmith-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
