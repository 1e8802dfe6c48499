// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osmith-project/osmith/lib/config"
	"github.com/osmith-project/osmith/lib/osexec"
)

// patchLines rewrites a file line by line, preserving its mode. The
// rewrite function receives each line without its terminator.
func patchLines(path string, rewrite func(string) string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	for i, line := range lines {
		lines[i] = rewrite(line)
	}
	out := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(path, []byte(out), info.Mode().Perm())
}

// setPasswordField replaces the password field of the root entry in a
// passwd or shadow formatted line.
func setPasswordField(line, value string) string {
	if !strings.HasPrefix(line, "root:") {
		return line
	}
	fields := strings.Split(line, ":")
	fields[1] = value
	return strings.Join(fields, ":")
}

// hashPassword produces a SHA512-crypt hash for /etc/shadow. The
// password travels over stdin so it never appears in a process
// listing.
func hashPassword(ctx context.Context, runner osexec.Runner, password string) (string, error) {
	out, err := runner.Output(ctx, osexec.Spec{
		Argv:  []string{"openssl", "passwd", "-6", "-stdin"},
		Stdin: strings.NewReader(password + "\n"),
	})
	if err != nil {
		return "", fmt.Errorf("hashing root password: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// setRootPassword bakes the configured root password into the tree,
// or deletes the password entirely when configured empty so console
// login just works.
func setRootPassword(ctx context.Context, st *StageContext) error {
	b := st.Build
	if st.BuildPass || st.Cached || b.Validation.Password == nil {
		return nil
	}

	if *b.Validation.Password == "" {
		st.Logger.Info("deleting root password")
		return patchLines(filepath.Join(st.Root, "etc/passwd"), func(line string) string {
			return setPasswordField(line, "")
		})
	}

	st.Logger.Info("setting root password")
	password := *b.Validation.Password
	if !b.Validation.PasswordHashed {
		hashed, err := hashPassword(ctx, st.Runner, password)
		if err != nil {
			return err
		}
		password = hashed
	}
	return patchLines(filepath.Join(st.Root, "etc/shadow"), func(line string) string {
		return setPasswordField(line, password)
	})
}

// Getty overrides enabling root autologin on the image's consoles.
// Same ExecStart lines as the systemd getty templates, with agetty
// told to log root in.
const (
	consoleGettyAutologin = `[Service]
ExecStart=
ExecStart=-/sbin/agetty -o '-p -f root' --autologin root --noclear --keep-baud console 115200,38400,9600 $TERM
`
	serialGettyAutologin = `[Service]
ExecStart=
ExecStart=-/sbin/agetty -o '-p -f root' --autologin root --keep-baud 115200,57600,38400,9600 %I $TERM
`
	virtualGettyAutologin = `[Service]
ExecStart=
ExecStart=-/sbin/agetty -o '-p -f root' --autologin root --noclear %I $TERM
`
)

// pamAddAutologin prepends a pam_succeed_if rule for one tty to the
// tree's login PAM stack, letting the autologin through without a
// password.
func pamAddAutologin(root, tty string) error {
	path := filepath.Join(root, "etc/pam.d/login")
	original, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rule := fmt.Sprintf("auth sufficient pam_succeed_if.so tty = %s\n", tty)
	return os.WriteFile(path, append([]byte(rule), original...), 0o644)
}

func writeGettyOverride(root, unit, content string) error {
	dir := filepath.Join(root, "etc/systemd/system", unit+".d")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "autologin.conf"), []byte(content), 0o644)
}

// setAutologin configures root autologin on the container console,
// the first serial port and the first virtual terminal.
func setAutologin(st *StageContext) error {
	b := st.Build
	if st.BuildPass || st.Cached || !b.Validation.Autologin {
		return nil
	}
	st.Logger.Info("setting up autologin")

	// PAM on Arch and Debian matches the full console device path and
	// refuses access on the bare name.
	devicePrefix := ""
	switch b.Distribution.Name {
	case config.Arch, config.Debian:
		devicePrefix = "/dev/"
	}

	for _, override := range []struct {
		unit, content string
		ttys          []string
	}{
		{"console-getty.service", consoleGettyAutologin, []string{"pts/0"}},
		{"serial-getty@ttyS0.service", serialGettyAutologin, []string{"ttyS0"}},
		{"getty@tty1.service", virtualGettyAutologin, []string{"tty1", "console"}},
	} {
		if err := writeGettyOverride(st.Root, override.unit, override.content); err != nil {
			return err
		}
		for _, tty := range override.ttys {
			if err := pamAddAutologin(st.Root, devicePrefix+tty); err != nil {
				return err
			}
		}
	}
	return nil
}
