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

func TestSetPasswordField(t *testing.T) {
	cases := []struct {
		line, value, want string
	}{
		{"root:x:0:0:root:/root:/bin/bash", "$6$h", "root:$6$h:0:0:root:/root:/bin/bash"},
		{"root:*:19000:0:99999:7:::", "$6$h", "root:$6$h:19000:0:99999:7:::"},
		{"root:x:0:0:root:/root:/bin/bash", "", "root::0:0:root:/root:/bin/bash"},
		{"bin:x:1:1:bin:/bin:/sbin/nologin", "$6$h", "bin:x:1:1:bin:/bin:/sbin/nologin"},
		{"rootless:x:1000:1000::/home/r:/bin/sh", "$6$h", "rootless:x:1000:1000::/home/r:/bin/sh"},
	}
	for _, tc := range cases {
		if got := setPasswordField(tc.line, tc.value); got != tc.want {
			t.Errorf("expected %q, got %q", tc.want, got)
		}
	}
}

func TestHashPassword(t *testing.T) {
	runner := testutil.NewRecordingRunner()
	runner.Handle("openssl", func(call testutil.Call) ([]byte, error) {
		return []byte("$6$salt$digest\n"), nil
	})

	hash, err := hashPassword(context.Background(), runner, "secret")
	if err != nil {
		t.Fatalf("hashPassword failed: %v", err)
	}
	if hash != "$6$salt$digest" {
		t.Errorf("expected the trimmed hash, got %q", hash)
	}

	calls := runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	if want := []string{"openssl", "passwd", "-6", "-stdin"}; !reflect.DeepEqual(calls[0].Argv, want) {
		t.Errorf("expected %q, got %q", want, calls[0].Argv)
	}
	if got := string(calls[0].Stdin); got != "secret\n" {
		t.Errorf("expected the password on stdin, got %q", got)
	}
}

func TestSetRootPassword(t *testing.T) {
	password := "secret"
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Validation.Password = &password
	})
	st, runner := testStage(t, b)
	runner.Handle("openssl", func(call testutil.Call) ([]byte, error) {
		return []byte("$6$salt$digest\n"), nil
	})
	writeTreeFile(t, st, "etc/shadow", "root:*:19000:0:99999:7:::\nbin:*:19000::::::\n")

	if err := setRootPassword(context.Background(), st); err != nil {
		t.Fatalf("setRootPassword failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(st.Root, "etc/shadow"))
	if err != nil {
		t.Fatalf("reading shadow: %v", err)
	}
	want := "root:$6$salt$digest:19000:0:99999:7:::\nbin:*:19000::::::\n"
	if string(data) != want {
		t.Errorf("expected %q, got %q", want, data)
	}
}

func TestSetRootPasswordPreHashed(t *testing.T) {
	password := "$6$already$hashed"
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Validation.Password = &password
		cfg.Validation.PasswordHashed = true
	})
	st, runner := testStage(t, b)
	writeTreeFile(t, st, "etc/shadow", "root:*:19000:0:99999:7:::\n")

	if err := setRootPassword(context.Background(), st); err != nil {
		t.Fatalf("setRootPassword failed: %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("expected no hashing, got:\n%s", strings.Join(runner.Lines(), "\n"))
	}

	data, err := os.ReadFile(filepath.Join(st.Root, "etc/shadow"))
	if err != nil {
		t.Fatalf("reading shadow: %v", err)
	}
	if want := "root:$6$already$hashed:19000:0:99999:7:::\n"; string(data) != want {
		t.Errorf("expected %q, got %q", want, data)
	}
}

func TestSetRootPasswordEmptyDeletes(t *testing.T) {
	password := ""
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Validation.Password = &password
	})
	st, _ := testStage(t, b)
	writeTreeFile(t, st, "etc/passwd", "root:x:0:0:root:/root:/bin/bash\nbin:x:1:1::/bin:/sbin/nologin\n")

	if err := setRootPassword(context.Background(), st); err != nil {
		t.Fatalf("setRootPassword failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(st.Root, "etc/passwd"))
	if err != nil {
		t.Fatalf("reading passwd: %v", err)
	}
	want := "root::0:0:root:/root:/bin/bash\nbin:x:1:1::/bin:/sbin/nologin\n"
	if string(data) != want {
		t.Errorf("expected %q, got %q", want, data)
	}
}

func TestSetRootPasswordSkips(t *testing.T) {
	// Without a configured password the shadow file is left alone, and
	// its absence in the scratch tree never surfaces.
	b := testBuild(t, nil)
	st, _ := testStage(t, b)
	if err := setRootPassword(context.Background(), st); err != nil {
		t.Fatalf("setRootPassword failed: %v", err)
	}

	password := "secret"
	b.Validation.Password = &password
	st.BuildPass = true
	if err := setRootPassword(context.Background(), st); err != nil {
		t.Fatalf("setRootPassword failed: %v", err)
	}
	st.BuildPass = false
	st.Cached = true
	if err := setRootPassword(context.Background(), st); err != nil {
		t.Fatalf("setRootPassword failed: %v", err)
	}
}

func TestSetAutologin(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Validation.Autologin = true
	})
	st, _ := testStage(t, b)
	writeTreeFile(t, st, "etc/pam.d/login", "account required pam_unix.so\n")

	if err := setAutologin(st); err != nil {
		t.Fatalf("setAutologin failed: %v", err)
	}

	for _, override := range []struct{ unit, content string }{
		{"console-getty.service", consoleGettyAutologin},
		{"serial-getty@ttyS0.service", serialGettyAutologin},
		{"getty@tty1.service", virtualGettyAutologin},
	} {
		path := filepath.Join(st.Root, "etc/systemd/system", override.unit+".d/autologin.conf")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("expected override for %s: %v", override.unit, err)
			continue
		}
		if string(data) != override.content {
			t.Errorf("unexpected override for %s:\n%s", override.unit, data)
		}
	}

	data, err := os.ReadFile(filepath.Join(st.Root, "etc/pam.d/login"))
	if err != nil {
		t.Fatalf("reading pam stack: %v", err)
	}
	want := "auth sufficient pam_succeed_if.so tty = console\n" +
		"auth sufficient pam_succeed_if.so tty = tty1\n" +
		"auth sufficient pam_succeed_if.so tty = ttyS0\n" +
		"auth sufficient pam_succeed_if.so tty = pts/0\n" +
		"account required pam_unix.so\n"
	if string(data) != want {
		t.Errorf("expected:\n%s\ngot:\n%s", want, data)
	}
}

func TestSetAutologinDebianDevicePaths(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Distribution.Name = config.Debian
		cfg.Validation.Autologin = true
	})
	st, _ := testStage(t, b)
	writeTreeFile(t, st, "etc/pam.d/login", "account required pam_unix.so\n")

	if err := setAutologin(st); err != nil {
		t.Fatalf("setAutologin failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(st.Root, "etc/pam.d/login"))
	if err != nil {
		t.Fatalf("reading pam stack: %v", err)
	}
	for _, tty := range []string{"/dev/console", "/dev/tty1", "/dev/ttyS0", "/dev/pts/0"} {
		if !strings.Contains(string(data), "tty = "+tty+"\n") {
			t.Errorf("expected a rule for %s, got:\n%s", tty, data)
		}
	}
}

func TestSetAutologinSkips(t *testing.T) {
	b := testBuild(t, nil)
	st, _ := testStage(t, b)

	// No PAM stack exists in the scratch tree; a skip never notices.
	if err := setAutologin(st); err != nil {
		t.Fatalf("setAutologin failed: %v", err)
	}

	b.Validation.Autologin = true
	st.Cached = true
	if err := setAutologin(st); err != nil {
		t.Fatalf("setAutologin failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(st.Root, "etc/systemd/system")); !os.IsNotExist(err) {
		t.Errorf("expected no overrides on a cached tree, got %v", err)
	}
}
