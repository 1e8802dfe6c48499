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
	"github.com/osmith-project/osmith/lib/sshkey"
)

func TestSSHUnit(t *testing.T) {
	cases := []struct {
		distribution config.Distribution
		want         string
	}{
		{config.Fedora, "sshd"},
		{config.CentOS, "sshd"},
		{config.Debian, "ssh"},
		{config.Ubuntu, "ssh"},
		{config.Arch, "sshd"},
	}
	for _, tc := range cases {
		if got := sshUnit(tc.distribution); got != tc.want {
			t.Errorf("expected %s for %s, got %s", tc.want, tc.distribution, got)
		}
	}
}

func TestSetupSSHGeneratesKey(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Host.NetworkVeth = true
		cfg.Host.SSH = true
	})
	st, runner := testStage(t, b)

	key, err := setupSSH(context.Background(), st)
	if err != nil {
		t.Fatalf("setupSSH failed: %v", err)
	}
	if key == "" {
		t.Fatal("expected a staged key path")
	}
	if filepath.Dir(key) != filepath.Dir(b.SSHKeyPath) {
		t.Errorf("expected the key staged next to %s, got %s", b.SSHKeyPath, key)
	}

	want := []string{"systemctl --root " + st.Root + " enable sshd"}
	if got := runner.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}

	authorized, err := os.ReadFile(filepath.Join(st.RootHome(), ".ssh/authorized_keys"))
	if err != nil {
		t.Fatalf("reading authorized_keys: %v", err)
	}
	if !strings.HasPrefix(string(authorized), "ssh-ed25519 ") {
		t.Errorf("expected an ed25519 key authorized, got %q", authorized)
	}
	if !strings.HasSuffix(strings.TrimSpace(string(authorized)), " osmith") {
		t.Errorf("expected the osmith comment, got %q", authorized)
	}

	if _, err := os.Stat(key); err != nil {
		t.Errorf("expected the private key staged: %v", err)
	}
	// The public half lives in the image now; only the private key is
	// published.
	if _, err := os.Stat(key + ".pub"); !os.IsNotExist(err) {
		t.Errorf("expected the staged public key removed, got %v", err)
	}
}

func TestSetupSSHAuthorizesUserKey(t *testing.T) {
	var userKey string
	b := testBuild(t, func(cfg *config.Config) {
		userKey = filepath.Join(mustGetwd(t), "mykey")
		if err := sshkey.Generate(userKey, "user@host"); err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		cfg.Host.NetworkVeth = true
		cfg.Host.SSH = true
		cfg.Host.SSHKey = "mykey"
	})
	st, _ := testStage(t, b)

	key, err := setupSSH(context.Background(), st)
	if err != nil {
		t.Fatalf("setupSSH failed: %v", err)
	}
	if key != "" {
		t.Errorf("expected no generated key, got %q", key)
	}

	pub, err := os.ReadFile(userKey + ".pub")
	if err != nil {
		t.Fatalf("reading public key: %v", err)
	}
	authorized, err := os.ReadFile(filepath.Join(st.RootHome(), ".ssh/authorized_keys"))
	if err != nil {
		t.Fatalf("reading authorized_keys: %v", err)
	}
	if string(authorized) != string(pub) {
		t.Errorf("expected the user key authorized, got %q", authorized)
	}
}

func TestSetupSSHSkips(t *testing.T) {
	b := testBuild(t, nil)
	st, runner := testStage(t, b)

	key, err := setupSSH(context.Background(), st)
	if err != nil || key != "" {
		t.Fatalf("expected nothing without host ssh, got %q %v", key, err)
	}

	b.Host.SSH = true
	st.BuildPass = true
	key, err = setupSSH(context.Background(), st)
	if err != nil || key != "" {
		t.Fatalf("expected nothing during the development pass, got %q %v", key, err)
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("expected no calls, got:\n%s", strings.Join(runner.Lines(), "\n"))
	}
}

func TestSetupSSHCachePassOnlyEnables(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Host.NetworkVeth = true
		cfg.Host.SSH = true
	})
	st, runner := testStage(t, b)
	st.ForCache = true

	key, err := setupSSH(context.Background(), st)
	if err != nil {
		t.Fatalf("setupSSH failed: %v", err)
	}
	if key != "" {
		t.Errorf("expected no key during the cache pass, got %q", key)
	}
	if got := len(runner.CallsFor("systemctl")); got != 1 {
		t.Errorf("expected sshd enabled, got %d calls", got)
	}
	if _, err := os.Stat(filepath.Join(st.RootHome(), ".ssh")); !os.IsNotExist(err) {
		t.Errorf("expected no authorized keys in the cache, got %v", err)
	}
}

func TestSetupSSHCachedTreeSkipsEnable(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Host.NetworkVeth = true
		cfg.Host.SSH = true
	})
	st, runner := testStage(t, b)
	st.Cached = true

	key, err := setupSSH(context.Background(), st)
	if err != nil {
		t.Fatalf("setupSSH failed: %v", err)
	}
	if key == "" {
		t.Error("expected a key even on a cached tree")
	}
	if got := len(runner.CallsFor("systemctl")); got != 0 {
		t.Errorf("expected sshd already enabled in the cache, got %d calls", got)
	}
}

func TestSetupNetworkVeth(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Host.NetworkVeth = true
	})
	st, runner := testStage(t, b)

	if err := setupNetworkVeth(context.Background(), st); err != nil {
		t.Fatalf("setupNetworkVeth failed: %v", err)
	}

	unit, err := os.ReadFile(filepath.Join(st.Root, "etc/systemd/network/80-osmith-network-veth.network"))
	if err != nil {
		t.Fatalf("reading network unit: %v", err)
	}
	if !strings.Contains(string(unit), "DHCP=yes") {
		t.Errorf("expected DHCP enabled, got:\n%s", unit)
	}
	want := []string{"systemctl --root " + st.Root + " enable systemd-networkd"}
	if got := runner.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestSetupNetworkVethSkips(t *testing.T) {
	b := testBuild(t, func(cfg *config.Config) {
		cfg.Host.NetworkVeth = true
	})
	st, runner := testStage(t, b)

	st.Cached = true
	if err := setupNetworkVeth(context.Background(), st); err != nil {
		t.Fatalf("setupNetworkVeth failed: %v", err)
	}
	st.Cached = false
	st.BuildPass = true
	if err := setupNetworkVeth(context.Background(), st); err != nil {
		t.Fatalf("setupNetworkVeth failed: %v", err)
	}
	b.Host.NetworkVeth = false
	st.BuildPass = false
	if err := setupNetworkVeth(context.Background(), st); err != nil {
		t.Fatalf("setupNetworkVeth failed: %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("expected no calls, got:\n%s", strings.Join(runner.Lines(), "\n"))
	}
}
