// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package netdiscover

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/osmith-project/osmith/lib/clock"
	"github.com/osmith-project/osmith/lib/testutil"
)

func testDiscoverer(runner *testutil.RecordingRunner, fake *clock.FakeClock) *Discoverer {
	d := New(runner, slog.New(slog.DiscardHandler))
	d.Clock = fake
	return d
}

// upLink fakes a resolvable host interface.
func upLink(name string, index int) netlink.Link {
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{
		Name:      name,
		Index:     index,
		OperState: netlink.OperUp,
	}}
}

type findResult struct {
	address string
	device  string
	err     error
}

func TestFindAddressFirstScan(t *testing.T) {
	runner := testutil.NewRecordingRunner()
	d := testDiscoverer(runner, clock.Fake(time.Now()))
	d.linkByName = func(name string) (netlink.Link, error) {
		if name != "ve-mach" {
			return nil, fmt.Errorf("link %s not found", name)
		}
		return upLink(name, 7), nil
	}
	d.neighList = func(index, family int) ([]netlink.Neigh, error) {
		if index != 7 || family != netlink.FAMILY_V6 {
			t.Errorf("expected neighbor query for link 7 family v6, got %d/%d", index, family)
		}
		return []netlink.Neigh{
			{IP: net.ParseIP("2001:db8::1")},
			{IP: net.ParseIP("fe80::5")},
		}, nil
	}

	address, device, err := d.FindAddress(context.Background(), "mach", time.Minute)
	if err != nil {
		t.Fatalf("FindAddress failed: %v", err)
	}
	if address != "fe80::5" || device != "ve-mach" {
		t.Errorf("expected fe80::5 on ve-mach, got %s on %s", address, device)
	}

	pings := runner.CallsFor("ping")
	if len(pings) != 1 {
		t.Fatalf("expected one priming ping, got %d", len(pings))
	}
	want := "ping -c 1 -w 15 ff02::1%ve-mach"
	if pings[0].Line() != want {
		t.Errorf("expected %q, got %q", want, pings[0].Line())
	}
}

func TestFindAddressFallsBackToVM(t *testing.T) {
	runner := testutil.NewRecordingRunner()
	d := testDiscoverer(runner, clock.Fake(time.Now()))
	d.linkByName = func(name string) (netlink.Link, error) {
		if name == "vt-mach" {
			return upLink(name, 3), nil
		}
		return nil, fmt.Errorf("link %s not found", name)
	}
	d.neighList = func(index, family int) ([]netlink.Neigh, error) {
		return []netlink.Neigh{{IP: net.ParseIP("fe80::9")}}, nil
	}

	_, device, err := d.FindAddress(context.Background(), "mach", time.Minute)
	if err != nil {
		t.Fatalf("FindAddress failed: %v", err)
	}
	if device != "vt-mach" {
		t.Errorf("expected the VM interface, got %s", device)
	}
}

func TestFindAddressDownInterface(t *testing.T) {
	runner := testutil.NewRecordingRunner()
	d := testDiscoverer(runner, clock.Fake(time.Now()))
	d.linkByName = func(name string) (netlink.Link, error) {
		return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{
			Name:      name,
			OperState: netlink.OperDown,
		}}, nil
	}

	_, _, err := d.FindAddress(context.Background(), "mach", 0)
	if err == nil || !strings.Contains(err.Error(), "systemd-networkd") {
		t.Fatalf("expected a networkd hint, got %v", err)
	}
	if len(runner.CallsFor("ping")) != 0 {
		t.Error("expected no ping against a down interface")
	}
}

func TestFindAddressScansUntilNeighbor(t *testing.T) {
	runner := testutil.NewRecordingRunner()
	fake := clock.Fake(time.Now())
	d := testDiscoverer(runner, fake)
	d.linkByName = func(name string) (netlink.Link, error) {
		return upLink(name, 1), nil
	}
	scans := 0
	d.neighList = func(index, family int) ([]netlink.Neigh, error) {
		scans++
		if scans < 3 {
			return nil, nil
		}
		return []netlink.Neigh{{IP: net.ParseIP("fe80::2")}}, nil
	}

	done := make(chan findResult, 1)
	go func() {
		address, device, err := d.FindAddress(context.Background(), "mach", time.Minute)
		done <- findResult{address, device, err}
	}()

	// Two empty scans, each followed by a delay the test fires.
	for i := 0; i < 2; i++ {
		fake.WaitForTimers(1)
		fake.Advance(400 * time.Millisecond)
	}

	result := testutil.RequireReceive(t, done, 5*time.Second, "waiting for discovery")
	if result.err != nil {
		t.Fatalf("FindAddress failed: %v", result.err)
	}
	if result.address != "fe80::2" {
		t.Errorf("expected fe80::2, got %s", result.address)
	}
	if scans != 3 {
		t.Errorf("expected 3 neighbor scans, got %d", scans)
	}
}

func TestFindAddressTimesOut(t *testing.T) {
	runner := testutil.NewRecordingRunner()
	fake := clock.Fake(time.Now())
	d := testDiscoverer(runner, fake)
	d.linkByName = func(name string) (netlink.Link, error) {
		return nil, fmt.Errorf("link %s not found", name)
	}

	done := make(chan findResult, 1)
	go func() {
		_, _, err := d.FindAddress(context.Background(), "mach", time.Second)
		done <- findResult{err: err}
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	result := testutil.RequireReceive(t, done, 5*time.Second, "waiting for timeout")
	if result.err == nil || !strings.Contains(result.err.Error(), "no container or VM interface") {
		t.Fatalf("expected the last attempt's error, got %v", result.err)
	}
}

func TestProvisionVeth(t *testing.T) {
	runner := testutil.NewRecordingRunner()
	root := t.TempDir()

	if err := ProvisionVeth(context.Background(), runner, root); err != nil {
		t.Fatalf("ProvisionVeth failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "etc/systemd/network/80-osmith-network-veth.network"))
	if err != nil {
		t.Fatalf("expected the network unit written: %v", err)
	}
	for _, want := range []string{"[Match]", "DHCP=yes", "LinkLocalAddressing=yes"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected %q in the network unit", want)
		}
	}

	lines := runner.Lines()
	want := "systemctl --root " + root + " enable systemd-networkd"
	if len(lines) != 1 || lines[0] != want {
		t.Errorf("expected %q, got %v", want, lines)
	}
}
