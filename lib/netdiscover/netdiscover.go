// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package netdiscover finds the IPv6 link-local address of a booted
// image so the ssh verb can reach it. systemd-nspawn and systemd
// virtual machine setups name the host side of the network pair
// ve-<machine> or vt-<machine>; the container or VM announces itself
// in that interface's neighbor table once its own networkd is up.
package netdiscover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/osmith-project/osmith/lib/clock"
	"github.com/osmith-project/osmith/lib/osexec"
)

const (
	// neighborScans bounds one attempt's neighbor table polls.
	neighborScans = 50
	neighborDelay = 400 * time.Millisecond

	// retryDelay separates whole attempts (interface lookup onwards)
	// until the caller's timeout runs out.
	retryDelay = time.Second
)

// Discoverer locates a machine's link-local address via the kernel's
// link and neighbor tables.
type Discoverer struct {
	Runner osexec.Runner
	Logger *slog.Logger
	Clock  clock.Clock

	// Netlink queries, replaceable in tests.
	linkByName func(name string) (netlink.Link, error)
	neighList  func(linkIndex, family int) ([]netlink.Neigh, error)
}

// New returns a Discoverer backed by the real netlink socket and
// clock.
func New(runner osexec.Runner, logger *slog.Logger) *Discoverer {
	return &Discoverer{
		Runner:     runner,
		Logger:     logger,
		Clock:      clock.Real(),
		linkByName: netlink.LinkByName,
		neighList:  netlink.NeighList,
	}
}

// FindAddress returns the machine's IPv6 link-local address and the
// host interface name to use as its zone. It retries until an address
// turns up or the wall-clock timeout expires, returning the last
// attempt's error.
func (d *Discoverer) FindAddress(ctx context.Context, machine string, timeout time.Duration) (address, device string, err error) {
	deadline := d.Clock.Now().Add(timeout)
	for {
		address, device, err = d.attempt(ctx, machine)
		if err == nil {
			return address, device, nil
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		if !d.Clock.Now().Before(deadline) {
			return "", "", err
		}
		d.Logger.Debug("address discovery retrying", "machine", machine, "error", err)
		d.sleep(ctx, retryDelay)
	}
}

func (d *Discoverer) attempt(ctx context.Context, machine string) (string, string, error) {
	link, err := d.findLink(machine)
	if err != nil {
		return "", "", err
	}
	attrs := link.Attrs()
	if attrs.OperState == netlink.OperDown {
		return "", "", fmt.Errorf("%s is down; systemd-networkd must be running so it can manage the interface", attrs.Name)
	}

	// One multicast ping primes the kernel's neighbor table with the
	// peer's link-local address.
	ping := osexec.Spec{Argv: []string{"ping", "-c", "1", "-w", "15", "ff02::1%" + attrs.Name}}
	if err := d.Runner.Run(ctx, ping); err != nil {
		return "", "", err
	}

	for scan := 0; scan < neighborScans; scan++ {
		neighbors, err := d.neighList(attrs.Index, netlink.FAMILY_V6)
		if err != nil {
			return "", "", fmt.Errorf("listing neighbors on %s: %w", attrs.Name, err)
		}
		for _, neighbor := range neighbors {
			if neighbor.IP.IsLinkLocalUnicast() {
				return neighbor.IP.String(), attrs.Name, nil
			}
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		d.sleep(ctx, neighborDelay)
	}
	return "", "", fmt.Errorf("no neighbor with a link-local address on %s", attrs.Name)
}

// findLink tries the container interface name first, then the VM one.
func (d *Discoverer) findLink(machine string) (netlink.Link, error) {
	for _, prefix := range []string{"ve-", "vt-"} {
		link, err := d.linkByName(prefix + machine)
		if err == nil {
			return link, nil
		}
	}
	return nil, fmt.Errorf("no container or VM interface for machine %q", machine)
}

func (d *Discoverer) sleep(ctx context.Context, delay time.Duration) {
	select {
	case <-ctx.Done():
	case <-d.Clock.After(delay):
	}
}
