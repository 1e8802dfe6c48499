// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package netdiscover

import (
	"context"
	"os"
	"path/filepath"

	"github.com/osmith-project/osmith/lib/osexec"
)

// vethNetworkUnit configures the image's side of the veth pair.
// Adapted from systemd's 80-container-host0.network.
const vethNetworkUnit = `[Match]
Virtualization=!container
Type=ether

[Network]
DHCP=yes
LinkLocalAddressing=yes
LLDP=yes
EmitLLDP=customer-bridge

[DHCP]
UseTimezone=yes
`

// ProvisionVeth drops a network unit into the tree so the booted
// image configures its end of the veth pair, and enables
// systemd-networkd to act on it.
func ProvisionVeth(ctx context.Context, runner osexec.Runner, root string) error {
	unit := filepath.Join(root, "etc/systemd/network/80-osmith-network-veth.network")
	if err := os.MkdirAll(filepath.Dir(unit), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unit, []byte(vethNetworkUnit), 0o644); err != nil {
		return err
	}
	return runner.Run(ctx, osexec.Spec{
		Argv: []string{"systemctl", "--root", root, "enable", "systemd-networkd"},
	})
}
