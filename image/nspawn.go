// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"context"
	"encoding/hex"
	"os"

	"github.com/google/uuid"

	"github.com/osmith-project/osmith/lib/osexec"
)

// Nspawn assembles one systemd-nspawn invocation into a build tree or
// image. Command returns the complete argv, so tests assert the exact
// container setup without anything being spawned.
type Nspawn struct {
	// Directory boots the container from a tree root; Image from a
	// raw disk image. Image wins when both are set.
	Directory string
	Image     string

	// MachineID becomes the container's /etc/machine-id via --uuid.
	MachineID string

	// Machine names the container. A random osmith-prefixed name is
	// chosen when empty, so concurrent builds never collide in the
	// machine registry.
	Machine string

	// Binds and BindsRO are what:where mount pairs.
	Binds   []string
	BindsRO []string

	// Setenv entries are KEY=VALUE pairs exported into the container.
	Setenv []string

	// Chdir is the working directory inside the container.
	Chdir string

	// Network shares the host's network namespace and resolver.
	// Otherwise the container runs with a private, disconnected
	// network.
	Network bool

	// Extra is appended verbatim before the command, for switches no
	// dedicated field covers.
	Extra []string

	// Argv is the command run inside the container.
	Argv []string
}

// Command returns the full systemd-nspawn argv.
func (n *Nspawn) Command() []string {
	cmd := []string{"systemd-nspawn", "--quiet"}

	if n.Image != "" {
		cmd = append(cmd, "--image="+n.Image)
	} else {
		cmd = append(cmd, "--directory="+n.Directory)
	}
	if n.MachineID != "" {
		cmd = append(cmd, "--uuid="+n.MachineID)
	}

	machine := n.Machine
	if machine == "" {
		id := uuid.New()
		machine = "osmith-" + hex.EncodeToString(id[:])
	}
	cmd = append(cmd, "--machine="+machine, "--as-pid2", "--register=no")

	for _, bind := range n.Binds {
		cmd = append(cmd, "--bind="+bind)
	}
	for _, bind := range n.BindsRO {
		cmd = append(cmd, "--bind-ro="+bind)
	}
	for _, env := range n.Setenv {
		cmd = append(cmd, "--setenv="+env)
	}
	if n.Chdir != "" {
		cmd = append(cmd, "--chdir="+n.Chdir)
	}

	if n.Network {
		// Host networking keeps working inside the container only
		// with the host's resolver configuration visible.
		cmd = append(cmd, "--bind-ro=/etc/resolv.conf")
	} else {
		cmd = append(cmd, "--private-network")
	}

	cmd = append(cmd, n.Extra...)
	cmd = append(cmd, n.Argv...)
	return cmd
}

// Run executes the invocation.
func (n *Nspawn) Run(ctx context.Context, runner osexec.Runner) error {
	return runner.Run(ctx, osexec.Spec{Argv: n.Command()})
}

// treeCommand is the standard containerized command for helpers run
// inside a populated tree: the workspace's var-tmp mounted as
// /var/tmp, private network unless asked otherwise. With a usr-only
// tree the root home lives in the workspace and is mounted in, since
// only /usr ends up in the image.
func treeCommand(st *StageContext, argv []string, network bool, env []string) *Nspawn {
	binds := []string{st.VarTmp + ":/var/tmp"}
	if st.Build.Output.UsrOnly {
		binds = append(binds, st.RootHome()+":/root")
	}
	return &Nspawn{
		Directory: st.Root,
		MachineID: st.Build.MachineID,
		Binds:     binds,
		Setenv:    env,
		Network:   network,
		Argv:      argv,
	}
}

// blockdevParams grants a containerized command read access to the
// image's block devices, which boot loader installers need to map the
// root filesystem back to the disk it sits on.
func blockdevParams(st *StageContext) []string {
	if st.Loop == nil {
		return nil
	}
	params := []string{
		"--bind-ro=" + st.Loop.Device,
		"--property=DeviceAllow=" + st.Loop.Device,
		"--bind-ro=/dev/block",
		"--bind-ro=/dev/disk",
	}
	layout := st.Build.Layout
	for _, partno := range []int{layout.ESP, layout.BIOSBoot, layout.Root, layout.XBootLdr} {
		if partno == 0 {
			continue
		}
		p := st.Loop.Partition(partno)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		params = append(params, "--bind-ro="+p, "--property=DeviceAllow="+p)
	}
	return params
}

// oneZero renders a boolean the way shell scripts test it.
func oneZero(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
