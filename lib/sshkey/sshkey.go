// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package sshkey generates the key pair that lets the ssh verb reach
// a booted image. Keys are ed25519 in OpenSSH format, written without
// shelling out to ssh-keygen.
package sshkey

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Generate writes a fresh ed25519 key pair: the private key at path
// with mode 0600 and the public key at path+".pub" with mode 0644.
// An existing pair at path is replaced.
func Generate(path, comment string) error {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating ssh key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(private, comment)
	if err != nil {
		return fmt.Errorf("encoding ssh private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return err
	}

	sshPublic, err := ssh.NewPublicKey(public)
	if err != nil {
		return fmt.Errorf("encoding ssh public key: %w", err)
	}
	line := bytes.TrimRight(ssh.MarshalAuthorizedKey(sshPublic), "\n")
	line = append(line, ' ')
	line = append(line, comment...)
	line = append(line, '\n')
	return os.WriteFile(path+".pub", line, 0o644)
}

// InstallAuthorizedKey adds the public half of the key pair at path
// to the authorized_keys under the given home directory.
func InstallAuthorizedKey(home, path string) error {
	data, err := os.ReadFile(path + ".pub")
	if err != nil {
		return err
	}

	dir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "authorized_keys"), data, 0o600)
}
