// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/osmith-project/osmith/cmd/osmith/cli"
	"github.com/osmith-project/osmith/lib/osexec"
)

// Default locations picked up by the build when validation.secure_boot
// is enabled.
const (
	defaultSecureBootKey  = "osmith.secure-boot.key"
	defaultSecureBootCert = "osmith.secure-boot.crt"
)

func genkeyCommand(configPath string) *cli.Command {
	var force int
	var validDays int
	var commonName string

	return &cli.Command{
		Name:    "genkey",
		Summary: "Generate secure boot signing keys",
		Description: `Generate an RSA key and self-signed certificate for UEFI secure boot
signing, at the configured validation.secure_boot_key and
validation.secure_boot_certificate locations or the conventional
` + defaultSecureBootKey + ` / ` + defaultSecureBootCert + ` next to ` + "`osmith.yaml`" + `.

Keys this certificate signs boot only on machines that enroll it.
Remember to roll the pair over before it expires.`,
		Usage: "osmith genkey [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("genkey", pflag.ContinueOnError)
			flagSet.CountVarP(&force, "force", "f", "replace an existing key pair")
			flagSet.IntVar(&validDays, "valid-days", 730, "certificate lifetime in days")
			flagSet.StringVar(&commonName, "common-name", "", "certificate common name (default \"osmith of <user>\")")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			b, err := loadBuild(configPath, force, logger)
			if err != nil {
				return err
			}

			key := b.Validation.SecureBootKey
			if key == "" {
				key = defaultSecureBootKey
			}
			cert := b.Validation.SecureBootCert
			if cert == "" {
				cert = defaultSecureBootCert
			}
			for _, path := range []string{key, cert} {
				if _, err := os.Stat(path); err == nil && force == 0 {
					return fmt.Errorf("%s exists already; remove it or pass --force to generate new keys", path)
				}
			}

			if commonName == "" {
				commonName = "osmith of " + userName()
			}
			logger.Info("generating secure boot keys",
				"common_name", commonName,
				"valid_days", validDays,
				"key", key,
				"certificate", cert)

			runner := osexec.New(logger)
			return runner.Run(ctx, osexec.Spec{
				Argv: genkeyArgv(key, cert, commonName, validDays),
			})
		},
	}
}

// genkeyArgv is the openssl invocation producing an unencrypted RSA
// key and self-signed certificate, the form sbsign and the firmware
// enrollment tools accept.
func genkeyArgv(key, cert, commonName string, validDays int) []string {
	return []string{
		"openssl", "req", "-new", "-x509",
		"-newkey", "rsa:2048",
		"-keyout", key,
		"-out", cert,
		"-days", strconv.Itoa(validDays),
		"-subj", "/CN=" + commonName + "/",
		"-nodes",
	}
}

func userName() string {
	if current, err := user.Current(); err == nil && current.Username != "" {
		return current.Username
	}
	return "root"
}
