// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomserver/cmd/roomserver-admin/cli"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/signingkey"
)

// keygenResult describes a generated key. It never carries secret
// material.
type keygenResult struct {
	ServerName string   `json:"server_name"`
	KeyID      string   `json:"key_id"`
	PublicKey  string   `json:"public_key"`
	Path       string   `json:"path"`
	SealedTo   []string `json:"sealed_to,omitempty"`
	Identity   string   `json:"identity,omitempty"`
}

func (a *app) keygenCommand() *cli.Command {
	var (
		serverName   string
		keyVersion   string
		out          string
		sealTo       []string
		identityPath string
		force        bool
		outputJSON   bool
	)
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate a server signing key offline",
		Usage:   "roomserver-admin keygen --server-name <name> --out <path> [flags]",
		Description: `Generate an ed25519 signing key for a server and write it where
paths.signing_key will find it.

With --seal-to the key file is age-encrypted to the given recipients.
--identity writes a fresh age identity to the given path and seals to
it as well; point paths.signing_key_identity at that file. The public
half printed here is what other servers pin under keys.pinned.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVar(&serverName, "server-name", "", "server the key belongs to (required)")
			flagSet.StringVar(&keyVersion, "key-version", "a_1", "key version; the key ID is ed25519:<version>")
			flagSet.StringVarP(&out, "out", "o", "", "key file to write (required)")
			flagSet.StringSliceVar(&sealTo, "seal-to", nil, "age recipient (age1...) to seal the key to; repeatable")
			flagSet.StringVar(&identityPath, "identity", "", "write a new age identity here and seal to it")
			flagSet.BoolVar(&force, "force", false, "overwrite existing files")
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args); err != nil {
				return err
			}
			server, err := ref.ParseServerName(serverName)
			if err != nil {
				return cli.Usagef("--server-name: %v", err)
			}
			if out == "" {
				return cli.Usagef("--out is required")
			}
			for _, recipient := range sealTo {
				if err := signingkey.ParseRecipient(recipient); err != nil {
					return cli.Usagef("--seal-to: %v", err)
				}
			}
			for _, path := range []string{out, identityPath} {
				if path == "" || force {
					continue
				}
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}

			result := keygenResult{ServerName: server.String(), Path: out}
			if identityPath != "" {
				identity, err := signingkey.GenerateIdentity()
				if err != nil {
					return err
				}
				defer identity.Close()
				if err := writeIdentity(identityPath, identity); err != nil {
					return err
				}
				sealTo = append(sealTo, identity.Recipient)
				result.Identity = identityPath
			}

			key, err := signingkey.Generate(server, keyVersion)
			if err != nil {
				return err
			}
			defer key.Close()
			if err := signingkey.Save(out, key, sealTo); err != nil {
				return err
			}
			result.KeyID = key.KeyID().String()
			result.PublicKey = pdu.EncodeBase64(key.PublicKey())
			result.SealedTo = sealTo

			a.logger.Info("generated signing key", "server_name", server, "key_id", result.KeyID, "path", out)
			c := connection{json: outputJSON}
			return a.emit(&c, result, func(w io.Writer) error {
				fmt.Fprintf(w, "%s %s\n", result.KeyID, result.PublicKey)
				return nil
			})
		},
		Examples: []cli.Example{
			{
				Description: "Generate a plaintext key",
				Command:     "roomserver-admin keygen --server-name a.example --out /var/lib/roomserver/signing.key",
			},
			{
				Description: "Generate a key sealed to a new age identity",
				Command:     "roomserver-admin keygen --server-name a.example --out signing.key --identity signing.identity",
			},
		},
	}
}

// writeIdentity writes the age secret key with mode 0600 straight
// from its protected buffer.
func writeIdentity(path string, identity *signingkey.Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("writing identity %s: %w", path, err)
	}
	_, err = file.Write(identity.PrivateKey.Bytes())
	if err == nil {
		_, err = file.Write([]byte("\n"))
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("writing identity %s: %w", path, err)
	}
	return nil
}
