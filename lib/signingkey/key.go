// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signingkey manages the server's ed25519 signing key.
//
// The key file uses the one-line format homeservers share:
//
//	ed25519 <version> <unpadded base64 seed>
//
// The file may instead hold that line sealed with age to one or more
// X25519 recipients. [Load] detects the age header and unseals with the
// identity it is given, so the plaintext seed never touches the disk.
//
// The seed lives in a [secret.Buffer] for the life of the [Key]. Each
// signature expands it into a short-lived heap key that is zeroed
// after use; crypto/ed25519 must never see the mmap'd region, since it
// takes weak pointers to the keys it is given. Call Close when done.
package signingkey

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/secret"
)

// Algorithm is the only key algorithm this package produces.
const Algorithm = "ed25519"

// Key is a server signing key. It implements [pdu.Signer].
type Key struct {
	server  ref.ServerName
	keyID   ref.KeyID
	seed    *secret.Buffer
	public  ed25519.PublicKey
}

var _ pdu.Signer = (*Key)(nil)

// Generate creates a key for server under "ed25519:<version>".
func Generate(server ref.ServerName, version string) (*Key, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("signingkey: generating seed: %w", err)
	}
	defer secret.Zero(seed)
	return FromSeed(server, version, seed)
}

// FromSeed builds a key from a 32-byte seed. The seed is not retained.
func FromSeed(server ref.ServerName, version string, seed []byte) (*Key, error) {
	if server.IsZero() {
		return nil, errors.New("signingkey: server name is required")
	}
	keyID, err := ref.ParseKeyID(Algorithm + ":" + version)
	if err != nil {
		return nil, fmt.Errorf("signingkey: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signingkey: seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	expanded := ed25519.NewKeyFromSeed(seed)
	defer secret.Zero(expanded)
	public := bytes.Clone(expanded[ed25519.SeedSize:])
	protected, err := secret.NewFromBytes(seed)
	if err != nil {
		return nil, fmt.Errorf("signingkey: protecting seed: %w", err)
	}
	return &Key{server: server, keyID: keyID, seed: protected, public: public}, nil
}

// ServerName returns the server the key signs for.
func (k *Key) ServerName() ref.ServerName { return k.server }

// KeyID returns the key's ID, e.g. "ed25519:a_1".
func (k *Key) KeyID() ref.KeyID { return k.keyID }

// PublicKey returns the verify key.
func (k *Key) PublicKey() ed25519.PublicKey { return k.public }

// Sign signs message with the private key.
func (k *Key) Sign(message []byte) []byte {
	seed := bytes.Clone(k.seed.Bytes())
	defer secret.Zero(seed)
	private := ed25519.NewKeyFromSeed(seed)
	defer secret.Zero(private)
	return ed25519.Sign(private, message)
}

// Close zeroes and releases the seed. Idempotent.
func (k *Key) Close() error {
	return k.seed.Close()
}

// Encode returns the key file line. The returned slice holds the seed
// in plaintext; callers zero it after writing.
func (k *Key) Encode() []byte {
	seed := bytes.Clone(k.seed.Bytes())
	defer secret.Zero(seed)
	_, version, _ := strings.Cut(k.keyID.String(), ":")
	return fmt.Appendf(nil, "%s %s %s\n", Algorithm, version, pdu.EncodeBase64(seed))
}

// Decode parses a key file line for server.
func Decode(server ref.ServerName, data []byte) (*Key, error) {
	fields := strings.Fields(string(data))
	if len(fields) != 3 {
		return nil, fmt.Errorf("signingkey: want \"%s <version> <seed>\", got %d fields", Algorithm, len(fields))
	}
	if fields[0] != Algorithm {
		return nil, fmt.Errorf("signingkey: unsupported algorithm %q", fields[0])
	}
	seed, err := pdu.DecodeBase64(fields[2])
	if err != nil {
		return nil, fmt.Errorf("signingkey: decoding seed: %w", err)
	}
	defer secret.Zero(seed)
	return FromSeed(server, fields[1], seed)
}

// Save writes key to path with mode 0600. With recipients (age1...
// public keys) the line is sealed to them; without, it is written in
// plaintext. The directory is created if needed.
func Save(path string, key *Key, recipients []string) error {
	line := key.Encode()
	defer secret.Zero(line)

	data := line
	if len(recipients) > 0 {
		sealed, err := seal(line, recipients)
		if err != nil {
			return fmt.Errorf("signingkey: sealing %s: %w", path, err)
		}
		data = sealed
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("signingkey: creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("signingkey: writing %s: %w", path, err)
	}
	return nil
}

// Load reads the key at path for server. A sealed file needs identity,
// an age secret key (AGE-SECRET-KEY-1...); identity is borrowed and
// not closed.
func Load(path string, server ref.ServerName, identity *secret.Buffer) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signingkey: reading %s: %w", path, err)
	}
	defer secret.Zero(data)

	if !isSealed(data) {
		key, err := Decode(server, data)
		if err != nil {
			return nil, fmt.Errorf("%w (in %s)", err, path)
		}
		return key, nil
	}
	if identity == nil {
		return nil, fmt.Errorf("signingkey: %s is sealed and no age identity was given", path)
	}
	line, err := unseal(data, identity)
	if err != nil {
		return nil, fmt.Errorf("signingkey: unsealing %s: %w", path, err)
	}
	defer line.Close()
	key, err := Decode(server, line.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w (in %s)", err, path)
	}
	return key, nil
}

// LoadOrGenerate loads the key at path, or generates one under
// version and saves it there when the file does not exist. Returns
// true when a new key was generated.
func LoadOrGenerate(path string, server ref.ServerName, version string, identity *secret.Buffer, recipients []string) (*Key, bool, error) {
	key, err := Load(path, server, identity)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	key, err = Generate(server, version)
	if err != nil {
		return nil, false, err
	}
	if err := Save(path, key, recipients); err != nil {
		key.Close()
		return nil, false, err
	}
	return key, true, nil
}
