// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signingkey

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/bureau-foundation/roomserver/lib/secret"
)

// ageHeader starts every binary age file.
var ageHeader = []byte("age-encryption.org/v1\n")

func isSealed(data []byte) bool {
	return bytes.HasPrefix(data, ageHeader)
}

// Identity is an age X25519 identity for sealing key files. The secret
// half is kept in a secret.Buffer.
type Identity struct {
	// PrivateKey is the AGE-SECRET-KEY-1... string. Never log it.
	PrivateKey *secret.Buffer

	// Recipient is the age1... public key to seal to.
	Recipient string
}

// Close releases the private key memory.
func (i *Identity) Close() error {
	if i.PrivateKey != nil {
		return i.PrivateKey.Close()
	}
	return nil
}

// GenerateIdentity creates a fresh age identity.
func GenerateIdentity() (*Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("signingkey: generating age identity: %w", err)
	}
	// identity.String() leaves a heap copy behind; the buffer is the
	// durable one.
	private, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("signingkey: protecting age identity: %w", err)
	}
	return &Identity{PrivateKey: private, Recipient: identity.Recipient().String()}, nil
}

// ParseRecipient validates an age1... public key.
func ParseRecipient(recipient string) error {
	if _, err := age.ParseX25519Recipient(recipient); err != nil {
		return fmt.Errorf("signingkey: invalid age recipient: %w", err)
	}
	return nil
}

func seal(plaintext []byte, recipientKeys []string) ([]byte, error) {
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return sealed.Bytes(), nil
}

func unseal(ciphertext []byte, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, err
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading unsealed key: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed key file is empty")
	}
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting unsealed key: %w", err)
	}
	return buffer, nil
}
