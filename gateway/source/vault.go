// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package source

import (
	"encoding/hex"

	"github.com/gtank/cryptopasta"
)

// Vault encrypts and decrypts source credentials with a single long-lived
// symmetric key. Ciphertext is what gets persisted; plaintext DSNs exist
// only in process memory while a pool opens.
type Vault struct {
	key [32]byte
}

// NewVault parses the hex-encoded 32-byte encryption key.
func NewVault(hexKey string) (*Vault, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, Error.New("encryption key is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, Error.New("encryption key must be 32 bytes, got %d", len(raw))
	}
	vault := &Vault{}
	copy(vault.key[:], raw)
	return vault, nil
}

// Encrypt seals the plaintext with AES-256-GCM.
func (vault *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	ciphertext, err := cryptopasta.Encrypt(plaintext, &vault.key)
	return ciphertext, Error.Wrap(err)
}

// Decrypt opens a ciphertext produced by Encrypt.
func (vault *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	plaintext, err := cryptopasta.Decrypt(ciphertext, &vault.key)
	if err != nil {
		return nil, Error.New("credential decryption failed: %w", err)
	}
	return plaintext, nil
}
