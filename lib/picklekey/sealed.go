// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package picklekey

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Seal encrypts key to one or more age X25519 recipients (age1...) and
// returns the ASCII-armored ciphertext.
func Seal(key *Key, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("picklekey: at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, encoded := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(encoded)
		if err != nil {
			return nil, fmt.Errorf("picklekey: parsing recipient %q: %w", encoded, err)
		}
		recipients = append(recipients, recipient)
	}

	var sealed bytes.Buffer
	armored := armor.NewWriter(&sealed)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("picklekey: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(key.Bytes()); err != nil {
		return nil, fmt.Errorf("picklekey: encrypting key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("picklekey: finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("picklekey: finalizing armor: %w", err)
	}
	return sealed.Bytes(), nil
}

// LoadSealed decrypts an armored age file produced by Seal, using the
// X25519 identity (AGE-SECRET-KEY-1...) stored in identityPath. The
// identity file may hold several identities and comment lines, as
// written by age-keygen.
func LoadSealed(path, identityPath string) (*Key, error) {
	identityFile, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("picklekey: opening identity file: %w", err)
	}
	identities, err := age.ParseIdentities(identityFile)
	identityFile.Close()
	if err != nil {
		return nil, fmt.Errorf("picklekey: parsing identity file %s: %w", identityPath, err)
	}

	sealed, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("picklekey: opening sealed key: %w", err)
	}
	defer sealed.Close()

	reader, err := age.Decrypt(armor.NewReader(sealed), identities...)
	if err != nil {
		return nil, fmt.Errorf("picklekey: decrypting %s: %w", path, err)
	}
	// One byte past Size distinguishes an exact-length key from a longer
	// payload.
	raw := make([]byte, Size+1)
	n, err := io.ReadFull(reader, raw)
	if err != nil && err != io.ErrUnexpectedEOF {
		zero(raw)
		return nil, fmt.Errorf("picklekey: reading %s: %w", path, err)
	}
	return FromBytes(raw[:n])
}
