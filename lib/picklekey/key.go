// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package picklekey

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/zeebo/blake3"
)

// Size is the key length in bytes.
const Size = 32

var (
	// ErrZeroKey rejects the all-zero placeholder key.
	ErrZeroKey = errors.New("picklekey: key is all zero")
	// ErrKeySize rejects key material of the wrong length.
	ErrKeySize = fmt.Errorf("picklekey: key must be %d bytes", Size)
)

// Key is a pickle encryption key in locked memory. A Key must not be
// copied. Reading a closed Key panics.
type Key struct {
	mu     sync.Mutex
	memory lockedMemory
	closed bool
}

// Generate returns a fresh random key.
func Generate() (*Key, error) {
	raw := make([]byte, Size)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("picklekey: generating key: %w", err)
	}
	return FromBytes(raw)
}

// FromBytes moves raw into a new Key. raw is zeroed whether or not the
// call succeeds.
func FromBytes(raw []byte) (*Key, error) {
	defer zero(raw)
	if len(raw) != Size {
		return nil, fmt.Errorf("%w, got %d", ErrKeySize, len(raw))
	}
	if subtle.ConstantTimeCompare(raw, make([]byte, Size)) == 1 {
		return nil, ErrZeroKey
	}
	memory, err := allocate(Size)
	if err != nil {
		return nil, err
	}
	copy(memory, raw)
	return &Key{memory: memory}, nil
}

// Parse decodes a standard base64 key, padded or not.
func Parse(encoded []byte) (*Key, error) {
	trimmed := bytes.TrimRight(bytes.TrimSpace(encoded), "=")
	raw := make([]byte, base64.RawStdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.RawStdEncoding.Decode(raw, trimmed)
	if err != nil {
		zero(raw)
		return nil, fmt.Errorf("picklekey: decoding base64 key: %w", err)
	}
	return FromBytes(raw[:n])
}

// LoadFile reads a base64 key file.
func LoadFile(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("picklekey: reading key file: %w", err)
	}
	defer zero(data)
	key, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// WriteFile writes the key as base64 to path with mode 0600. It fails
// if path already exists so an existing key is never overwritten.
func WriteFile(path string, key *Key) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("picklekey: creating key file: %w", err)
	}
	encoded := key.encode()
	defer zero(encoded)
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		file.Close()
		return fmt.Errorf("picklekey: writing key file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("picklekey: closing key file: %w", err)
	}
	return nil
}

// Bytes returns the key. The slice points into locked memory; do not
// retain it past Close.
func (k *Key) Bytes() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		panic("picklekey: read from closed key")
	}
	return k.memory
}

func (k *Key) encode() []byte {
	raw := k.Bytes()
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out
}

// IDSize is the length of a key id.
const IDSize = 8

// ID identifies the key without revealing it: the first IDSize bytes
// of a domain-separated BLAKE3 hash. Sealed blobs carry it so a blob
// opened under a different key is told apart from a damaged one.
func (k *Key) ID() [IDSize]byte {
	hasher := blake3.New()
	hasher.Write([]byte("olmstore pickle key fingerprint\x00"))
	hasher.Write(k.Bytes())
	var id [IDSize]byte
	copy(id[:], hasher.Sum(nil))
	return id
}

// Fingerprint is the hex form of ID, for logs and the store's key
// binding.
func (k *Key) Fingerprint() string {
	id := k.ID()
	return hex.EncodeToString(id[:])
}

// Close zeroes and releases the key memory. Close is idempotent.
func (k *Key) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	err := k.memory.release()
	k.memory = nil
	return err
}
