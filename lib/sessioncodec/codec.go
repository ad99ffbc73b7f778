// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessioncodec

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/olmstore/lib/picklekey"
)

// BlobVersion is the first byte of every sealed blob.
const BlobVersion byte = 0x02

// headerSize covers version, compression, key id, and nonce.
const headerSize = 2 + picklekey.IDSize + chacha20poly1305.NonceSizeX

// Overhead is the fixed size added to a pickle: header and tag.
const Overhead = headerSize + chacha20poly1305.Overhead

// maxPickleSize bounds the recorded uncompressed size so a forged
// length cannot force a huge allocation.
const maxPickleSize = 1 << 20

var (
	// ErrCorrupt is returned by Open for every blob sealed under this
	// codec's key that cannot be turned back into a pickle: truncated,
	// wrong version, moved to another session id, tampered with, or
	// failing decompression.
	ErrCorrupt = errors.New("sessioncodec: corrupt sealed session")
	// ErrWrongKey is returned by Open for a blob sealed under a
	// different pickle key. It does not wrap ErrCorrupt: the blob may
	// be intact.
	ErrWrongKey = errors.New("sessioncodec: session sealed under a different pickle key")
)

// Kind separates the key and AAD domains of the session types.
type Kind uint8

const (
	KindOlm           Kind = 1
	KindGroupOutbound Kind = 2
	KindGroupInbound  Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindOlm:
		return "olm"
	case KindGroupOutbound:
		return "megolm_outbound"
	case KindGroupInbound:
		return "megolm_inbound"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

var kinds = []Kind{KindOlm, KindGroupOutbound, KindGroupInbound}

// Codec seals and opens pickles. Safe for concurrent use.
type Codec struct {
	compression Compression
	keyID       [picklekey.IDSize]byte
	fingerprint string
	keys        map[Kind]*picklekey.Key
	// library encrypts the goolm pickle inside the sealed blob.
	library *picklekey.Key
}

// New derives the per-kind keys from key. key is borrowed: the Codec
// keeps its own derived keys, and the caller may close key afterwards.
func New(key *picklekey.Key, compression Compression) (*Codec, error) {
	if key == nil {
		return nil, fmt.Errorf("sessioncodec: pickle key is required")
	}
	if compression > CompressionZstd {
		return nil, fmt.Errorf("sessioncodec: unsupported compression %d", compression)
	}
	codec := &Codec{
		compression: compression,
		keyID:       key.ID(),
		fingerprint: key.Fingerprint(),
		keys:        make(map[Kind]*picklekey.Key, len(kinds)),
	}
	for _, kind := range kinds {
		derived, err := deriveKey(key, "olmstore.pickle."+kind.String()+".v1")
		if err != nil {
			codec.Close()
			return nil, fmt.Errorf("sessioncodec: deriving %s key: %w", kind, err)
		}
		codec.keys[kind] = derived
	}
	library, err := deriveKey(key, "olmstore.pickle.library.v1")
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("sessioncodec: deriving library key: %w", err)
	}
	codec.library = library
	return codec, nil
}

func deriveKey(key *picklekey.Key, info string) (*picklekey.Key, error) {
	derived := make([]byte, picklekey.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key.Bytes(), nil, []byte(info)), derived); err != nil {
		return nil, err
	}
	return picklekey.FromBytes(derived)
}

// Compression returns the algorithm Seal applies.
func (c *Codec) Compression() Compression { return c.compression }

// Fingerprint identifies the pickle key the codec was built from.
func (c *Codec) Fingerprint() string { return c.fingerprint }

// PickleKey is the key session pickles are encrypted under before
// Seal. The slice points into locked memory; do not retain it past
// Close.
func (c *Codec) PickleKey() []byte { return c.library.Bytes() }

// Close releases the derived keys.
func (c *Codec) Close() error {
	var errs []error
	for kind, key := range c.keys {
		if err := key.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.keys, kind)
	}
	if c.library != nil {
		if err := c.library.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Seal encrypts a pickle for storage under sessionID.
func (c *Codec) Seal(kind Kind, sessionID string, pickle []byte) ([]byte, error) {
	key, ok := c.keys[kind]
	if !ok {
		return nil, fmt.Errorf("sessioncodec: unknown kind %s", kind)
	}
	if len(pickle) > maxPickleSize {
		return nil, fmt.Errorf("sessioncodec: pickle is %d bytes, limit is %d", len(pickle), maxPickleSize)
	}

	compression := c.compression
	body, err := compress(pickle, compression)
	if errors.Is(err, errIncompressible) {
		compression, body = CompressionNone, pickle
	} else if err != nil {
		return nil, fmt.Errorf("sessioncodec: %w", err)
	}

	plaintext := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen32+len(body)), uint64(len(pickle)))
	plaintext = append(plaintext, body...)

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sessioncodec: creating XChaCha20-Poly1305: %w", err)
	}
	output := make([]byte, headerSize, Overhead+len(plaintext))
	output[0] = BlobVersion
	output[1] = byte(compression)
	copy(output[2:], c.keyID[:])
	nonce := output[2+picklekey.IDSize:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("sessioncodec: generating nonce: %w", err)
	}
	return aead.Seal(output, nonce, plaintext, buildAAD(output[:2+picklekey.IDSize], kind, sessionID)), nil
}

// Open reverses Seal. A blob carrying another key's id fails with
// ErrWrongKey; every other failure wraps ErrCorrupt.
func (c *Codec) Open(kind Kind, sessionID string, blob []byte) ([]byte, error) {
	key, ok := c.keys[kind]
	if !ok {
		return nil, fmt.Errorf("sessioncodec: unknown kind %s", kind)
	}
	if len(blob) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes, minimum is %d", ErrCorrupt, len(blob), Overhead)
	}
	if blob[0] != BlobVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrCorrupt, blob[0], BlobVersion)
	}
	compression := Compression(blob[1])
	if !bytes.Equal(blob[2:2+picklekey.IDSize], c.keyID[:]) {
		return nil, fmt.Errorf("%w: blob key %x, codec key %s", ErrWrongKey, blob[2:2+picklekey.IDSize], c.fingerprint)
	}

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sessioncodec: creating XChaCha20-Poly1305: %w", err)
	}
	nonce := blob[2+picklekey.IDSize : headerSize]
	plaintext, err := aead.Open(nil, nonce, blob[headerSize:], buildAAD(blob[:2+picklekey.IDSize], kind, sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrCorrupt)
	}

	size, n := binary.Uvarint(plaintext)
	if n <= 0 || size > maxPickleSize {
		return nil, fmt.Errorf("%w: invalid recorded size", ErrCorrupt)
	}
	pickle, err := decompress(plaintext[n:], compression, int(size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return pickle, nil
}

// buildAAD binds the version, compression tag, key id, kind, and
// session id.
func buildAAD(header []byte, kind Kind, sessionID string) []byte {
	aad := make([]byte, 0, len(header)+1+len(sessionID))
	aad = append(aad, header...)
	aad = append(aad, byte(kind))
	return append(aad, sessionID...)
}
