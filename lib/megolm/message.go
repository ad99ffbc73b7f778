// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package megolm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

const (
	messageVersion byte = 0x03
	macSize             = 8
	signatureSize       = 64
)

// Field tags of the libolm group message encoding.
const (
	tagIndex      = 0x08
	tagCiphertext = 0x12
)

// Session key layouts: version, index, 128-byte ratchet, 32-byte
// Ed25519 key, and for the shared form a 64-byte signature.
const (
	sessionKeyVersion  byte = 0x02
	exportedKeyVersion byte = 0x01
	exportedKeySize         = 1 + 4 + 128 + 32
	sessionKeySize          = exportedKeySize + signatureSize
)

// MessageIndex returns the ratchet index a base64 group message claims
// and checks its framing. The signature is not verified.
func MessageIndex(ciphertext string) (uint32, error) {
	data, err := decodeBase64(ciphertext)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return parseMessage(data)
}

func parseMessage(data []byte) (uint32, error) {
	if len(data) < 1+macSize+signatureSize {
		return 0, fmt.Errorf("%w: %d bytes is too short", ErrBadMessage, len(data))
	}
	if data[0] != messageVersion {
		return 0, fmt.Errorf("%w: version %d, want %d", ErrBadMessage, data[0], messageVersion)
	}
	body := data[1 : len(data)-macSize-signatureSize]
	var (
		index          uint64
		haveIndex      bool
		haveCiphertext bool
	)
	for len(body) > 0 {
		tag := body[0]
		body = body[1:]
		switch tag {
		case tagIndex:
			value, n := binary.Uvarint(body)
			if n <= 0 || value > math.MaxUint32 {
				return 0, fmt.Errorf("%w: bad message index", ErrBadMessage)
			}
			index, haveIndex = value, true
			body = body[n:]
		case tagCiphertext:
			length, n := binary.Uvarint(body)
			if n <= 0 || length == 0 || length > uint64(len(body)-n) {
				return 0, fmt.Errorf("%w: bad ciphertext length", ErrBadMessage)
			}
			haveCiphertext = true
			body = body[n+int(length):]
		default:
			return 0, fmt.Errorf("%w: unexpected tag %#x", ErrBadMessage, tag)
		}
	}
	if !haveIndex || !haveCiphertext {
		return 0, fmt.Errorf("%w: missing index or ciphertext", ErrBadMessage)
	}
	return uint32(index), nil
}

// decodeSessionKey checks the length and version of a base64 shared or
// exported key and returns it re-encoded without padding.
func decodeSessionKey(encoded string, version byte, size int) ([]byte, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}
	if len(raw) != size || raw[0] != version {
		return nil, fmt.Errorf("%w: not a version %d key of %d bytes", ErrBadSessionKey, version, size)
	}
	return []byte(base64.RawStdEncoding.EncodeToString(raw)), nil
}

func decodeBase64(encoded string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
}
