// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessioncodec seals session pickles for storage at rest and
// opens them again.
//
// A sealed blob is:
//
//	[version 0x02] [compression 1 byte] [key id 8 bytes] [nonce 24 bytes] [ciphertext+tag]
//
// The plaintext under the AEAD is a uvarint uncompressed length
// followed by the (optionally compressed) pickle, which is itself the
// goolm pickle encrypted under [Codec.PickleKey]. Each session kind
// (Olm, Megolm outbound, Megolm inbound) is encrypted under its own
// key, derived from the deployment's pickle key with HKDF-SHA256. The
// header, kind, and session id are bound as additional authenticated
// data, so a blob copied onto another row fails to open.
//
// The key id is the pickle key's fingerprint. Open reports a blob
// sealed under another key as [ErrWrongKey] rather than [ErrCorrupt],
// so callers can refuse to start instead of discarding sessions that
// are intact.
//
// Compression runs before encryption. A pickle that does not shrink
// is stored uncompressed and tagged as such.
package sessioncodec
