// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration used by olmstore.
//
// Two things are CBOR-encoded:
//
//   - pickles: the plaintext form of Olm and Megolm ratchet state
//     before lib/sessioncodec compresses and seals it for storage.
//   - wire framing: the body of Olm pre-key/normal messages and
//     Megolm group messages, after the one-byte version prefix.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2) so
// the same state always yields the same bytes. Framing structs use
// integer keys (`cbor:"1,keyasint"`) to keep envelopes small; pickle
// structs use short string keys so a decoded pickle is readable in
// diagnostic notation.
package codec
