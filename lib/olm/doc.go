// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package olm wraps the goolm Olm implementation from mautrix-go with
// the typed surface lib/e2ee works against.
//
// An [Account] holds a device's long-term keys and its one-time key
// pool. A [Session] is established in one of two ways:
//
//   - [NewOutboundSession]: the initiator claims one of the peer's
//     published one-time keys. Until it receives a reply, every message
//     it sends is a [PreKeyMessage] carrying the handshake keys.
//   - [NewInboundSession]: the responder answers a received
//     [PreKeyMessage], decrypts its payload, and consumes the one-time
//     key from its account.
//
// Envelopes use the libolm wire encoding, so sessions interoperate with
// any libolm or vodozemac peer. Messages are a tagged union: [Message]
// is implemented only by [*PreKeyMessage] and [*NormalMessage], and
// [ParseMessage] is the only way to build one from a wire (type, bytes)
// pair.
//
// Decrypt is atomic: a rejected message leaves the session exactly as
// it was.
//
// A Session is not safe for concurrent use. Callers serialize access;
// lib/e2ee holds an exclusive lock around every Encrypt and Decrypt.
//
// [Session.Pickle] produces the libolm pickle encrypted under the
// caller's pickle key. Sealing it for storage is the caller's job
// (lib/sessioncodec).
package olm
