// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package megolm wraps the goolm Megolm implementation from mautrix-go
// for Matrix room encryption.
//
// A sender creates an [OutboundGroupSession] per room and shares its
// signed session key with every recipient device over Olm. Recipients
// build an [InboundGroupSession] from that key and can then decrypt any
// message whose index is at or after the index the key was shared at.
//
// Keys and messages use the libolm encodings. [MessageIndex] reads the
// index a message claims without verifying it, so callers can reject
// messages before the first known index with [ErrUnknownMessageIndex]
// rather than an opaque verification failure.
//
// The session id is the unpadded base64 Ed25519 public key and is the
// same for the sender and all recipients.
package megolm
