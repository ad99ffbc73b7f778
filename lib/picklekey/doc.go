// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package picklekey provisions the per-deployment symmetric key that
// encrypts session pickles at rest.
//
// A [Key] is 32 bytes held outside the Go heap: an anonymous mmap
// region locked into RAM (mlock), excluded from core dumps
// (MADV_DONTDUMP), and zeroed on Close. Keys that are all zero or the
// wrong length are rejected everywhere a key enters the process, so a
// deployment cannot silently run with a placeholder key.
//
// Keys come from one of two file formats:
//
//   - a plain file holding the key in standard base64 ([LoadFile]),
//     written by [WriteFile] with mode 0600;
//   - an age-encrypted, ASCII-armored file ([LoadSealed]) decrypted with
//     an X25519 identity, written by [Seal]. Use this when the key file
//     lives on shared storage or in configuration management.
//
// `olmstore keygen` produces either format.
package picklekey
