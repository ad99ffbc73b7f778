// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2ee manages the lifecycle of end-to-end encryption sessions
// for the devices a homeserver hosts keys for.
//
// Each (user, device) scope owns a [SessionCache] of Olm sessions and a
// [GroupSessionCache] of Megolm sessions. A cache is the only holder of
// its sessions' ratchet state: every operation that advances a ratchet
// (handshake, encrypt, decrypt) runs under the cache's exclusive lock,
// so two operations can never advance the same session concurrently.
// Read-only lookups share the lock.
//
// Ratchet state reaches the database only through an explicit flush.
// Operations mark the entries they touch dirty; [SessionCache.Persist]
// seals every dirty entry with a [sessioncodec.Codec] and writes the
// batch in one transaction. How often that happens is a named
// [PersistMode]:
//
//   - [PersistManual]: the caller decides. A crash between an
//     operation and the next Persist loses that ratchet step, and the
//     peer sees the session revert.
//   - [PersistPerMutation]: each operation flushes the entries it
//     changed before returning, while still holding the lock.
//   - [PersistPeriodic]: like manual inside the cache; the owner of
//     the [Manager] schedules [Manager.PersistAll].
//
// Decryption commits ratchet state only after the message
// authenticates, and a context is consulted only before the ratchet
// runs. Once a decrypt starts it completes and returns the plaintext.
// A caller that loses that plaintext anyway (for example because its
// own request was abandoned) can roll the session back to the last
// flushed state with [SessionCache.Restore].
//
// Sessions are olm and megolm objects whose pickles, encrypted with
// [sessioncodec.Codec.PickleKey], are sealed again by the codec before
// they are stored. Loading deletes a row that fails to open only when
// the rest of the scope opens: a row sealed under another pickle key,
// or a scope where no row opens at all, fails the load with
// KindInternal and leaves the store alone.
//
// Expired rows are swept by [Manager.Reap]: it deletes them from the
// store and then evicts clean cached entries whose rows are gone, with
// one batched liveness query per scope. Dirty entries are kept because
// they were used after their row's expiry was computed; the next
// flush writes them back with a fresh expiry.
package e2ee
