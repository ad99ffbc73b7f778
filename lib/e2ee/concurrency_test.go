// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/olmstore/lib/olm"
	"github.com/bureau-foundation/olmstore/lib/testutil"
)

// TestConcurrentEncryptAdvancesOnce encrypts on one session from many
// goroutines while readers and a flusher share the cache. Every
// message must take its own chain index and the peer must decrypt all
// of them.
func TestConcurrentEncryptAdvancesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := newDevice(t, env, aliceUser, aliceDevice, PersistManual)
	bob := newDevice(t, env, bobUser, bobDevice, PersistManual)
	aliceSession, bobSession := connect(t, alice, bob)

	// After bob's reply alice sends normal messages on a fresh chain,
	// so chain indexes start at zero.
	mustDecrypt(t, alice.cache, aliceSession, mustEncrypt(t, bob.cache, bobSession, "ready"), "ready")
	before, _ := alice.cache.Get(aliceSession)

	const senders = 50
	messages := make([]EncryptedMessage, senders)
	errs := make([]error, senders)

	stop := make(chan struct{})
	readers := testutil.Parallel(4, func(reader int) {
		for {
			select {
			case <-stop:
				return
			default:
			}
			switch reader {
			case 0:
				if _, ok := alice.cache.Get(aliceSession); !ok {
					t.Errorf("Get lost session %s", aliceSession)
					return
				}
			case 1:
				if got, ok := alice.cache.GetBySender(bob.identityKey()); !ok || got != aliceSession {
					t.Errorf("GetBySender = %q, %v, want %s", got, ok, aliceSession)
					return
				}
			case 2:
				if ids := alice.cache.ListIDs(); len(ids) != 1 || alice.cache.Count() != 1 {
					t.Errorf("ListIDs = %v", ids)
					return
				}
			case 3:
				if _, err := alice.cache.Persist(ctx); err != nil {
					t.Errorf("Persist: %v", err)
					return
				}
			}
		}
	})
	sendersDone := testutil.Parallel(senders, func(i int) {
		messages[i], errs[i] = alice.cache.Encrypt(ctx, aliceSession, fmt.Appendf(nil, "message %d", i))
	})
	testutil.RequireClosed(t, sendersDone, 30*time.Second, "concurrent encrypts")
	close(stop)
	testutil.RequireClosed(t, readers, 30*time.Second, "readers")

	type sent struct {
		index     uint32
		message   EncryptedMessage
		plaintext string
	}
	ordered := make([]sent, 0, senders)
	for i, message := range messages {
		if errs[i] != nil {
			t.Fatalf("Encrypt %d: %v", i, errs[i])
		}
		if message.MessageType != olm.MessageTypeNormal {
			t.Fatalf("message %d type = %s, want normal", i, message.MessageType)
		}
		raw, err := olm.DecodeBase64(message.Ciphertext)
		if err != nil {
			t.Fatalf("DecodeBase64: %v", err)
		}
		parsed, err := olm.ParseMessage(message.MessageType, raw)
		if err != nil {
			t.Fatalf("ParseMessage: %v", err)
		}
		ordered = append(ordered, sent{
			index:     parsed.(*olm.NormalMessage).ChainIndex(),
			message:   message,
			plaintext: fmt.Sprintf("message %d", i),
		})
	}
	slices.SortFunc(ordered, func(a, b sent) int { return int(a.index) - int(b.index) })
	for i, entry := range ordered {
		if entry.index != uint32(i) {
			t.Fatalf("chain indexes = %d at position %d; an index was reused or skipped", entry.index, i)
		}
	}

	after, _ := alice.cache.Get(aliceSession)
	if after.MessageIndex != before.MessageIndex+senders {
		t.Errorf("MessageIndex = %d, want %d", after.MessageIndex, before.MessageIndex+senders)
	}
	for _, entry := range ordered {
		mustDecrypt(t, bob.cache, bobSession, entry.message, entry.plaintext)
	}
}
