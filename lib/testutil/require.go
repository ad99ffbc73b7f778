// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"sync"
	"time"
)

// TB is the part of testing.TB the helpers use.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value sent on ch. It fails t when ch
// is closed first or nothing arrives within wait.
//
//	flushed := testutil.RequireReceive(t, flushes, 5*time.Second, "first flush")
func RequireReceive[T any](t TB, ch <-chan T, wait time.Duration, what string) T {
	t.Helper()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed before a value arrived", what)
		}
		return v
	case <-timer.C:
		t.Fatalf("%s: nothing received after %v", what, wait)
	}
	panic("unreachable")
}

// RequireClosed fails t unless ch is closed within wait. A value sent
// on ch instead of a close is also a failure.
func RequireClosed(t TB, ch <-chan struct{}, wait time.Duration, what string) {
	t.Helper()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("%s: received a value, want the channel closed", what)
		}
	case <-timer.C:
		t.Fatalf("%s: still open after %v", what, wait)
	}
}

// Parallel runs fn(0) through fn(n-1) on their own goroutines and
// returns a channel that is closed once every call has returned.
func Parallel(n int, fn func(i int)) <-chan struct{} {
	var group sync.WaitGroup
	group.Add(n)
	for i := range n {
		go func() {
			defer group.Done()
			fn(i)
		}()
	}
	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	return done
}
