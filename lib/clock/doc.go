// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for session
// bookkeeping and scheduled sweeps.
//
// Session caches stamp created_at and last_used_at, compute expires_at
// from an idle lifetime, and compare rows against "now" when loading
// and reaping. The scheduler ticks the reaper and the periodic flusher.
// All of that reads time through [Clock] so tests can freeze it with
// [Fake] and move it with [FakeClock.Advance].
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go scheduler.Run(ctx)
//	c.WaitForTickers(1)
//	c.Advance(time.Hour) // fires the reaper tick deterministically
package clock
