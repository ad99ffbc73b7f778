// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schedule runs named background jobs at fixed intervals.
//
// olmstore serve uses it for the expiry reaper and, in periodic
// persistence mode, for flushing dirty sessions. Each job gets its own
// goroutine and its own [clock.Ticker], so a slow flush never delays
// a reaper sweep. Runs of one job never overlap; ticks that arrive
// while a run is in progress are dropped, as with time.Ticker.
//
// A failed run is logged and the job stays scheduled. Jobs receive the
// context passed to [Scheduler.Run] and should return promptly once
// it is cancelled.
package schedule
