// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the wait helpers shared by olmstore tests.
//
// Tests drive time with clock.Fake. Real time appears only here, as an
// upper bound on how long a test blocks on another goroutine before
// failing instead of hanging: [RequireReceive] for a value,
// [RequireClosed] for a done channel, and [Parallel] to start a batch
// of goroutines whose completion is awaited with RequireClosed.
package testutil
