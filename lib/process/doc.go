// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the olmstore binary.
// They cover the raw I/O that happens before the structured logger
// exists: reporting a fatal error to stderr and choosing the exit
// code.
package process
