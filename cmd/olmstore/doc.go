// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Olmstore administers a persistent Olm/Megolm session store.
//
// Usage:
//
//	olmstore [--config path] [--log-level level] <command> [flags]
//
// Commands:
//
//   - keygen writes a new pickle key, either as base64 to --out or
//     sealed to one or more age recipients (--recipient age1...).
//   - serve runs the expiry reaper, the periodic flush (when
//     sessions.persistence is periodic), and the Prometheus endpoint
//     on metrics.listen until SIGINT or SIGTERM.
//   - reap deletes expired session rows once and exits.
//   - stats prints stored row counts per kind.
//
// Every command except keygen reads the configuration named by
// --config or OLMSTORE_CONFIG; see lib/config. Logs are JSON on stderr
// unless stderr is a terminal.
package main
