// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for olmstore.
//
// Configuration is loaded from a single file specified by either the
// OLMSTORE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. Files ending in .json or .jsonc may carry comments and
// trailing commas; everything else is read as YAML.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Without a production section the
// SQLite store runs with synchronous=full in production.
//
// Variable expansion is performed on path fields and the Postgres DSN
// after loading: ${HOME}, ${OLMSTORE_ROOT}, and ${VAR:-default}
// patterns are expanded. No other environment variables override
// config values.
//
// sessions.persistence has no default in any environment: a deployment
// states whether sessions are flushed manually, after every mutation,
// or on a timer. [Config.Validate] reports every problem at once.
package config
