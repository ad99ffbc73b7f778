// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/olmstore/lib/megolm"
	"github.com/bureau-foundation/olmstore/lib/olm"
)

// Kind classifies a failure for callers and metrics.
type Kind int

const (
	// KindInternal is a store, codec or unexpected library failure.
	KindInternal Kind = iota
	// KindNotFound means the session id is not cached for the scope.
	KindNotFound
	// KindBadRequest means the input could not be parsed: bad base64,
	// malformed envelopes, malformed keys, invalid scope identifiers.
	KindBadRequest
	// KindProtocolViolation means the input parsed but the ratchet
	// rejected it: authentication failure, replay, a message too far
	// ahead, a one-time key that was never issued or already used.
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindProtocolViolation:
		return "protocol_violation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrSessionExists is returned by Insert when the id is already
	// cached.
	ErrSessionExists = errors.New("session already cached")
	// ErrUnreadableStore fails a load in which no stored session could
	// be opened.
	ErrUnreadableStore = errors.New("no stored session could be opened; check the pickle key")
)

// unreadableRow is a stored session that failed to open during a load.
type unreadableRow struct {
	sessionID string
	cause     error
}

// checkUnreadable refuses a load where rows failed to open and none
// succeeded. Deleting them would destroy every session on a key or
// codec mistake.
func checkUnreadable(opened int, corrupt []unreadableRow) error {
	if opened > 0 || len(corrupt) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d rows, first %s: %v",
		ErrUnreadableStore, len(corrupt), corrupt[0].sessionID, corrupt[0].cause)
}

// Error is the error type returned by every exported operation in this
// package. Use errors.As to inspect it, or the KindOf and IsKind
// helpers:
//
//	if e2ee.IsKind(err, e2ee.KindNotFound) { ... }
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "decrypt".
	Op string
	// SessionID is set when the failure concerns one session.
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("e2ee: %s %s: %s: %v", e.Op, e.SessionID, e.Kind, e.Err)
	}
	return fmt.Sprintf("e2ee: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindInternal if err does not wrap
// an *Error.
func KindOf(err error) Kind {
	var e2eeErr *Error
	if errors.As(err, &e2eeErr) {
		return e2eeErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err wraps an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e2eeErr *Error
	return errors.As(err, &e2eeErr) && e2eeErr.Kind == kind
}

func newError(kind Kind, op, sessionID string, err error) *Error {
	return &Error{Kind: kind, Op: op, SessionID: sessionID, Err: err}
}

func notFound(op, sessionID string) *Error {
	return newError(KindNotFound, op, sessionID, errors.New("session not cached"))
}

// cryptoError classifies an error returned by the olm or megolm
// packages.
func cryptoError(op, sessionID string, err error) *Error {
	return newError(cryptoKind(err), op, sessionID, err)
}

func cryptoKind(err error) Kind {
	switch {
	case olm.IsMalformed(err), megolm.IsMalformed(err):
		return KindBadRequest
	case errors.Is(err, olm.ErrDecryptFailed),
		errors.Is(err, olm.ErrHandshakeRejected),
		errors.Is(err, olm.ErrIdentityMismatch),
		errors.Is(err, olm.ErrSessionMismatch),
		errors.Is(err, megolm.ErrBadSignature),
		errors.Is(err, megolm.ErrVerificationFailed),
		errors.Is(err, megolm.ErrUnknownMessageIndex):
		return KindProtocolViolation
	default:
		return KindInternal
	}
}
