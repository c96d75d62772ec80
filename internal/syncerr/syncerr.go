// Package syncerr defines the error taxonomy shared by the sync server and
// the client engine. Every failure crossing a package boundary is classified
// into exactly one Kind so transports and handlers can map it to a status
// without string matching.
package syncerr

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"
)

// Kind is the taxonomy class of an error.
type Kind string

const (
	// Validation covers malformed inputs, out-of-range sequences and bad ids.
	Validation Kind = "validation"
	// Unauthenticated covers missing or expired sessions.
	Unauthenticated Kind = "unauthenticated"
	// Forbidden covers authenticated identities denied for a store or scope.
	Forbidden Kind = "forbidden"
	// Conflict covers optimistic-concurrency and dependency-staleness failures.
	Conflict Kind = "conflict"
	// Protocol covers invariant breaches detected at a boundary. Fatal for the
	// request; never retried with the same input.
	Protocol Kind = "protocol"
	// Transport covers timeouts and broken connections. Retryable with backoff.
	Transport Kind = "transport"
	// Internal covers storage failures. Retryable once when transient.
	Internal Kind = "internal"
)

// Reason names a concrete conflict on the wire.
type Reason string

const (
	ReasonServerAhead     Reason = "server_ahead"
	ReasonServerBehind    Reason = "server_behind"
	ReasonStaleScopeState Reason = "stale_scope_state"
	ReasonStaleGrant      Reason = "stale_grant"
	ReasonMissingDeps     Reason = "missing_deps"
	ReasonChainMismatch   Reason = "chain_mismatch"
)

// Error is the classified error type carried across package boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a format string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the taxonomy class, defaulting to Internal for
// unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var hm *HeadMismatch
	if errors.As(err, &hm) {
		return Conflict
	}
	var cv *ChainViolation
	if errors.As(err, &cv) {
		return Conflict
	}
	return Internal
}

// HeadMismatch reports an optimistic-concurrency failure on an append.
// Current is the committed head the caller raced against.
type HeadMismatch struct {
	Current  uint64
	Expected uint64
}

func (e *HeadMismatch) Error() string {
	return fmt.Sprintf("head mismatch: current=%d expected=%d", e.Current, e.Expected)
}

// Reason maps the mismatch onto the wire reason. The server being ahead is
// recoverable by catching up; the server being behind is not.
func (e *HeadMismatch) Reason() Reason {
	if e.Current > e.Expected {
		return ReasonServerAhead
	}
	return ReasonServerBehind
}

// ChainViolation reports a broken hash chain on a sharing stream append.
type ChainViolation struct {
	Stream string
	Seq    uint64
	Msg    string
}

func (e *ChainViolation) Error() string {
	return fmt.Sprintf("hash chain violation on %s at seq %d: %s", e.Stream, e.Seq, e.Msg)
}

// HTTPStatus maps an error's kind onto the response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case Protocol:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Code is the stable engine-facing code attached to sync status updates.
func Code(err error) string {
	switch KindOf(err) {
	case Transport:
		return "network"
	case Conflict:
		return "conflict"
	case Protocol:
		return "protocol"
	case Unauthenticated, Forbidden:
		return "auth"
	default:
		return "server"
	}
}

// Transient reports whether a storage error is worth one retry. Postgres
// serialization failures and deadlocks (class 40) qualify, as do dropped
// driver connections.
func Transient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "40"
	}
	return errors.Is(err, driver.ErrBadConn)
}

// UniqueViolation reports whether err is a Postgres duplicate-key failure.
func UniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
