package types

import "errors"

// ErrorKind is the closed error taxonomy from spec.md §7. Every
// user-facing failure surface (HTTP API, MCP) converts to one of
// these before rendering a stable, machine-readable tag.
type ErrorKind string

const (
	KindInvalidInput    ErrorKind = "invalid_input"
	KindAlreadyBatched  ErrorKind = "already_batched"
	KindNotFound        ErrorKind = "not_found"
	KindLauncherFailure ErrorKind = "launcher_failure"
	KindStoreFailure    ErrorKind = "store_failure"
	KindNetworkFailure  ErrorKind = "network_failure"
	KindCancelled       ErrorKind = "cancelled"
	KindTimeout         ErrorKind = "timeout"
)

// Error wraps an inner error with a stable Kind tag, per spec.md §7's
// closed error-kind union.
type Error struct {
	kind  ErrorKind
	Inner error
}

func (e *Error) Error() string {
	if e.Inner == nil {
		return string(e.kind)
	}
	return string(e.kind) + ": " + e.Inner.Error()
}

func (e *Error) Unwrap() error { return e.Inner }

// Kind reports the error's stable taxonomy tag.
func (e *Error) Kind() ErrorKind { return e.kind }

// NewError tags inner with kind, or returns nil if inner is nil.
func NewError(kind ErrorKind, inner error) error {
	if inner == nil {
		return nil
	}
	return &Error{kind: kind, Inner: inner}
}

// KindOf extracts the Kind tag from err, defaulting to StoreFailure
// for untagged errors (internal/unexpected failures surface as
// store failures rather than a made-up "unknown" kind).
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindStoreFailure
}
