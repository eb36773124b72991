package vault

import (
	"errors"
	"fmt"

	"github.com/fusevault/fusevault/apikey"
	"github.com/fusevault/fusevault/chain"
	"github.com/fusevault/fusevault/ipfs"
	"github.com/fusevault/fusevault/pending"
	"github.com/fusevault/fusevault/ratelimit"
	"github.com/fusevault/fusevault/store"
)

// Kind classifies orchestration failures for the HTTP adapter. Integrity
// failures are deliberately absent: a failed verification is data on the
// retrieval result, never an error.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindRateLimited  Kind = "rate_limited"
	KindUnavailable  Kind = "dependency_unavailable"
	KindInternal     Kind = "internal"
)

// Error is the tagged failure every orchestrator returns.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("vault: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// errf builds a tagged error with a formatted message.
func errf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// classify maps a dependency error to a tagged one, preserving the cause.
func classify(err error, msg string) *Error {
	return &Error{Kind: KindOf(err), Message: msg, Err: err}
}

// KindOf derives the taxonomy kind from an arbitrary error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, pending.ErrNotFound),
		errors.Is(err, chain.ErrTxNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrConcurrentUpdate):
		return KindConflict
	case errors.Is(err, apikey.ErrRateLimited),
		errors.Is(err, ratelimit.ErrUnavailable):
		return KindRateLimited
	case errors.Is(err, store.ErrUnknownAction),
		errors.Is(err, apikey.ErrMalformed):
		return KindValidation
	case errors.Is(err, apikey.ErrBadSignature),
		errors.Is(err, apikey.ErrInactive):
		return KindUnauthorized
	case errors.Is(err, ipfs.ErrUnavailable),
		errors.Is(err, ipfs.ErrContentUnavailable),
		errors.Is(err, chain.ErrUnavailable),
		errors.Is(err, chain.ErrTimeout),
		errors.Is(err, pending.ErrUnavailable):
		return KindUnavailable
	default:
		return KindInternal
	}
}
