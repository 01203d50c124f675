// Package errors provides error wrapping utilities and the failure
// taxonomy shared by the update engine: every error that crosses the
// orchestrator boundary carries a Kind so callers can decide between
// "retry on the next timer tick" and "page an operator".
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero value; treated as fatal.
	KindUnknown Kind = iota
	// KindNetwork covers transport failures talking to the object store.
	// Transient: the scheduler retries on the next tick.
	KindNetwork
	// KindAuth means the store rejected our credentials. Fatal.
	KindAuth
	// KindNotFound means the requested object or its .meta companion
	// does not exist. Fatal until the publisher fixes the bucket.
	KindNotFound
	// KindChecksumMismatch means the verified digest of a download does
	// not match the descriptor. The attempt is abandoned; transient.
	KindChecksumMismatch
	// KindSizeMismatch means the decompressed byte count does not match
	// the descriptor. Treated like a corrupt download; transient.
	KindSizeMismatch
	// KindNoSuitableDisk means no target disk met the size threshold.
	KindNoSuitableDisk
	// KindAlreadyPartitioned means the target disk already carries the
	// slot layout signature and install refused to repartition it.
	KindAlreadyPartitioned
	// KindIO covers local disk failures (full, failing, unwritable).
	KindIO
	// KindMalformedMetadata means a version descriptor failed to decode.
	KindMalformedMetadata
	// KindLocked means another engine invocation holds the lock file.
	// Transient: the work will have been done by the holder.
	KindLocked
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindChecksumMismatch:
		return "checksum_mismatch"
	case KindSizeMismatch:
		return "size_mismatch"
	case KindNoSuitableDisk:
		return "no_suitable_disk"
	case KindAlreadyPartitioned:
		return "already_partitioned"
	case KindIO:
		return "io"
	case KindMalformedMetadata:
		return "malformed_metadata"
	case KindLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Error is a kinded error with an optional wrapped cause.
type Error struct {
	Knd Kind
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error. Format args are optional.
func E(kind Kind, msg string, args ...interface{}) error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &Error{Knd: kind, Msg: msg}
}

// EW wraps a cause with a kind and context.
func EW(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Knd: kind, Msg: msg, Err: err}
}

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// KindOf extracts the Kind from an error chain, or KindUnknown if no
// kinded error is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Knd
	}
	return KindUnknown
}

// Transient reports whether the failure should be retried by the
// caller's scheduler rather than escalated to an operator.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindChecksumMismatch, KindSizeMismatch, KindLocked:
		return true
	}
	return false
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
