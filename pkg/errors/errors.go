// Package errors provides error wrapping utilities for context-aware error messages
// and the error kinds surfaced by a template deployment.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a deployment failure.
// Kinds are string-based so they read well in logs and in stored records.
type Kind string

const (
	// KindUnsupportedFormat indicates the template is neither an archive nor a bare descriptor.
	KindUnsupportedFormat Kind = "UNSUPPORTED_FORMAT"

	// KindNotReadable indicates the template file could not be opened or read.
	KindNotReadable Kind = "NOT_READABLE"

	// KindNotFound indicates a disk payload was not present in the template.
	KindNotFound Kind = "NOT_FOUND"

	// KindNetworkNotFound indicates a target network name could not be resolved.
	KindNetworkNotFound Kind = "NETWORK_NOT_FOUND"

	// KindImportSpecRejected indicates the endpoint reported faults while creating the import spec.
	KindImportSpecRejected Kind = "IMPORT_SPEC_REJECTED"

	// KindLeaseError indicates the remote lease entered its error state.
	KindLeaseError Kind = "LEASE_ERROR"

	// KindTransferFailed indicates a disk upload failed.
	KindTransferFailed Kind = "TRANSFER_FAILED"

	// KindAbortedTimeout indicates a configured deadline expired before the step finished.
	KindAbortedTimeout Kind = "ABORTED_TIMEOUT"
)

// Error is a kinded error. Msg is the user-visible message; Err is the optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a kinded error with the given message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// E wraps err with a kind and message. If err is nil, it returns nil.
func E(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first kinded error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
