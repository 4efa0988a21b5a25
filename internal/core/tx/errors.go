package tx

import (
	"errors"
	"fmt"
)

// Kind classifies coordinator-level failures per the error taxonomy: local
// state errors fail immediately at the coordinator boundary, resource-manager
// errors are wrapped and may trigger a compensating rollback.
type Kind string

const (
	// KindIllegalState covers wrong-lifecycle calls: committing/rolling
	// back an already-completed Status, MANDATORY with no existing
	// transaction, NEVER with an existing transaction.
	KindIllegalState Kind = "ILLEGAL_TRANSACTION_STATE"
	// KindInvalidTimeout is returned when Definition.TimeoutSeconds is
	// less than -1.
	KindInvalidTimeout Kind = "INVALID_TIMEOUT"
	// KindNestedNotSupported covers NESTED requested against a resource
	// manager/coordinator configuration that can't honor it.
	KindNestedNotSupported Kind = "NESTED_TRANSACTION_NOT_SUPPORTED"
	// KindSuspensionNotSupported is returned when a resource manager has
	// no Suspend/Resume hooks but a suspend was required.
	KindSuspensionNotSupported Kind = "TRANSACTION_SUSPENSION_NOT_SUPPORTED"
	// KindUnexpectedRollback is returned from Commit when the transaction
	// was rolled back (by this scope or a participant) instead of
	// committed.
	KindUnexpectedRollback Kind = "UNEXPECTED_ROLLBACK"
	// KindTransactionSystem wraps an underlying resource-manager failure
	// during begin/commit/rollback.
	KindTransactionSystem Kind = "TRANSACTION_SYSTEM_ERROR"
	// KindTimedOut is reported by a ResourceHolder whose deadline has
	// elapsed.
	KindTimedOut Kind = "TRANSACTION_TIMED_OUT"
)

// Error is the error type returned by every exported Coordinator operation.
// It carries a Kind so callers can branch on the taxonomy from §7 without
// string-matching messages, and it wraps the underlying cause (typically a
// resource-manager error) for errors.Is/errors.As chains.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tx: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("tx: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// IsKind reports whether err is a *tx.Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var txErr *Error
	if errors.As(err, &txErr) {
		return txErr.Kind == kind
	}
	return false
}
