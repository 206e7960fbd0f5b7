// Package failure defines the error taxonomy shared by the transfer engine.
//
// Every error that reaches a caller carries exactly one Kind. Only
// TransientNetwork is retryable; everything else propagates on the first
// attempt.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine failure.
type Kind string

const (
	KindUnauthenticated      Kind = "unauthenticated"
	KindValidation           Kind = "validation"
	KindInsufficientBalance  Kind = "insufficient_balance"
	KindTransientNetwork     Kind = "transient_network"
	KindEscrowNotModifiable  Kind = "escrow_not_modifiable"
	KindEscrowCreationFailed Kind = "escrow_creation_failed"
	KindTransferFailed       Kind = "transfer_failed"
	KindNotFound             Kind = "not_found"
	KindForbidden            Kind = "forbidden"
	KindIdempotencyConflict  Kind = "idempotency_conflict"
	KindInternal             Kind = "internal"
)

// GenericMessage is shown whenever the underlying error is not user-safe.
const GenericMessage = "Something went wrong. Please try again."

// Error is a classified engine error. Message is always safe to show to a user.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry executor may try the operation again.
func (e *Error) Retryable() bool { return e.Kind == KindTransientNetwork }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindValidation}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// New builds an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func Unauthenticated() *Error {
	return New(KindUnauthenticated, "Not authenticated", nil)
}

func Validation(message string) *Error {
	return New(KindValidation, message, nil)
}

// InsufficientBalance includes the sender's current available balance.
func InsufficientBalance(available, currency string, cause error) *Error {
	msg := "Insufficient balance. Please top up your wallet and try again."
	if available != "" {
		msg = fmt.Sprintf("Insufficient balance: %s %s available. Please top up your wallet and try again.", available, currency)
	}
	return New(KindInsufficientBalance, msg, cause)
}

func Transient(cause error) *Error {
	return New(KindTransientNetwork, "Network problem. Please try again.", cause)
}

func EscrowNotModifiable(escrowID string, cause error) *Error {
	return New(KindEscrowNotModifiable,
		fmt.Sprintf("Escrow %s can no longer be released or refunded.", escrowID), cause)
}

func EscrowCreationFailed(cause error) *Error {
	return New(KindEscrowCreationFailed, "Could not place the gift in escrow. Please try again.", cause)
}

func TransferFailed(cause error) *Error {
	return New(KindTransferFailed, "The transfer could not be completed. Please try again.", cause)
}

func NotFound(what string) *Error {
	return New(KindNotFound, what+" not found", nil)
}

// Forbidden is for a caller who may see a resource but not perform action on it.
func Forbidden(message string) *Error {
	return New(KindForbidden, message, nil)
}

func IdempotencyConflict(key string) *Error {
	return New(KindIdempotencyConflict,
		"This gift is already being processed. Please wait a moment before retrying.", fmt.Errorf("key %s in progress", key))
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// UserMessage returns the user-safe text for err. Classified errors keep their
// message; anything else collapses to fallback (or GenericMessage).
func UserMessage(err error, fallback string) string {
	if fallback == "" {
		fallback = GenericMessage
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" && e.Kind != KindInternal {
		return e.Message
	}
	return fallback
}

// HTTPStatus maps a kind to the status code used by the API layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindTransientNetwork:
		return http.StatusServiceUnavailable
	case KindEscrowNotModifiable, KindIdempotencyConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindEscrowCreationFailed, KindTransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
