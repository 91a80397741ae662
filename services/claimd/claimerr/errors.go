// Package claimerr defines the error taxonomy shared by the claim settlement
// components. Call sites wrap a sentinel with context using fmt.Errorf("%w: ...")
// and callers classify with errors.Is.
package claimerr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("claims: validation failed")
	// ErrUnauthorized indicates the caller does not own the resource and holds no elevated privilege.
	ErrUnauthorized = errors.New("claims: caller not authorized")
	// ErrInsufficientBalance indicates the ledger balance cannot cover the requested amount.
	ErrInsufficientBalance = errors.New("claims: insufficient balance")
	// ErrNotFound indicates the referenced user, claim, or reward does not exist.
	ErrNotFound = errors.New("claims: not found")
	// ErrStateConflict indicates an illegal status transition or a concurrent modification.
	ErrStateConflict = errors.New("claims: state conflict")
	// ErrChain wraps RPC failures, timeouts, and on-chain reverts. The settlement
	// retry policy absorbs it; elsewhere it surfaces as an internal error.
	ErrChain = errors.New("claims: chain error")
	// ErrAlreadyRefunded indicates the failed claim has already been credited back.
	ErrAlreadyRefunded = errors.New("claims: already refunded")
)

// ErrPendingLimit is returned by admission when the user already has the maximum
// number of unsettled claims. It is a state conflict.
var ErrPendingLimit = fmt.Errorf("%w: pending claim limit reached", ErrStateConflict)

// Validation wraps ErrValidation with a formatted detail message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict wraps ErrStateConflict with a formatted detail message.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

// Chain wraps an underlying chain failure so that it classifies as ErrChain while
// preserving the cause for errors.Is/As.
func Chain(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrChain, op, err)
}

// Reason maps an error onto a stable label for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyRefunded):
		return "already_refunded"
	case errors.Is(err, ErrPendingLimit):
		return "pending_limit"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrChain):
		return "chain"
	default:
		return "internal"
	}
}
