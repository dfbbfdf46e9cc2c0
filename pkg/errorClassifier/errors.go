package errorClassifier

import (
	"fmt"
	"time"
)

// Typed failure wrappers returned by the collaborator clients. The classifier
// only ever branches on these types (or on standard timeout errors), never on
// error message text.

// RejectionError indicates the wallet user declined to sign or send.
type RejectionError struct {
	Err error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("wallet rejected request: %v", e.Err)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// InsufficientFundsError indicates the sender cannot cover the transfer
// or the gas for it.
type InsufficientFundsError struct {
	Err error
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %v", e.Err)
}

func (e *InsufficientFundsError) Unwrap() error {
	return e.Err
}

// RevertError indicates the contract reverted. Reason carries the decoded
// revert string when one was available.
type RevertError struct {
	Reason string
	Err    error
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("contract reverted: %s", e.Reason)
	}
	return fmt.Sprintf("contract reverted: %v", e.Err)
}

func (e *RevertError) Unwrap() error {
	return e.Err
}

// RateLimitError indicates the RPC endpoint or evaluator throttled us.
// RetryAfter is optional; zero means the server gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// CredentialError indicates a required credential is absent or invalid.
type CredentialError struct {
	Credential string
	Err        error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("missing credential %s: %v", e.Credential, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// ValidationError indicates the input itself is malformed (bad recipient
// address, amount over the hard cap). Never retryable.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Detail)
}
