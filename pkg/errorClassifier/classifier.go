// Package errorClassifier maps raw failures from the chain, wallet and
// evaluator collaborators into a closed ErrorKind taxonomy with retry policy
// metadata. The dispatcher, drainer and evolution tracker all consult this
// package and nothing else, so retry behavior is identical on every path.
package errorClassifier

import (
	"context"
	"errors"
	"net"
	"time"
)

type ErrorKind string

const (
	Kind_NetworkTimeout    ErrorKind = "NETWORK_TIMEOUT"
	Kind_WalletRejected    ErrorKind = "WALLET_REJECTED"
	Kind_InsufficientFunds ErrorKind = "INSUFFICIENT_FUNDS"
	Kind_ContractReverted  ErrorKind = "CONTRACT_REVERTED"
	Kind_RateLimited       ErrorKind = "RATE_LIMITED"
	Kind_CredentialMissing ErrorKind = "CREDENTIAL_MISSING"
	Kind_ValidationError   ErrorKind = "VALIDATION_ERROR"
	Kind_Unknown           ErrorKind = "UNKNOWN"
)

func (k ErrorKind) String() string {
	return string(k)
}

// Classification is the retry policy record for one failure.
type Classification struct {
	Kind           ErrorKind
	Retryable      bool
	SuggestedDelay time.Duration
	UserMessage    string
	// Actionable carries a suggestion the user can act on, empty when
	// there is nothing for them to do.
	Actionable string
}

const (
	timeoutDelay   = 5 * time.Second
	rateLimitDelay = 30 * time.Second
	unknownDelay   = 10 * time.Second
)

// transientRevertReasons are revert strings that indicate a transient txpool
// condition rather than a real contract rejection. A reverted call with one of
// these reasons is safe to retry.
var transientRevertReasons = map[string]bool{
	"nonce too low":                       true,
	"already known":                       true,
	"replacement transaction underpriced": true,
	"transaction underpriced":             true,
}

// Classify maps a raw error into its Classification. It branches on wrapped
// error types and standard timeout signals only.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: Kind_Unknown, Retryable: false}
	}

	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return Classification{
			Kind:        Kind_WalletRejected,
			Retryable:   false,
			UserMessage: "The wallet rejected the request.",
			Actionable:  "Approve the transaction in your wallet and retry.",
		}
	}

	var insufficient *InsufficientFundsError
	if errors.As(err, &insufficient) {
		return Classification{
			Kind:        Kind_InsufficientFunds,
			Retryable:   false,
			UserMessage: "The distributing account has insufficient funds.",
			Actionable:  "Fund the distributor account or reduce the requested amount.",
		}
	}

	var revert *RevertError
	if errors.As(err, &revert) {
		if transientRevertReasons[revert.Reason] {
			return Classification{
				Kind:           Kind_ContractReverted,
				Retryable:      true,
				SuggestedDelay: timeoutDelay,
				UserMessage:    "The transaction was rejected by the network and will be retried.",
			}
		}
		return Classification{
			Kind:        Kind_ContractReverted,
			Retryable:   false,
			UserMessage: "The reward contract rejected the mint.",
		}
	}

	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		delay := rateLimitDelay
		if rateLimited.RetryAfter > 0 {
			delay = rateLimited.RetryAfter
		}
		return Classification{
			Kind:           Kind_RateLimited,
			Retryable:      true,
			SuggestedDelay: delay,
			UserMessage:    "The service is busy; the reward will be retried shortly.",
		}
	}

	var credential *CredentialError
	if errors.As(err, &credential) {
		return Classification{
			Kind:        Kind_CredentialMissing,
			Retryable:   false,
			UserMessage: "A required credential is not configured.",
			Actionable:  "Configure API credentials and retry.",
		}
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return Classification{
			Kind:        Kind_ValidationError,
			Retryable:   false,
			UserMessage: validation.Error(),
		}
	}

	if isTimeout(err) {
		return Classification{
			Kind:           Kind_NetworkTimeout,
			Retryable:      true,
			SuggestedDelay: timeoutDelay,
			UserMessage:    "The network did not respond in time; the reward will be retried.",
		}
	}

	return Classification{
		Kind:           Kind_Unknown,
		Retryable:      true,
		SuggestedDelay: unknownDelay,
		UserMessage:    "An unexpected error occurred.",
	}
}

// RetryableAt reports whether a failure with this classification should be
// retried given how many retries have already happened. UNKNOWN failures are
// retried once, then treated as terminal.
func (c Classification) RetryableAt(retryCount int) bool {
	if !c.Retryable {
		return false
	}
	if c.Kind == Kind_Unknown {
		return retryCount == 0
	}
	return true
}

// SuggestedDelayForKind returns the base retry delay for failures of the
// given kind, for callers that persisted the kind rather than the error
// itself. Non-retryable kinds have no delay.
func SuggestedDelayForKind(kind ErrorKind) time.Duration {
	switch kind {
	case Kind_RateLimited:
		return rateLimitDelay
	case Kind_Unknown:
		return unknownDelay
	case Kind_NetworkTimeout, Kind_ContractReverted:
		return timeoutDelay
	default:
		return 0
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// BackoffDelay computes the capped exponential retry delay for the given
// classification and retry count: suggestedDelay * 2^retryCount, never
// exceeding max.
func BackoffDelay(c Classification, retryCount int, max time.Duration) time.Duration {
	base := c.SuggestedDelay
	if base <= 0 {
		base = timeoutDelay
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
