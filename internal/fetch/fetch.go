// Package fetch defines the producer boundary of the pipeline: the error
// taxonomy orchestration branches on, the Producer interface, and the shared
// retry/backoff helper.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/promodata/harvester/internal/record"
)

// Kind classifies a fetch failure for retry and circuit-breaker decisions.
type Kind int

// Failure kinds, ordered from most to least recoverable.
const (
	// KindRetryable covers timeouts, connection resets and 5xx-equivalents.
	KindRetryable Kind = iota
	// KindRateLimited is an explicit throttle signal from the producer.
	KindRateLimited
	// KindAuthExpired means the session must be re-established.
	KindAuthExpired
	// KindFatal is permanent for this identity: malformed response or a
	// resource that no longer exists.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthExpired:
		return "auth_expired"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified fetch failure.
type Error struct {
	Kind     Kind
	Identity string
	Err      error
}

func (e *Error) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("fetch %s (%s): %v", e.Identity, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the identity being fetched.
func NewError(kind Kind, identity string, err error) *Error {
	return &Error{Kind: kind, Identity: identity, Err: err}
}

// KindOf extracts the failure kind; unclassified errors count as retryable,
// except context cancellation which is never retried.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}
	return KindRetryable
}

// Producer obtains one record for an identity, or fails with a classified
// error. Implementations perform no retries of their own.
type Producer interface {
	Fetch(ctx context.Context, identity string) (record.Record, error)
}

// Session manages the producer's authentication state.
type Session interface {
	// Token returns the current credential for outbound requests.
	Token(ctx context.Context) (string, error)
	// Refresh re-authenticates after an auth-expired failure.
	Refresh(ctx context.Context) error
}
