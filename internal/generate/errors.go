package generate

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the retry-relevant category of a generation failure.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindRateLimit
	KindTokenLimit
	KindSafetyBlock
	KindFatal
	// KindTransient covers unclassified errors worth a backoff retry. After
	// retries run out it surfaces as KindFatal.
	KindTransient
)

var (
	ErrTimeout     = errors.New("generation timed out")
	ErrRateLimit   = errors.New("generation rate limited")
	ErrTokenLimit  = errors.New("generation hit the output token limit before producing content")
	ErrSafetyBlock = errors.New("generation blocked by safety filter")
	ErrFatal       = errors.New("generation failed")
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindTokenLimit:
		return "token_limit_no_content"
	case KindSafetyBlock:
		return "safety_block"
	case KindFatal:
		return "fatal"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// Retryable is true for timeouts, rate limits, and empty token-limit
// responses. Safety blocks and fatal errors never are.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimit, KindTokenLimit, KindTransient:
		return true
	}
	return false
}

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindRateLimit:
		return ErrRateLimit
	case KindTokenLimit:
		return ErrTokenLimit
	case KindSafetyBlock:
		return ErrSafetyBlock
	}
	return ErrFatal
}

// Error is returned by Client once a call cannot succeed. errors.Is matches
// both the kind's sentinel and the underlying cause.
type Error struct {
	Kind     Kind
	Attempts int
	// Timeout is the per-call deadline of the last attempt.
	Timeout time.Duration
	// RetryAfter carries the last server suggested delay for rate limits.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("%v after %d attempts (last timeout %s): %v", ErrTimeout, e.Attempts, e.Timeout, e.Err)
	case KindSafetyBlock:
		return fmt.Sprintf("%v: %v", ErrSafetyBlock, e.Err)
	}
	return fmt.Sprintf("%v after %d attempts: %v", e.Kind.sentinel(), e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf reports the Kind of err, or KindFatal when err did not come from a
// Client.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindFatal
}
