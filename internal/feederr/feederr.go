// Package feederr classifies failures crossing component boundaries so callers can decide
// whether to retry, suppress or abort without inspecting error strings.
package feederr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the failure class.
type Kind int

const (
	Unknown Kind = iota
	TransientNetwork
	RateLimit
	Validation
	SubscriptionTimeout
	FatalConfiguration
	Normalization
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case RateLimit:
		return "rate_limit"
	case Validation:
		return "validation"
	case SubscriptionTimeout:
		return "subscription_timeout"
	case FatalConfiguration:
		return "fatal_configuration"
	case Normalization:
		return "normalization"
	}
	return "unknown"
}

// Error attaches a kind and the {component, operation, symbol} context to a cause.
type Error struct {
	Kind      Kind
	Component string
	Operation string
	Symbol    string
	Err       error
}

func (e *Error) Error() string {
	// a bare classification without context reads as its cause
	if e.Component == "" && e.Operation == "" && e.Symbol == "" {
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Kind.String()
	}
	var b strings.Builder
	b.WriteString(e.Component)
	if e.Operation != "" {
		b.WriteString(".")
		b.WriteString(e.Operation)
	}
	if e.Symbol != "" {
		fmt.Fprintf(&b, "[%s]", e.Symbol)
	}
	fmt.Fprintf(&b, " (%s)", e.Kind)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// RateLimitError signals the exchange throttled us. RetryAfter is zero when no hint was given.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := "rate limited"
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, component, operation, symbol string, err error) *Error {
	return &Error{Kind: kind, Component: component, Operation: operation, Symbol: symbol, Err: err}
}

// Wrap adds boundary context and keeps the kind of an already classified cause.
func Wrap(err error, component, operation, symbol string) error {
	if err == nil {
		return nil
	}
	return New(KindOf(err), component, operation, symbol, err)
}

// Transient marks err as a retryable network failure.
func Transient(err error) error {
	return &Error{Kind: TransientNetwork, Err: err}
}

// Fatal marks a missing capability or unusable configuration.
func Fatal(component, format string, args ...any) error {
	return &Error{Kind: FatalConfiguration, Component: component, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the outermost classification found in the chain.
func KindOf(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			if e.Kind != Unknown {
				return e.Kind
			}
		case *RateLimitError:
			return RateLimit
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				if k := KindOf(inner); k != Unknown {
					return k
				}
			}
			return Unknown
		}
		err = errors.Unwrap(err)
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfter extracts a server-provided retry hint.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
