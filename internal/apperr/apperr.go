// Package apperr defines the runtime's error taxonomy: a small set of kinds
// that every subsystem classifies its failures into, each with a fixed
// retryability, so the retry engine and connection-recovery wrapper never
// need to pattern-match error strings more than once.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry, logging, and exit-code decisions.
type Kind string

const (
	KindProvider Kind = "provider_error" // retryability varies by HTTP class, see Retryable
	KindTool     Kind = "tool_error"
	KindConfig   Kind = "config_error"
	KindMCP      Kind = "mcp_error"
	KindTimeout  Kind = "timeout_error"
	KindSession  Kind = "session_error"
	KindBatch    Kind = "batch_error"
)

var defaultRetryable = map[Kind]bool{
	KindProvider: false, // overridden per-instance; see New/Retryable field
	KindTool:     false,
	KindConfig:   false,
	KindMCP:      true,
	KindTimeout:  true,
	KindSession:  false,
	KindBatch:    false,
}

// Error is the structured error every component in the runtime returns.
// Cause is preserved by value (a copy of the chain, not a live reference)
// so an Error can cross goroutine boundaries and be logged/serialized
// without aliasing concerns.
type Error struct {
	Kind       Kind
	Message    string
	Retryable  bool
	Provider   string
	Model      string
	RequestID  string
	LatencyMS  int64
	StatusCode int
	Cause      error
}

// New constructs an Error with the kind's default retryability.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: defaultRetryable[kind]}
}

// Wrap constructs an Error around cause with the kind's default retryability.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: defaultRetryable[kind], Cause: cause}
}

func (e *Error) Error() string {
	var b string
	if e.Provider != "" {
		b = fmt.Sprintf("[%s:%s]", e.Kind, e.Provider)
	} else {
		b = fmt.Sprintf("[%s]", e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", b, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", b, e.Message)
}

// Unwrap enables errors.Is/errors.As across the cause chain.
func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether the runtime should hand this error to the
// retry engine (§4.B) rather than surfacing it immediately.
func (e *Error) IsRetryable() bool { return e.Retryable }

// WithRequest attaches provider call metadata used in logging and
// user-visible failure messages.
func (e *Error) WithRequest(provider, model, requestID string, latencyMS int64) *Error {
	e.Provider = provider
	e.Model = model
	e.RequestID = requestID
	e.LatencyMS = latencyMS
	return e
}

// WithStatus attaches an HTTP status code, used by the retry engine to
// decide retryability for provider errors.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	e.Retryable = isRetryableStatus(code)
	return e
}

func isRetryableStatus(code int) bool {
	switch code {
	case 429, 502, 503, 529:
		return true
	default:
		return false
	}
}

// As reports whether err (or anything in its chain) is an *Error and, if
// so, returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else "".
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}
