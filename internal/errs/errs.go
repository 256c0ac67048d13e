// Package errs implements the uniform error taxonomy and retry
// classifier (4.A): normalizing arbitrary error values into a single
// shape and deciding whether a failure is retryable or fatal.
package errs

import (
	"fmt"
	"strings"
)

// Code is the small, fixed set of error codes the classifier reasons
// about. Unrecognized codes fall through to Unknown.
type Code string

const (
	CodeTimeout     Code = "TIMEOUT"
	CodeProcess     Code = "PROCESS"
	CodeNetwork     Code = "NETWORK"
	CodeRateLimit   Code = "RATE_LIMIT"
	CodeValidation  Code = "VALIDATION"
	CodeAuth        Code = "AUTH"
	CodeStringError Code = "STRING_ERROR"
	CodeUnknown     Code = "UNKNOWN_ERROR"
)

// Error is the uniform error value described in 4.A: {message, code,
// context}. It implements the standard error interface and wraps an
// optional underlying cause so errors.Unwrap/errors.As keep working.
type Error struct {
	Message string
	Code    Code
	Context map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.cause.Error())
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error with an explicit code, bypassing normalization.
// Used by components that already know the failure kind (e.g. the
// command runner reporting a non-zero exit as CodeProcess).
func New(code Code, message string) *Error {
	return &Error{Message: message, Code: code}
}

// Wrap attaches an underlying cause to a new Error with the given code.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Message: message, Code: code, cause: cause}
}

// Normalize converts an arbitrary thrown value into a uniform *Error,
// per 4.A: errors keep their message (and are stored as the cause so the
// original stack/chain survives); strings become STRING_ERROR; anything
// else is stringified under UNKNOWN_ERROR.
func Normalize(v interface{}) *Error {
	switch val := v.(type) {
	case nil:
		return &Error{Message: "", Code: CodeUnknown}
	case *Error:
		return val
	case error:
		return &Error{Message: val.Error(), Code: CodeUnknown, cause: val}
	case string:
		return &Error{Message: val, Code: CodeStringError}
	default:
		return &Error{Message: fmt.Sprintf("%v", val), Code: CodeUnknown}
	}
}

// retryablePatterns are substring matches (case-insensitive) against an
// error's message that mark it retryable, per 4.A.
var retryablePatterns = []string{
	"timeout",
	"connection refused",
	"network",
	"rate limit",
	"too many requests",
	"temporary failure",
	"try again",
	"econnrefused",
	"econnreset",
	"socket hang up",
	"fetch failed",
	"unable to connect",
}

// fatalPatterns override retryablePatterns: if both match, the error is
// fatal, per 4.A ("Fatal patterns (override retryable)").
var fatalPatterns = []string{
	"not authenticated",
	"authentication failed",
	"invalid token",
	"invalid api key",
	"unauthorized",
	"401",
	"403",
	"command not found",
	"not installed",
	"not recognized",
}

var retryableCodes = map[Code]bool{
	CodeTimeout:   true,
	CodeProcess:   true,
	CodeNetwork:   true,
	CodeRateLimit: true,
}

func matchesAny(message string, patterns []string) bool {
	lower := strings.ToLower(message)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsFatal reports whether e matches one of the fatal patterns. Fatal
// takes precedence over retryable regardless of code.
func IsFatal(e *Error) bool {
	if e == nil {
		return false
	}
	if e.Code == CodeAuth {
		return true
	}
	return matchesAny(e.Message, fatalPatterns)
}

// IsRetryable reports whether e should be retried: its code is one of
// {TIMEOUT, PROCESS, NETWORK, RATE_LIMIT} or its message matches a
// retryable pattern, and it is not overridden by a fatal pattern.
func IsRetryable(e *Error) bool {
	if e == nil {
		return false
	}
	if IsFatal(e) {
		return false
	}
	return retryableCodes[e.Code] || matchesAny(e.Message, retryablePatterns)
}

// IsConnectionError reports whether e looks like a network/connection
// failure specifically, the subset the circuit breaker (4.I) counts
// toward consecutiveFailures.
func IsConnectionError(e *Error) bool {
	if e == nil {
		return false
	}
	if e.Code == CodeNetwork {
		return true
	}
	connectionPatterns := []string{
		"connection refused",
		"econnrefused",
		"econnreset",
		"socket hang up",
		"fetch failed",
		"unable to connect",
		"network",
	}
	return matchesAny(e.Message, connectionPatterns)
}
