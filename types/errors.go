// Package types defines the core entities of the Delve runtime: sessions,
// documents, executions, execution state, spans, tool envelopes, budgets,
// and the error taxonomy shared by every component.
package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for callers. Kinds are stable API surface;
// use KindOf to recover the kind from a wrapped error chain.
type ErrorKind string

// Error kind constants.
const (
	KindUnauthorized       ErrorKind = "Unauthorized"
	KindForbidden          ErrorKind = "Forbidden"
	KindSessionNotFound    ErrorKind = "SessionNotFound"
	KindExecutionNotFound  ErrorKind = "ExecutionNotFound"
	KindSessionNotReady    ErrorKind = "SessionNotReady"
	KindSessionExpired     ErrorKind = "SessionExpired"
	KindValidationError    ErrorKind = "ValidationError"
	KindRateLimited        ErrorKind = "RateLimited"
	KindRequestTooLarge    ErrorKind = "RequestTooLarge"
	KindBudgetExceeded     ErrorKind = "BudgetExceeded"
	KindMaxTurnsExceeded   ErrorKind = "MaxTurnsExceeded"
	KindStepTimeout        ErrorKind = "StepTimeout"
	KindSandboxAstRejected ErrorKind = "SandboxAstRejected"
	KindSandboxLineLimit   ErrorKind = "SandboxLineLimit"
	KindStateInvalidType   ErrorKind = "StateInvalidType"
	KindStateTooLarge      ErrorKind = "StateTooLarge"
	KindChecksumMismatch   ErrorKind = "ChecksumMismatch"
	KindS3ReadError        ErrorKind = "S3ReadError"
	KindParserError        ErrorKind = "ParserError"
	KindLLMProviderError   ErrorKind = "LLMProviderError"
	KindInternalError      ErrorKind = "InternalError"
)

// Error is the uniform error envelope surfaced to callers and persisted in
// step snapshots and tool-result metadata.
type Error struct {
	// Kind is the taxonomy code.
	Kind ErrorKind `json:"code" msgpack:"code"`
	// Message is a human-readable description.
	Message string `json:"message" msgpack:"message"`
	// Details carries structured context (missing keys, AST violations, ...).
	Details map[string]any `json:"details,omitempty" msgpack:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// E constructs a classified error with a formatted message.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// EDetails constructs a classified error carrying structured details.
func EDetails(kind ErrorKind, details map[string]any, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Details: details}
}

// KindOf extracts the ErrorKind from an error chain.
// Unclassified errors report KindInternalError; nil reports "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternalError
}

// AsError converts any error into an *Error envelope, preserving an existing
// envelope and wrapping unclassified errors as InternalError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: KindInternalError, Message: err.Error()}
}
