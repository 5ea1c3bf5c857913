package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes returned to CLI and API callers.
const (
	CodeRuleNotFound    = "RULE_NOT_FOUND"
	CodeRuleInvalid     = "RULE_INVALID"
	CodeManifestInvalid = "MANIFEST_INVALID"
	CodeRunFailed       = "RUN_FAILED"
	CodeRunError        = "RUN_ERROR"
	CodeLeaseHeld       = "LEASE_HELD"
	CodeNotFound        = "NOT_FOUND"
	CodeBadRequest      = "BAD_REQUEST"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternal        = "INTERNAL"
)

// FieldError describes one invalid field.
type FieldError struct {
	Rule    string `json:"rule,omitempty"`
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

func (f FieldError) String() string {
	if f.Rule != "" {
		return fmt.Sprintf("%s: %s: %s", f.Rule, f.Field, f.Problem)
	}
	return f.Field + ": " + f.Problem
}

// Error is a structured error with a machine-readable code.
type Error struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	parts := make([]string, len(e.Details))
	for i, d := range e.Details {
		parts[i] = d.String()
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

// Errorf builds an Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into a structured Error, defaulting to INTERNAL.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// ErrorCode returns the code of a structured error, or "" for plain errors.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
