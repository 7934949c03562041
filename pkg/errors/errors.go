// Package errors provides structured error types for the pesde engine.
//
// This package defines error codes and types that enable:
//   - Consistent error handling across the CLI and library surface
//   - Machine-readable error codes for programmatic handling
//   - Exit-code mapping for the CLI process
//   - Error wrapping with cause-chain preservation
//
// # Error Codes
//
// Error codes follow a hierarchical naming convention:
//   - INVALID_*: manifest and input validation failures
//   - RESOLVE_*: dependency resolution failures
//   - NETWORK_*: source driver network failures
//   - INTEGRITY_*: digest and archive verification failures
//   - STATE_*: project and lockfile state conflicts
//
// # Usage
//
//	err := errors.New(errors.ErrCodeMissingPeer, "peer %q not satisfied", alias)
//	if errors.Is(err, errors.ErrCodeMissingPeer) {
//	    // Handle the missing peer
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeNetworkFatal, origErr, "fetch %s", url)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Manifest errors
	ErrCodeManifestParse  Code = "INVALID_MANIFEST"
	ErrCodeMissingField   Code = "INVALID_MISSING_FIELD"
	ErrCodeInvalidVersion Code = "INVALID_VERSION"
	ErrCodeInvalidName    Code = "INVALID_PACKAGE_NAME"
	ErrCodeDuplicateAlias Code = "INVALID_DUPLICATE_ALIAS"
	ErrCodeInvalidSpec    Code = "INVALID_SPEC"

	// Resolution errors
	ErrCodeUnsatisfiable      Code = "RESOLVE_UNSATISFIABLE_CONSTRAINT"
	ErrCodeMissingPeer        Code = "RESOLVE_MISSING_PEER"
	ErrCodePeerConflict       Code = "RESOLVE_PEER_CONFLICT"
	ErrCodeIncompatibleTarget Code = "RESOLVE_INCOMPATIBLE_TARGET"
	ErrCodeCycleDetected      Code = "RESOLVE_CYCLE_DETECTED"
	ErrCodeOverrideAmbiguous  Code = "RESOLVE_OVERRIDE_AMBIGUOUS"

	// Source errors
	ErrCodeNotFound         Code = "NOT_FOUND"
	ErrCodeAuthRequired     Code = "AUTH_REQUIRED"
	ErrCodeAuthInvalid      Code = "AUTH_INVALID"
	ErrCodeNetworkTransient Code = "NETWORK_TRANSIENT"
	ErrCodeNetworkFatal     Code = "NETWORK_FATAL"

	// Integrity errors
	ErrCodeDigestMismatch   Code = "INTEGRITY_DIGEST_MISMATCH"
	ErrCodeTarballMalformed Code = "INTEGRITY_TARBALL_MALFORMED"
	ErrCodePathEscape       Code = "INTEGRITY_PATH_ESCAPE"
	ErrCodeSizeExceeded     Code = "INTEGRITY_SIZE_EXCEEDED"

	// State errors
	ErrCodeLockfileOutdated Code = "STATE_LOCKFILE_OUTDATED"
	ErrCodeProjectBusy      Code = "STATE_PROJECT_BUSY"
	ErrCodePatchApplyFailed Code = "STATE_PATCH_APPLY_FAILED"

	// Internal errors
	ErrCodeInternal Code = "INTERNAL_ERROR"
)

// Exit codes for the CLI process, per the engine's contract:
// 0 success, 1 user error, 2 environment error, 3 integrity error.
const (
	ExitSuccess     = 0
	ExitUserError   = 1
	ExitEnvironment = 2
	ExitIntegrity   = 3
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// ExitCode maps an error to the CLI process exit code.
// A nil error maps to ExitSuccess; errors without a code map to
// ExitEnvironment since they originate from the OS or network.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch GetCode(err) {
	case "":
		return ExitEnvironment
	case ErrCodeDigestMismatch, ErrCodeTarballMalformed, ErrCodePathEscape, ErrCodeSizeExceeded:
		return ExitIntegrity
	case ErrCodeNetworkTransient, ErrCodeNetworkFatal, ErrCodeProjectBusy, ErrCodeInternal:
		return ExitEnvironment
	default:
		return ExitUserError
	}
}
