// Package engine provides the core types and the phase-runner loop for the
// caldera provisioning orchestrator. It ties the state manager, the change
// ledger, and the module resolver together into a single resumable run.
package engine

import (
	"errors"
	"fmt"
)

// Class classifies an error for retry logic.
type Class string

const (
	// ClassTransient marks failures that may succeed on retry, such as DNS
	// lookups, connection resets, and timeouts.
	ClassTransient Class = "transient"

	// ClassPermanent marks failures that will not succeed on retry, such as
	// invalid configuration, permission problems, and checksum mismatches.
	ClassPermanent Class = "permanent"
)

// Error is a classified orchestrator error. Every failure surfaced by the
// state manager, the ledger, the resolver, and the runner is one of these,
// so callers can branch on Code and Class instead of matching strings.
type Error struct {
	// Class is the retry classification.
	Class Class `json:"class"`

	// Code identifies the failure kind. See the Code* constants.
	Code string `json:"code"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Phase is the phase ID being executed when the error occurred, if any.
	Phase string `json:"phase,omitempty"`

	// Step is the step description being executed, if any.
	Step string `json:"step,omitempty"`

	// ChangeID is the ledger change involved, if any.
	ChangeID string `json:"change_id,omitempty"`

	// ExitCode is the subprocess exit code for STEP_FAILED errors.
	ExitCode int `json:"exit_code,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s", e.Class, e.Code, e.Message)
	if e.Phase != "" {
		msg += fmt.Sprintf(" (phase=%s", e.Phase)
		if e.Step != "" {
			msg += fmt.Sprintf(", step=%s", e.Step)
		}
		msg += ")"
	}
	if e.ChangeID != "" {
		msg += fmt.Sprintf(" (change=%s)", e.ChangeID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error-chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Class and Code so callers can use errors.Is with a template
// error built from the same constructor.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithPhase attaches phase context.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// WithStep attaches step context.
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

// WithChangeID attaches ledger change context.
func (e *Error) WithChangeID(id string) *Error {
	e.ChangeID = id
	return e
}

// WithExitCode attaches a subprocess exit code.
func (e *Error) WithExitCode(code int) *Error {
	e.ExitCode = code
	return e
}

// Transient creates a retryable error.
func Transient(code, message string, err error) *Error {
	return &Error{Class: ClassTransient, Code: code, Message: message, Err: err}
}

// Permanent creates a non-retryable error.
func Permanent(code, message string, err error) *Error {
	return &Error{Class: ClassPermanent, Code: code, Message: message, Err: err}
}

// IsRetryable reports whether the error is classified as transient.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassTransient
	}
	return false
}

// IsCode reports whether the error carries the given code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the error code, or empty when err is not a classified error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Error codes for state and ledger persistence.
const (
	CodeDiskFull         = "DISK_FULL"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeWriteFailed      = "WRITE_FAILED"
)

// Error codes for state validation.
const (
	CodeCorruptState  = "CORRUPT_STATE"
	CodeMissingFields = "MISSING_FIELDS"
	CodeFutureSchema  = "FUTURE_SCHEMA"
	CodeLegacySchema  = "LEGACY_SCHEMA"
)

// Error codes for ledger integrity and undo.
const (
	CodeChecksumMismatch   = "CHECKSUM_MISMATCH"
	CodeBackupMissing      = "BACKUP_MISSING"
	CodeBackupCorrupt      = "BACKUP_CORRUPT"
	CodeDependentNotUndone = "DEPENDENT_NOT_UNDONE"
	CodeUnknownChangeID    = "UNKNOWN_CHANGE_ID"
)

// Error codes for module selection.
const (
	CodeUnsatisfiableDependency = "UNSATISFIABLE_DEPENDENCY"
	CodeContradictorySelection  = "CONTRADICTORY_SELECTION"
	CodeUnknownModule           = "UNKNOWN_MODULE"
)

// Error codes for phase execution and session control.
const (
	CodeStepFailed    = "STEP_FAILED"
	CodeSessionLocked = "SESSION_LOCKED"
	CodeValidation    = "VALIDATION_ERROR"
	CodeInternal      = "INTERNAL_ERROR"
	CodePolicyDenied  = "POLICY_DENIED"
)

// Process exit codes. Calling automation branches on these, so they are part
// of the CLI contract: 0 success, 1 recoverable or partial failure, 2 hard
// failure.
const (
	ExitSuccess = 0
	ExitPartial = 1
	ExitHard    = 2
)
