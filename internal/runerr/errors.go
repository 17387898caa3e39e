// Package runerr defines the typed errors a pipeline run can fail with.
package runerr

import (
	"errors"
	"fmt"
)

// Error is a run-level failure with a category, the step that raised it
// and the underlying cause.
//
// Error kinds:
//   - SCHEMA_ERROR: a raw batch does not parse against the run's schema
//   - RELOCATION_ERROR: a staged file could not be moved to the archive
//   - MERGE_TRANSACTION_ERROR: the delete/insert transaction did not commit
//   - CONCURRENCY_CONFLICT: another run holds the target
type Error struct {
	// Code identifies the error category.
	Code Code

	// Step names the pipeline step that failed (stage, archive, merge).
	Step string

	// Message is a human-readable description.
	Message string

	// Subject is the file or target the error is about, when there is one.
	Subject string

	// Err is the underlying cause.
	Err error
}

// Code categorizes run errors.
type Code string

const (
	CodeSchema              Code = "SCHEMA_ERROR"
	CodeRelocation          Code = "RELOCATION_ERROR"
	CodeMergeTransaction    Code = "MERGE_TRANSACTION_ERROR"
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Subject != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Subject)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Schema creates a SCHEMA_ERROR for a batch file.
func Schema(file, message string, err error) *Error {
	return &Error{Code: CodeSchema, Step: "stage", Message: message, Subject: file, Err: err}
}

// Relocation creates a RELOCATION_ERROR for a file.
func Relocation(file, message string, err error) *Error {
	return &Error{Code: CodeRelocation, Step: "archive", Message: message, Subject: file, Err: err}
}

// MergeTransaction creates a MERGE_TRANSACTION_ERROR for a target.
func MergeTransaction(target, message string, err error) *Error {
	return &Error{Code: CodeMergeTransaction, Step: "merge", Message: message, Subject: target, Err: err}
}

// ConcurrencyConflict creates a CONCURRENCY_CONFLICT for a target.
func ConcurrencyConflict(step, target, holder string) *Error {
	msg := "another run is in flight"
	if holder != "" {
		msg = fmt.Sprintf("target held by %s", holder)
	}
	return &Error{Code: CodeConcurrencyConflict, Step: step, Message: msg, Subject: target}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsSchemaError returns true if err is a SCHEMA_ERROR.
// Uses errors.As to handle wrapped errors.
func IsSchemaError(err error) bool {
	return CodeOf(err) == CodeSchema
}

// IsRelocationError returns true if err is a RELOCATION_ERROR.
func IsRelocationError(err error) bool {
	return CodeOf(err) == CodeRelocation
}

// IsMergeTransactionError returns true if err is a MERGE_TRANSACTION_ERROR.
func IsMergeTransactionError(err error) bool {
	return CodeOf(err) == CodeMergeTransaction
}

// IsConcurrencyConflict returns true if err is a CONCURRENCY_CONFLICT.
func IsConcurrencyConflict(err error) bool {
	return CodeOf(err) == CodeConcurrencyConflict
}
