// Package domain defines core types, interfaces, and errors for the table append client.
package domain

import (
	"errors"
	"fmt"
)

// MissingLogError indicates the table location holds no commit records.
// The table has not been initialized; callers must run a create path first.
type MissingLogError struct {
	Location string
}

func (e *MissingLogError) Error() string {
	return fmt.Sprintf("no commit log found at %q: table is not initialized", e.Location)
}

// CorruptLogError indicates a commit record or checkpoint could not be parsed,
// or the sequence of records is not contiguous.
type CorruptLogError struct {
	Version int64
	Message string
	Err     error
}

func (e *CorruptLogError) Error() string {
	msg := fmt.Sprintf("corrupt log at version %d: %s", e.Version, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptLogError) Unwrap() error { return e.Err }

// SchemaMismatchError indicates a row batch does not conform to the table schema.
type SchemaMismatchError struct {
	Message string
}

func (e *SchemaMismatchError) Error() string { return "schema mismatch: " + e.Message }

// SchemaConflictError indicates a commit record declares a schema that cannot
// describe files that are still live in the table.
type SchemaConflictError struct {
	Version int64
	Message string
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict at version %d: %s", e.Version, e.Message)
}

// CommitConflictError indicates the writer lost the race for a log position
// on every attempt it was allowed.
type CommitConflictError struct {
	Version  int64 // last version the writer tried to claim
	Attempts int
}

func (e *CommitConflictError) Error() string {
	return fmt.Sprintf("commit conflict: version %d already taken after %d attempt(s)", e.Version, e.Attempts)
}

// IOFailureError wraps an underlying storage failure.
type IOFailureError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOFailureError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOFailureError) Unwrap() error { return e.Err }

// UnsupportedProtocolError indicates the table requires a reader or writer
// version newer than this client implements.
type UnsupportedProtocolError struct {
	MinReaderVersion int32
	MinWriterVersion int32
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("unsupported table protocol (minReaderVersion=%d, minWriterVersion=%d)",
		e.MinReaderVersion, e.MinWriterVersion)
}

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ErrMissingLog creates a MissingLogError for the given table location.
func ErrMissingLog(location string) *MissingLogError {
	return &MissingLogError{Location: location}
}

// ErrCorruptLog creates a CorruptLogError with a formatted message.
func ErrCorruptLog(version int64, cause error, format string, args ...interface{}) *CorruptLogError {
	return &CorruptLogError{Version: version, Message: fmt.Sprintf(format, args...), Err: cause}
}

// ErrSchemaMismatch creates a SchemaMismatchError with a formatted message.
func ErrSchemaMismatch(format string, args ...interface{}) *SchemaMismatchError {
	return &SchemaMismatchError{Message: fmt.Sprintf(format, args...)}
}

// ErrSchemaConflict creates a SchemaConflictError with a formatted message.
func ErrSchemaConflict(version int64, format string, args ...interface{}) *SchemaConflictError {
	return &SchemaConflictError{Version: version, Message: fmt.Sprintf(format, args...)}
}

// ErrIOFailure wraps a storage error. A nil cause yields nil.
func ErrIOFailure(op, path string, cause error) error {
	if cause == nil {
		return nil
	}
	return &IOFailureError{Op: op, Path: path, Err: cause}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Stable error codes reported by the CLI.
const (
	CodeMissingLog          = "MISSING_LOG"
	CodeCorruptLog          = "CORRUPT_LOG"
	CodeSchemaMismatch      = "SCHEMA_MISMATCH"
	CodeSchemaConflict      = "SCHEMA_CONFLICT"
	CodeCommitConflict      = "COMMIT_CONFLICT"
	CodeIOFailure           = "IO_FAILURE"
	CodeUnsupportedProtocol = "UNSUPPORTED_PROTOCOL"
	CodeValidation          = "VALIDATION_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorCode classifies err into one of the Code* constants.
func ErrorCode(err error) string {
	var (
		missing    *MissingLogError
		corrupt    *CorruptLogError
		mismatch   *SchemaMismatchError
		conflict   *SchemaConflictError
		commit     *CommitConflictError
		ioErr      *IOFailureError
		protocol   *UnsupportedProtocolError
		validation *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &missing):
		return CodeMissingLog
	case errors.As(err, &corrupt):
		return CodeCorruptLog
	case errors.As(err, &mismatch):
		return CodeSchemaMismatch
	case errors.As(err, &conflict):
		return CodeSchemaConflict
	case errors.As(err, &commit):
		return CodeCommitConflict
	case errors.As(err, &protocol):
		return CodeUnsupportedProtocol
	case errors.As(err, &ioErr):
		return CodeIOFailure
	case errors.As(err, &validation):
		return CodeValidation
	default:
		return CodeInternal
	}
}
