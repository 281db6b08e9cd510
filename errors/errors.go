// Package errors provides the coded error taxonomy shared by the workflow
// engine, the lock manager, the planners and the failure injector.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents a specific error type
type ErrorCode int

const (
	// Common error codes
	ErrUnknown ErrorCode = iota
	ErrNotFound
	ErrInvalidInput
	ErrConfiguration
	ErrConnection
	ErrTimeout
	ErrCancelled

	// Orchestration error codes
	ErrValidation
	ErrStepExecution
	ErrLockAcquisition
	ErrRollback
	ErrInjectedFailure
	ErrRecordTooLarge
	ErrWorkflowState
	ErrPlacement
)

var codeNames = map[ErrorCode]string{
	ErrUnknown:         "UNKNOWN",
	ErrNotFound:        "NOT_FOUND",
	ErrInvalidInput:    "INVALID_INPUT",
	ErrConfiguration:   "CONFIGURATION",
	ErrConnection:      "CONNECTION",
	ErrTimeout:         "TIMEOUT",
	ErrCancelled:       "CANCELLED",
	ErrValidation:      "VALIDATION",
	ErrStepExecution:   "STEP_EXECUTION",
	ErrLockAcquisition: "LOCK_ACQUISITION",
	ErrRollback:        "ROLLBACK",
	ErrInjectedFailure: "INJECTED_FAILURE",
	ErrRecordTooLarge:  "RECORD_TOO_LARGE",
	ErrWorkflowState:   "WORKFLOW_STATE",
	ErrPlacement:       "PLACEMENT",
}

// String returns the stable name of the code, used in task records.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Error represents a domain-specific error with context
type Error struct {
	// Code identifies the error type
	Code ErrorCode

	// Message provides human-readable error details
	Message string

	// Op describes the operation that failed
	Op string

	// Cause is the underlying error that triggered this one
	Cause error

	// Context holds additional error context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements the errors.Is interface
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithOp adds an operation name to the error
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}

	e, ok := err.(*Error)
	if !ok {
		return &Error{
			Code:    ErrUnknown,
			Message: err.Error(),
			Op:      op,
			Cause:   err,
		}
	}

	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Op:      op,
		Cause:   e.Cause,
		Context: e.Context,
	}
}

// WithContext adds context to the error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}

	e, ok := err.(*Error)
	if !ok {
		return &Error{
			Code:    ErrUnknown,
			Message: err.Error(),
			Cause:   err,
			Context: context,
		}
	}

	// Merge contexts if error already has context
	newContext := make(map[string]interface{})
	for k, v := range e.Context {
		newContext[k] = v
	}
	for k, v := range context {
		newContext[k] = v
	}

	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Op:      e.Op,
		Cause:   e.Cause,
		Context: newContext,
	}
}

// New creates a new Error
func New(code ErrorCode, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Aggregate folds several failures into one coded error. The individual
// errors stay reachable through errors.Is/As on the joined cause.
func Aggregate(code ErrorCode, message string, errs []error) error {
	var kept []error
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf("%s (%d failure(s))", message, len(kept)),
		Cause:   errors.Join(kept...),
		Context: map[string]interface{}{"failures": len(kept)},
	}
}

// GetCode returns the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// GetContext returns the error context
func GetContext(err error) map[string]interface{} {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}

// GetMessage returns the message of the outermost coded error, or err.Error().
func GetMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// IsNotFound returns true if the error is a not found error
func IsNotFound(err error) bool {
	return GetCode(err) == ErrNotFound
}

// IsTimeout returns true if the error is a timeout error
func IsTimeout(err error) bool {
	return GetCode(err) == ErrTimeout
}

// IsCancelled returns true if the error is a cancelled error
func IsCancelled(err error) bool {
	return GetCode(err) == ErrCancelled
}

// IsValidation returns true for pre-execution failures
func IsValidation(err error) bool {
	return GetCode(err) == ErrValidation
}

// IsLockAcquisition returns true if a lock could not be obtained
func IsLockAcquisition(err error) bool {
	return GetCode(err) == ErrLockAcquisition
}

// IsInjected returns true for synthetic failures raised by the injector
func IsInjected(err error) bool {
	return GetCode(err) == ErrInjectedFailure
}

// IsExecutionFailure reports whether err must drive a workflow into rollback.
func IsExecutionFailure(err error) bool {
	switch GetCode(err) {
	case ErrStepExecution, ErrLockAcquisition, ErrInjectedFailure:
		return true
	}
	return false
}

// IsRetryable returns true if the error can be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	return code == ErrTimeout ||
		code == ErrConnection ||
		code == ErrLockAcquisition
}

// Is, As and Join re-export the standard helpers so callers importing this
// package under the name errors keep access to them.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// Validation builds a pre-execution error.
func Validation(op, format string, args ...interface{}) error {
	return &Error{Code: ErrValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// CGTooManyVolumesForMigration rejects a consistency group migration whose
// volume count exceeds the configured ceiling.
func CGTooManyVolumesForMigration(cg string, count, max int) error {
	return &Error{
		Code: ErrValidation,
		Op:   "migration",
		Message: fmt.Sprintf("consistency group %s contains %d volumes, which exceeds the maximum of %d allowed for migration",
			cg, count, max),
		Context: map[string]interface{}{"consistencyGroup": cg, "volumes": count, "max": max},
	}
}

// NoStorageFoundForMigration reports an empty placement result.
func NoStorageFoundForMigration(vpool, varray, volume string) error {
	return &Error{
		Code: ErrValidation,
		Op:   "placement",
		Message: fmt.Sprintf("no storage found for migration of volume %s to virtual pool %s in virtual array %s",
			volume, vpool, varray),
		Context: map[string]interface{}{"volume": volume, "vpool": vpool, "varray": varray},
	}
}

// FailedToAcquireLock names the contended key set.
func FailedToAcquireLock(keys []string, what string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return &Error{
		Code:    ErrLockAcquisition,
		Op:      what,
		Message: fmt.Sprintf("failed to acquire locks [%s]", strings.Join(sorted, ", ")),
		Context: map[string]interface{}{"keys": sorted},
	}
}

// InjectedFailure is the synthetic fault raised by the failure injector.
func InjectedFailure(key string) error {
	return &Error{
		Code:    ErrInjectedFailure,
		Message: "Artificially Thrown Exception: " + key,
		Context: map[string]interface{}{"key": key},
	}
}

// StepFailed wraps a handler error as a step execution failure, preserving
// more specific execution codes (lock, injected) when present.
func StepFailed(stepID string, cause error) error {
	if cause == nil {
		return nil
	}
	if IsExecutionFailure(cause) {
		return WithContext(cause, map[string]interface{}{"step": stepID})
	}
	return &Error{
		Code:    ErrStepExecution,
		Op:      "step " + stepID,
		Message: "step execution failed",
		Cause:   cause,
		Context: map[string]interface{}{"step": stepID},
	}
}

// StepTerminal rejects a transition out of a terminal step state.
func StepTerminal(stepID, state, newState string) error {
	return &Error{
		Code:    ErrWorkflowState,
		Message: fmt.Sprintf("step %s is in terminal state %s and cannot move to %s", stepID, state, newState),
	}
}
