// Package errors provides centralized error definitions and error handling utilities
// for testlock. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - LockError: contention and ownership errors on the lock record
//   - QueueError: errors related to waiter tickets (cancellation, allocation)
//   - ScopeError: errors resolving the state root for a scope
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//   - ExitError: a child command exited non-zero (used by `testlock run`)
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewLockError("acquire failed", errors.ErrLocked).
//		WithStateRoot(root).WithHolder(4242, "npm test")
//
//	err := errors.NewQueueError("ticket was canceled", errors.ErrTicketCanceled).
//		WithTicket(7)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrLocked) { ... }
//
//	var queueErr *errors.QueueError
//	if errors.As(err, &queueErr) { ... }
//
//	os.Exit(errors.ExitCode(err))
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: contention and timeouts, which may succeed later
//   - UserFacing: errors safe to display to users (vs internal errors)
//   - Severity: Debug, Info, Warning, Error, Critical
//   - ExitCode: the process exit status a command should return
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Exit codes returned by the testlock binary.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitContention  = 2
	ExitOwnership   = 3
	ExitCanceled    = 4
	ExitTimeout     = 5
	ExitConfigError = 78 // EX_CONFIG from sysexits.h
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lock-related sentinel errors
var (
	// ErrLocked indicates that the lock is held by another process, or that
	// waiters are queued ahead of a caller that did not ask to wait.
	ErrLocked = New("lock is held")
	// ErrNotHolder indicates a release by a process that does not hold the lock.
	ErrNotHolder = New("caller does not hold the lock")
	// ErrNotLocked indicates that no lock record exists.
	ErrNotLocked = New("lock is not held")
	// ErrLockCorrupted indicates that the lock record could not be parsed.
	ErrLockCorrupted = New("lock record corrupted")
)

// Queue-related sentinel errors
var (
	// ErrTicketCanceled indicates that a waiter's ticket was removed from the queue.
	ErrTicketCanceled = New("queue ticket canceled")
	// ErrTicketNotFound indicates that a ticket does not exist.
	ErrTicketNotFound = New("queue ticket not found")
	// ErrTicketAllocation indicates that no ticket number could be reserved.
	ErrTicketAllocation = New("queue ticket allocation failed")
)

// Scope-related sentinel errors
var (
	// ErrNoRepoRoot indicates that no version-control root encloses the directory.
	ErrNoRepoRoot = New("not inside a git repository")
	// ErrInvalidScope indicates an unknown scope name.
	ErrInvalidScope = New("invalid scope")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrOperationFailed indicates a general operation failure.
	ErrOperationFailed = New("operation failed")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// LockingError is the base interface for all testlock errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type LockingError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	// This is used by errors.Is() for error comparison.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatDomain renders "<kind> [k=v, ...]: message: cause".
func formatDomain(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// LockError represents contention and ownership errors on the lock record.
//
// Example:
//
//	err := errors.NewLockError("acquire failed", errors.ErrLocked).WithHolder(4242, "npm test")
//	fmt.Println(err) // "lock error [holder_pid=4242, command=npm test]: acquire failed: lock is held"
type LockError struct {
	baseError
	StateRoot        string
	HolderPID        int
	CommandSignature string
	Waiters          int
}

// NewLockError creates a new LockError. Contention errors are retryable.
func NewLockError(message string, cause error) *LockError {
	return &LockError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  errors.Is(cause, ErrLocked),
			userFacing: true,
		},
	}
}

// WithStateRoot adds the state root to the error context.
func (e *LockError) WithStateRoot(root string) *LockError {
	e.StateRoot = root
	return e
}

// WithHolder adds the current holder's pid and command signature.
func (e *LockError) WithHolder(pid int, signature string) *LockError {
	e.HolderPID = pid
	e.CommandSignature = signature
	return e
}

// WithWaiters records how many surviving waiters are queued.
func (e *LockError) WithWaiters(n int) *LockError {
	e.Waiters = n
	return e
}

// WithSeverity sets the error severity.
func (e *LockError) WithSeverity(s Severity) *LockError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	var parts []string
	if e.HolderPID > 0 {
		parts = append(parts, fmt.Sprintf("holder_pid=%d", e.HolderPID))
	}
	if e.CommandSignature != "" {
		parts = append(parts, fmt.Sprintf("command=%s", e.CommandSignature))
	}
	if e.Waiters > 0 {
		parts = append(parts, fmt.Sprintf("queue_waiters=%d", e.Waiters))
	}
	if e.StateRoot != "" {
		parts = append(parts, fmt.Sprintf("state_root=%s", e.StateRoot))
	}
	return formatDomain("lock error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *LockError) Is(target error) bool {
	if _, ok := target.(*LockError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// QueueError represents errors related to waiter tickets.
//
// Example:
//
//	err := errors.NewQueueError("waiter removed from queue", errors.ErrTicketCanceled).WithTicket(7)
//	fmt.Println(err) // "queue error [ticket=7]: waiter removed from queue: queue ticket canceled"
type QueueError struct {
	baseError
	Ticket    int64
	StateRoot string
}

// NewQueueError creates a new QueueError.
func NewQueueError(message string, cause error) *QueueError {
	return &QueueError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithTicket adds the ticket number to the error context.
func (e *QueueError) WithTicket(ticket int64) *QueueError {
	e.Ticket = ticket
	return e
}

// WithStateRoot adds the state root to the error context.
func (e *QueueError) WithStateRoot(root string) *QueueError {
	e.StateRoot = root
	return e
}

// Error returns the formatted error message.
func (e *QueueError) Error() string {
	var parts []string
	if e.Ticket > 0 {
		parts = append(parts, fmt.Sprintf("ticket=%d", e.Ticket))
	}
	if e.StateRoot != "" {
		parts = append(parts, fmt.Sprintf("state_root=%s", e.StateRoot))
	}
	return formatDomain("queue error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *QueueError) Is(target error) bool {
	if _, ok := target.(*QueueError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ScopeError represents a failure to resolve the state root for a scope.
// These are configuration errors and are raised before any state is touched.
type ScopeError struct {
	baseError
	Scope string
	Dir   string
}

// NewScopeError creates a new ScopeError.
func NewScopeError(message string, cause error) *ScopeError {
	return &ScopeError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithScope adds the scope name to the error context.
func (e *ScopeError) WithScope(scope string) *ScopeError {
	e.Scope = scope
	return e
}

// WithDir adds the directory the resolution started from.
func (e *ScopeError) WithDir(dir string) *ScopeError {
	e.Dir = dir
	return e
}

// Error returns the formatted error message.
func (e *ScopeError) Error() string {
	var parts []string
	if e.Scope != "" {
		parts = append(parts, fmt.Sprintf("scope=%s", e.Scope))
	}
	if e.Dir != "" {
		parts = append(parts, fmt.Sprintf("dir=%s", e.Dir))
	}
	return formatDomain("scope error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ScopeError) Is(target error) bool {
	if _, ok := target.(*ScopeError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("ticket", "7")
//	fmt.Println(err) // "ticket '7' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("ticket must be positive").WithField("ticket").WithValue(0)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatDomain("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for lock", 30*time.Second)
//	fmt.Println(err) // "timeout error: waiting for lock (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// ExitError carries a child process exit status through the command layer.
type ExitError struct {
	Command string
	Code    int
}

// NewExitError creates a new ExitError.
func NewExitError(command string, code int) *ExitError {
	return &ExitError{Command: command, Code: code}
}

// Error returns the formatted error message.
func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.Code)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing LockingError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout or ErrLocked
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    time.Sleep(backoff)
//	    return retry(operation)
//	}
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var lockingErr LockingError
	if As(err, &lockingErr) {
		return lockingErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrLocked)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var lockingErr LockingError
	if As(err, &lockingErr) {
		return lockingErr.IsUserFacing()
	}

	var exitErr *ExitError
	return As(err, &exitErr)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement LockingError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var lockingErr LockingError
	if As(err, &lockingErr) {
		return lockingErr.Severity()
	}

	return SeverityError
}

// IsConfigError returns true if the error stems from configuration or scope
// resolution rather than from lock state.
func IsConfigError(err error) bool {
	if err == nil {
		return false
	}
	var scopeErr *ScopeError
	var validation *ValidationError
	return As(err, &scopeErr) || As(err, &validation) ||
		Is(err, ErrNoRepoRoot) || Is(err, ErrInvalidScope)
}

// ExitCode maps an error returned by a command to the process exit status.
//
//	nil                      -> 0
//	*ExitError               -> child's status
//	ErrLocked                -> 2 (contention)
//	ErrNotHolder/ErrNotLocked -> 3 (ownership)
//	ErrTicketCanceled        -> 4 (cancellation)
//	ErrTimeout               -> 5
//	scope/validation errors  -> 78
//	anything else            -> 1
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if As(err, &exitErr) {
		return exitErr.Code
	}

	switch {
	case Is(err, ErrTicketCanceled):
		return ExitCanceled
	case Is(err, ErrLocked):
		return ExitContention
	case Is(err, ErrNotHolder), Is(err, ErrNotLocked):
		return ExitOwnership
	case Is(err, ErrTimeout):
		return ExitTimeout
	case IsConfigError(err):
		return ExitConfigError
	default:
		return ExitFailure
	}
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to read lock record")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to cancel ticket %d", ticket)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
