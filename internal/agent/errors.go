package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Common sentinel errors for agent operations
var (
	// ErrNoProvider indicates no model provider or external agent is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")

	// ErrSessionBusy is returned when a turn is submitted to a session that
	// already has an active loop.
	ErrSessionBusy = errors.New("session is busy")

	// ErrSessionNotFound indicates an unknown session id
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed indicates the session was closed
	ErrSessionClosed = errors.New("session closed")

	// ErrPermissionNotFound indicates a decision for a request that is not pending
	ErrPermissionNotFound = errors.New("permission request not found")

	// ErrPermissionDenied is the cause attached to denied tool calls
	ErrPermissionDenied = errors.New("permission denied")

	// ErrMaxToolCalls indicates the per-turn tool call ceiling was reached
	ErrMaxToolCalls = errors.New("maximum tool calls reached")

	// ErrStreamIdle indicates the model stream produced nothing for too long
	ErrStreamIdle = errors.New("model stream idle timeout")

	// ErrNothingToResume indicates there is no persisted loop awaiting a decision
	ErrNothingToResume = errors.New("no paused turn to resume")
)

// ToolErrorType categorizes tool execution errors.
type ToolErrorType string

const (
	// ToolErrorArgumentParse indicates arguments could not be parsed or validated
	ToolErrorArgumentParse ToolErrorType = "argument_parse"

	// ToolErrorNotFound indicates the tool doesn't exist
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorExecution indicates a runtime error during execution
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPermissionDenied indicates the user denied the call
	ToolErrorPermissionDenied ToolErrorType = "permission_denied"

	// ToolErrorSecurity indicates a path or pattern was rejected before execution
	ToolErrorSecurity ToolErrorType = "security"

	// ToolErrorTimeout indicates the tool timed out
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorPanic indicates the tool panicked
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorCancelled indicates the turn was cancelled before the call ran
	ToolErrorCancelled ToolErrorType = "cancelled"
)

// ToolError is a failure local to one tool call. It never ends a session;
// the router turns it into a tool result with IsError set.
type ToolError struct {
	// Type categorizes the error
	Type ToolErrorType

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))

	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a new ToolError with automatic error classification.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorExecution,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
	}
	return err
}

// WithType sets the error type.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID sets the tool call ID for correlating errors with specific calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom human-readable error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// securityError is implemented by errors that represent a sandbox rejection.
type securityError interface {
	SecurityViolation() bool
}

// classifyToolError determines the error type from the error chain.
func classifyToolError(err error) ToolErrorType {
	switch {
	case err == nil:
		return ToolErrorExecution
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ToolErrorTimeout
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	case errors.Is(err, ErrPermissionDenied):
		return ToolErrorPermissionDenied
	case errors.Is(err, context.Canceled):
		return ToolErrorCancelled
	}
	var sec securityError
	if errors.As(err, &sec) && sec.SecurityViolation() {
		return ToolErrorSecurity
	}
	return ToolErrorExecution
}

// GetToolError extracts a ToolError from an error chain using errors.As.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// LoopError is a session-fatal failure with the phase and iteration it
// happened in.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase models.LoopPhase

	// Iteration is the loop iteration where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}
