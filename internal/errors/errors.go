// Package errors provides structured error types for hive.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for hive.
const (
	// Initialization errors
	CodeNotInitialized     Code = "HIVE_NOT_INITIALIZED"
	CodeAlreadyInitialized Code = "HIVE_ALREADY_INITIALIZED"

	// Store errors
	CodeNotFound      Code = "STORE_NOT_FOUND"
	CodeConflict      Code = "STORE_CONFLICT"
	CodeSchemaError   Code = "STORE_SCHEMA_ERROR"
	CodeIOError       Code = "STORE_IO_ERROR"
	CodePoolExhausted Code = "STORE_POOL_EXHAUSTED"

	// Task errors
	CodeTaskNotFound     Code = "TASK_NOT_FOUND"
	CodeTaskInvalidState Code = "TASK_INVALID_STATE"
	CodeMaxRetries       Code = "MAX_RETRIES_EXCEEDED"

	// Event errors
	CodeEventPublish Code = "EVENT_PUBLISH_FAILED"

	// Worker errors
	CodeSpawnFailed   Code = "WORKER_SPAWN_FAILED"
	CodeWorkerComm    Code = "WORKER_COMMUNICATION_FAILED"
	CodeRoleSaturated Code = "WORKER_ROLE_SATURATED"

	// Agent errors
	CodeAgentUnavailable Code = "AGENT_UNAVAILABLE"
	CodeAgentTimeout     Code = "AGENT_TIMEOUT"
	CodeAgentRateLimit   Code = "AGENT_RATE_LIMITED"
	CodeAgentService     Code = "AGENT_SERVICE_ERROR"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"

	// Workspace errors
	CodeWorkspaceInvalid Code = "WORKSPACE_INVALID"
	CodeGitBranchExists  Code = "GIT_BRANCH_EXISTS"
)

// Category groups error codes by recovery behavior.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeNotInitialized:     CategoryBadRequest,
	CodeAlreadyInitialized: CategoryConflict,
	CodeNotFound:           CategoryNotFound,
	CodeConflict:           CategoryConflict,
	CodeSchemaError:        CategoryInternal,
	CodeIOError:            CategoryInternal,
	CodePoolExhausted:      CategoryUnavailable,
	CodeTaskNotFound:       CategoryNotFound,
	CodeTaskInvalidState:   CategoryBadRequest,
	CodeMaxRetries:         CategoryInternal,
	CodeEventPublish:       CategoryInternal,
	CodeSpawnFailed:        CategoryUnavailable,
	CodeWorkerComm:         CategoryInternal,
	CodeRoleSaturated:      CategoryConflict,
	CodeAgentUnavailable:   CategoryUnavailable,
	CodeAgentTimeout:       CategoryTimeout,
	CodeAgentRateLimit:     CategoryUnavailable,
	CodeAgentService:       CategoryUnavailable,
	CodeConfigInvalid:      CategoryBadRequest,
	CodeConfigMissing:      CategoryBadRequest,
	CodeWorkspaceInvalid:   CategoryBadRequest,
	CodeGitBranchExists:    CategoryConflict,
}

// Category returns the category for a code.
func (c Code) Category() Category {
	if cat, ok := codeCategories[c]; ok {
		return cat
	}
	return CategoryUnknown
}

// Retryable reports whether errors with this code are worth retrying.
func (c Code) Retryable() bool {
	switch c.Category() {
	case CategoryTimeout, CategoryUnavailable:
		return true
	default:
		return false
	}
}

// HiveError is the structured error type for hive.
// Component and Op identify where the error originated; Fix carries a
// recovery suggestion surfaced to the operator.
type HiveError struct {
	Code      Code   `json:"code"`
	Component string `json:"component,omitempty"`
	Op        string `json:"operation,omitempty"`
	What      string `json:"what"`
	Why       string `json:"why,omitempty"`
	Fix       string `json:"fix,omitempty"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *HiveError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *HiveError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a HiveError with the same code.
func (e *HiveError) Is(target error) bool {
	t, ok := target.(*HiveError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// UserMessage returns a human-readable message including the fix hint.
func (e *HiveError) UserMessage() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n  why: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n  fix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// JSON returns the error serialized as JSON.
func (e *HiveError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"code":%q,"what":%q}`, e.Code, e.What)
	}
	return string(data)
}

// New creates a HiveError with the given code and message.
func New(code Code, what string) *HiveError {
	return &HiveError{Code: code, What: what}
}

// Newf creates a HiveError with a formatted message.
func Newf(code Code, format string, args ...any) *HiveError {
	return &HiveError{Code: code, What: fmt.Sprintf(format, args...)}
}

// Wrap creates a HiveError wrapping a cause.
func Wrap(code Code, what string, cause error) *HiveError {
	return &HiveError{Code: code, What: what, Cause: cause}
}

// In tags the error with a component and operation.
func (e *HiveError) In(component, op string) *HiveError {
	e.Component = component
	e.Op = op
	return e
}

// WithWhy adds an explanation.
func (e *HiveError) WithWhy(why string) *HiveError {
	e.Why = why
	return e
}

// WithFix adds a recovery suggestion.
func (e *HiveError) WithFix(fix string) *HiveError {
	e.Fix = fix
	return e
}

// CodeOf extracts the code from an error chain, or empty if none.
func CodeOf(err error) Code {
	var he *HiveError
	if As(err, &he) {
		return he.Code
	}
	return ""
}
