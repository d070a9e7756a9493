package domain

import (
	"fmt"
	"time"
)

// ValidationError rejects malformed input before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ValidationErrors collects several field problems from one request.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	default:
		return fmt.Sprintf("%s (and %d more)", e[0].Error(), len(e)-1)
	}
}

type UnknownRoleError struct {
	Role string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown agent or role %q", e.Role)
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError reports an operation that the current state forbids, e.g. appending to a terminal workflow.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

// ClaimConflictError describes a lost claim. The ledger reports it as data; callers may turn it into an error.
type ClaimConflictError struct {
	WorkItemID string
	HolderID   string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("work item %s already claimed by %s", e.WorkItemID, e.HolderID)
}

type InvocationTimeoutError struct {
	InvocationID string
	Deadline     time.Time
}

func (e *InvocationTimeoutError) Error() string {
	return fmt.Sprintf("invocation %s exceeded deadline %s", e.InvocationID, e.Deadline.UTC().Format(time.RFC3339))
}

// InvocationCrashError covers a non-zero exit or output that could not be parsed.
type InvocationCrashError struct {
	InvocationID string
	ExitCode     int
	Reason       string
}

func (e *InvocationCrashError) Error() string {
	return fmt.Sprintf("invocation %s failed (exit %d): %s", e.InvocationID, e.ExitCode, e.Reason)
}

type WorkspaceError struct {
	Op   string
	Path string
	Err  error
}

func (e *WorkspaceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("workspace %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("workspace %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WorkspaceError) Unwrap() error { return e.Err }
