package plan

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the exhaustive error taxonomy from spec.md §7 into
// the five propagation-policy buckets the Phase/Run Orchestrators branch on.
type ErrorKind string

const (
	// KindPatch errors are recovered locally by the Phase Orchestrator's
	// retry loop.
	KindPatch ErrorKind = "patch"
	// KindGovernance errors either surface to the Approval Broker or become
	// GovernanceDenied on the phase.
	KindGovernance ErrorKind = "governance"
	// KindTest errors (new failures, collection errors) feed the Finalizer.
	KindTest ErrorKind = "test"
	// KindWorkflow errors terminate the phase with FAILED and propagate to
	// the Run Orchestrator.
	KindWorkflow ErrorKind = "workflow"
	// KindInfrastructure errors abort the current attempt, roll back, and
	// are retried with bounded backoff.
	KindInfrastructure ErrorKind = "infrastructure"
)

// Code is the exhaustive error vocabulary named in spec.md §7.
type Code string

const (
	PatchParseError     Code = "PatchParseError"
	ApplyConflict       Code = "ApplyConflict"
	SymbolDeletion      Code = "SymbolDeletion"
	StructuralDrift     Code = "StructuralDrift"

	ScopeViolation          Code = "ScopeViolation"
	ProtectedPathViolation  Code = "ProtectedPathViolation"
	GovernanceDenied        Code = "GovernanceDenied"

	NewTestFailure   Code = "NewTestFailure"
	CollectionError  Code = "CollectionError"

	DeliverableMissing Code = "DeliverableMissing"
	ExhaustedAttempts  Code = "ExhaustedAttempts"
	ExhaustedBudget    Code = "ExhaustedBudget"
	ApprovalTimeout    Code = "ApprovalTimeout"

	AgentTimeout       Code = "AgentTimeout"
	AgentProviderError Code = "AgentProviderError"
	WorkspaceIOError   Code = "WorkspaceIOError"
	PersistenceError   Code = "PersistenceError"
)

var codeKinds = map[Code]ErrorKind{
	PatchParseError:        KindPatch,
	ApplyConflict:           KindPatch,
	SymbolDeletion:          KindPatch,
	StructuralDrift:         KindPatch,
	ScopeViolation:          KindGovernance,
	ProtectedPathViolation:  KindGovernance,
	GovernanceDenied:        KindGovernance,
	NewTestFailure:          KindTest,
	CollectionError:         KindTest,
	DeliverableMissing:      KindWorkflow,
	ExhaustedAttempts:       KindWorkflow,
	ExhaustedBudget:         KindWorkflow,
	ApprovalTimeout:         KindWorkflow,
	AgentTimeout:            KindInfrastructure,
	AgentProviderError:      KindInfrastructure,
	WorkspaceIOError:        KindInfrastructure,
	PersistenceError:        KindInfrastructure,
}

// Kind returns the propagation-policy bucket for a Code.
func (c Code) Kind() ErrorKind { return codeKinds[c] }

// Error is a structured, errors.As-friendly error carrying one of the Codes
// above plus enough context for the persisted Phase record's "last failure
// category and normalized error message" (spec §7).
type Error struct {
	Code    Code
	Message string
	Path    string // relevant path, when applicable (governance/workspace errors)
	Cause   error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithPath returns a copy of e annotated with the offending path.
func (e *Error) WithPath(path string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, and false otherwise.
func CodeOf(err error) (Code, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return "", false
}

// ErrNotFound is returned by store lookups (Run, Phase, ApprovalRequest,
// LearnedRule, ...) when the requested row does not exist. Mirrors the
// teacher's registry/store.ErrNotFound sentinel-error idiom.
var ErrNotFound = errors.New("plan: not found")

// ErrAlreadyResolved is returned when an ApprovalResponse arrives for a
// request that has already been resolved (idempotency, spec §4.5: "first
// wins; subsequent are logged and ignored").
var ErrAlreadyResolved = errors.New("plan: approval request already resolved")
