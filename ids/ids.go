// Package ids centralizes identifier generation so every opaque id in
// Autopack (run, phase attempt, save point, approval request, exception
// token) is a UUIDv4 string with a short type prefix ("run_", "att_", ...),
// produced the same way.
package ids

import "github.com/google/uuid"

// NewRunID generates a new run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }

// NewSavePointID generates a new save-point identifier.
func NewSavePointID() string { return "sp_" + uuid.NewString() }

// NewApprovalRequestID generates a new approval-request identifier.
func NewApprovalRequestID() string { return "appr_" + uuid.NewString() }

// NewAttemptID generates a new phase-attempt identifier, used to correlate
// an attempt's save point, Temporal activity calls, and decision-trail
// entries.
func NewAttemptID() string { return "att_" + uuid.NewString() }

// NewExceptionTokenID generates a new one-shot exception-token identifier.
func NewExceptionTokenID() string { return "xtok_" + uuid.NewString() }
