package domain

import "errors"

// Sentinel errors used across the engine. Callers branch on these with
// errors.Is instead of inspecting strings.
var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrValidation indicates bad input: nonpositive quantity, missing
	// reference, malformed filter.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidState indicates an operation attempted outside its valid
	// source state, e.g. approving a requisition that is not pending.
	ErrInvalidState = errors.New("invalid state transition")
)
