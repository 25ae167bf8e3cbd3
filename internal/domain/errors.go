package domain

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition indicates an operation was attempted on an entity that is not
// in the state the operation requires.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrValidation indicates malformed input.
var ErrValidation = errors.New("validation error")
