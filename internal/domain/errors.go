// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates an operation that clashes with the current state,
// such as starting a run on a session that is already running.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates a request that failed validation.
var ErrValidation = errors.New("validation failed")
