// Package domain contains domain models and business logic errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a service or resource is unavailable.
	ErrUnavailable = errors.New("service unavailable")
)

// Placement and automation errors
var (
	// ErrConfiguration is returned for malformed or missing configuration.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrSafetyGate is returned when a run stops at a pre-flight gate.
	ErrSafetyGate = errors.New("safety gate failed")

	// ErrPlacementInfeasible is returned when no compatible target exists.
	ErrPlacementInfeasible = errors.New("no feasible placement")

	// ErrExecutor is returned when the migration executor rejects or fails a request.
	ErrExecutor = errors.New("migration executor error")

	// ErrTimeout is returned when a task did not reach a terminal state in time.
	ErrTimeout = errors.New("operation timed out")

	// ErrLockHeld is returned when another process owns the automation lock.
	ErrLockHeld = errors.New("lock held by another process")
)

// GateError describes which pre-flight gate stopped an automation run.
type GateError struct {
	Gate   string
	Reason string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Gate, e.Reason)
}

// Unwrap lets errors.Is match ErrSafetyGate.
func (e *GateError) Unwrap() error {
	return ErrSafetyGate
}
