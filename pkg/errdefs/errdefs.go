// Package errdefs defines the error categories shared across virtforge
// components. Callers classify failures with errors.Is against the
// sentinels below; the CLI maps categories to distinct exit codes so
// scripts can tell validation failures from infrastructure failures.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed input spec. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrResourceExhausted marks an allocation plan that cannot be
	// satisfied by the available host inventory. The plan is rejected
	// wholesale.
	ErrResourceExhausted = errors.New("insufficient resources")

	// ErrTransient marks a retryable infrastructure condition such as a
	// busy domain. Retried with bounded backoff at the call site.
	ErrTransient = errors.New("transient infrastructure error")

	// ErrIrrecoverable marks an environment failure (hypervisor
	// unreachable, corrupt persisted state). Never retried automatically.
	ErrIrrecoverable = errors.New("irrecoverable infrastructure error")

	// ErrPartialFailure marks a multi-VM start in which some VMs came up
	// before one failed; the orchestrator rolls back everything it
	// brought up in the same call.
	ErrPartialFailure = errors.New("partial failure")

	// ErrNotFound marks a missing cluster or record.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an optimistic concurrency conflict on save.
	ErrConflict = errors.New("revision conflict")

	// ErrLockTimeout marks failure to acquire the per-cluster lock
	// before the deadline.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrCorruptState marks a checksum or schema mismatch on load.
	// Surfaced to the operator, never auto-repaired.
	ErrCorruptState = errors.New("corrupt state")

	// ErrIncompleteState marks an inventory request against a cluster
	// that is not fully running.
	ErrIncompleteState = errors.New("incomplete state")
)

// Exit codes returned by the CLI, one per machine-distinguishable
// category.
const (
	ExitOK           = 0
	ExitGeneral      = 1
	ExitValidation   = 2
	ExitResources    = 3
	ExitLock         = 4
	ExitHypervisor   = 5
	ExitNotFound     = 6
	ExitCorruptState = 7
)

// ExitCode maps an error to its CLI exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrValidation):
		return ExitValidation
	case errors.Is(err, ErrResourceExhausted):
		return ExitResources
	case errors.Is(err, ErrLockTimeout):
		return ExitLock
	case errors.Is(err, ErrCorruptState):
		return ExitCorruptState
	case errors.Is(err, ErrIrrecoverable), errors.Is(err, ErrTransient):
		return ExitHypervisor
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	default:
		return ExitGeneral
	}
}

// Validationf wraps a field-level validation failure.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Exhaustedf wraps an unmet resource requirement, naming it.
func Exhaustedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResourceExhausted, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether the failure may be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
