package model

import "errors"

// Error kinds shared by every layer. Callers test with errors.Is; adapters
// wrap these with operation context.
var (
	// ErrLockContention means another holder kept the key past the bounded wait.
	// Retryable by the caller.
	ErrLockContention = errors.New("lock contention")

	// ErrAdapterUnavailable means the external registry was unreachable or
	// returned a transient failure after bounded retries.
	ErrAdapterUnavailable = errors.New("registry unavailable")

	// ErrAdapterRejected means the external registry returned a permanent error.
	ErrAdapterRejected = errors.New("registry rejected request")

	// ErrNotFound means the requested cluster, rotation, credential or
	// external account does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflictAlreadyExists means an external create collided with an
	// existing account. Adapters resolve it internally.
	ErrConflictAlreadyExists = errors.New("already exists")

	// ErrInvariantViolation means stored state broke an engine invariant.
	// Operations abort and are not retried automatically.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrRotationConflict means a cluster already has an active rotation.
	ErrRotationConflict = errors.New("rotation already active")

	// ErrMalformedAccountName means an external account name lacks the
	// prefix its registry variant always returns.
	ErrMalformedAccountName = errors.New("malformed account name")

	// ErrUnsupported means the registry variant lacks the requested capability.
	ErrUnsupported = errors.New("operation not supported by registry")

	// ErrInvalidInput means the caller supplied an unusable argument.
	ErrInvalidInput = errors.New("invalid input")
)
