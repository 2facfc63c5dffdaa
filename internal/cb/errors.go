package cb

import (
	"errors"
	"fmt"

	"github.com/dreamware/cbstore/internal/stamped"
)

// ValidationError is re-exported so callers of this package can classify
// malformed input without importing stamped.
type ValidationError = stamped.ValidationError

var (
	// ErrHandleClosed is returned by a handle that has been removed from
	// its pool.
	ErrHandleClosed = errors.New("backend handle closed")

	// ErrBackendUnavailable is wrapped in a ConnectionError returned while
	// a handle is recovering from a connectivity loss.
	ErrBackendUnavailable = errors.New("backend connection lost, recovery in progress")

	// ErrBackendFailed is wrapped in a ConnectionError returned after the
	// recovery controller gave up. The backend must be re-added.
	ErrBackendFailed = errors.New("backend connection lost, recovery failed")

	// ErrReadOnly is wrapped in a WriteError for writes to a backend
	// configured with readonly=true.
	ErrReadOnly = errors.New("backend is read-only")

	// ErrNoBackend is returned when a selector routes to no backend.
	ErrNoBackend = errors.New("no backend matches the selector")

	// ErrAmbiguousBackend is returned when a write routes to more than one
	// backend.
	ErrAmbiguousBackend = errors.New("selector matches more than one backend")

	// ErrNullKey is wrapped in a WriteError for records without a name.
	ErrNullKey = errors.New("record name must not be empty")

	// ErrUnknownServer is wrapped in a WriteError for records owned by a
	// server the backend does not know.
	ErrUnknownServer = errors.New("server tag references no existing server")

	// ErrServerNameMismatch is wrapped in a WriteError for server records
	// whose name differs from their tag, or that use the reserved tag.
	ErrServerNameMismatch = errors.New("server record must be named after its own, non-reserved tag")
)

// UnknownBackendTypeError is returned when no factory is registered for a
// backend type. No state is created.
type UnknownBackendTypeError struct {
	Type string
}

func (e *UnknownBackendTypeError) Error() string {
	return fmt.Sprintf("unknown configuration backend type %q", e.Type)
}

// MalformedAccessStringError is returned when an access string cannot be
// parsed. It is detected before any registry lookup.
type MalformedAccessStringError struct {
	Reason string
}

func (e *MalformedAccessStringError) Error() string {
	return "malformed access string: " + e.Reason
}

// ConnectionError reports that a backend could not be reached, either
// while being created or in the middle of an operation. Operation-time
// connection errors drive the recovery state machine.
type ConnectionError struct {
	Backend string // backend type, e.g. "postgresql"
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s backend connection error: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError reports a failed read. The connection state is unaffected.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// WriteError reports a failed write, typically a constraint violation.
// The connection state is unaffected.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err, or any error it wraps, is a
// *ConnectionError.
func IsConnectionError(err error) bool {
	var cerr *ConnectionError
	return errors.As(err, &cerr)
}
