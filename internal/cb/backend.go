package cb

import (
	"context"
	"time"
)

// Backend is the contract every concrete configuration backend satisfies.
// A Backend owns one connection (or connection pool) to its storage; the
// Handle wrapping it serializes calls, so implementations need not be safe
// for concurrent use.
//
// Error classification is the backend's responsibility:
//   - *ConnectionError when the storage cannot be reached. The handle
//     reacts by starting the recovery protocol.
//   - *QueryError for failed reads, *WriteError for failed writes such as
//     constraint violations. The connection state is unaffected.
//   - *ValidationError for malformed input.
//
// Returned records are copies owned by the caller.
type Backend interface {
	// Type returns the registered backend type name, e.g. "postgresql".
	Type() string
	// Host returns the host the backend is connected to, or "".
	Host() string
	// Port returns the port the backend is connected to, or 0.
	Port() int

	// GetByID returns the record with the given id visible to sel, or nil
	// when there is none.
	GetByID(ctx context.Context, domain string, sel Selector, id uint64) (*Record, error)
	// GetAll returns every record of domain visible to sel, ordered by id.
	// An empty result is not an error.
	GetAll(ctx context.Context, domain string, sel Selector) (Records, error)
	// GetModifiedSince returns the records of domain visible to sel whose
	// modification time is strictly after since, ordered by modification
	// time and then id.
	GetModifiedSince(ctx context.Context, domain string, sel Selector, since time.Time) (Records, error)
	// Upsert inserts or updates rec and returns the stored copy carrying the
	// backend-assigned id and modification time. A record without id
	// replaces the record with the same domain, name and server tag.
	Upsert(ctx context.Context, rec Record) (Record, error)
	// DeleteByID deletes the record with the given id if owned by sel and
	// returns the number of records of domain removed.
	DeleteByID(ctx context.Context, domain string, sel Selector, id uint64) (int, error)
	// DeleteAll deletes every record of domain owned by sel and returns the
	// number removed. Deleting servers cascades to the records they own.
	DeleteAll(ctx context.Context, domain string, sel Selector) (int, error)

	// Ping is the lightweight reconnect probe used during recovery. It
	// re-establishes the connection if the storage supports it.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// Factory creates a live Backend from access string parameters. It should
// verify connectivity so that an unreachable backend is reported when it
// is added rather than on first use.
type Factory func(ctx context.Context, params Parameters) (Backend, error)
