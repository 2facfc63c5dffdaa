// Package stamped provides the versioning primitives shared by every
// configuration entity held in a configuration backend.
//
// # Overview
//
// Configuration served to a fleet of cooperating servers is stored as
// individual records. Each record carries three pieces of bookkeeping:
//
//   - a backend identifier (0 until the backend assigns one on insert)
//   - a modification timestamp, used for incremental fetches
//   - a server tag naming the server that owns the record, or the
//     reserved "all" tag for fleet-wide defaults
//
// Element bundles the three and is embedded by the record types of the
// cb package. ServerTag is a validated value type: tags longer than
// MaxServerTagLength are rejected with a *ValidationError, so an invalid
// tag never reaches persistence.
//
// # Ownership rules
//
//	record tag   server "a"   server "b"
//	"all"        applies      applies
//	"a"          applies      -
//
// # Timestamps
//
// Constructors stamp elements with Now(). Backends overwrite the stamp with
// their authoritative value on every write, and restore persisted values
// with SetModificationTime when reading. Reads never touch the timestamp.
package stamped
