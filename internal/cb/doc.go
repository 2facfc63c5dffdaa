// Package cb implements the configuration backend subsystem: pluggable
// storage backends for server configuration, a pool routing operations to
// them by server selector, and the recovery protocol run when a backend
// becomes unreachable.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                   Pool                       │
//	│  AddBackend("type=mysql;host=db1;...")       │
//	│        │                                     │
//	│        ▼                                     │
//	│  Registry ── type → Factory → Backend        │
//	│                                              │
//	│  ┌────────────────────┐  ┌────────────────┐  │
//	│  │ Handle             │  │ Handle         │  │
//	│  │  mutex → Backend   │  │  ...           │  │
//	│  │  RecoveryController│  │                │  │
//	│  └────────────────────┘  └────────────────┘  │
//	└──────────────────────────────────────────────┘
//
// # Core Components
//
// Registry: maps backend type names to factories. Backend packages expose
// a Register function; binaries call it for every type they support before
// creating pools.
//
// Handle: one live backend connection. Calls are serialized. A
// *ConnectionError returned by the backend marks the start of a loss
// episode and is reported to the RecoveryController exactly once.
//
// RecoveryController: drives the CONNECTED → LOST → RETRYING → CONNECTED
// or FAILED protocol on its own goroutine and delivers the Callbacks.
//
// Pool: the set of handles of a process. Reads fan out to every backend
// routed by the Selector; writes need exactly one.
//
// # Selectors
//
//	selector        reads see                 deletes affect
//	Unassigned      "all" records             "all" records
//	AllServers      every record              every record
//	One(a)          "a" and "all" records     "a" records
//	Multiple(a,b)   "a", "b", "all" records   "a" and "b" records
//
// # Errors
//
// Every failure is returned to the caller as one of the typed errors in
// errors.go. Connection errors met during an operation additionally start
// the recovery protocol; while it runs, calls fail fast rather than block.
//
// # Example
//
//	reg := cb.NewRegistry()
//	memfile.Register(reg)
//
//	pool := cb.NewPool(reg, cb.WithCallbacks(cb.Callbacks{
//		OnLost:      func(id string) { pauseService() },
//		OnRecovered: func(id string) { resumeService() },
//	}))
//	defer pool.Close()
//
//	if _, err := pool.AddBackend(ctx, "type=memfile;reconnect-wait-time=5000"); err != nil {
//		return err
//	}
//	params, err := pool.GetAllGlobalParameters(ctx, cb.One(tag))
package cb
