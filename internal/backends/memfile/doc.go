// Package memfile provides the "memfile" configuration backend: an
// in-process database kept in memory.
//
// Databases are named by the access string name parameter and live for
// the whole process, so a backend removed from a pool and added again sees
// the same data. SetOffline simulates an outage of a database, which makes
// the package the reference backend for exercising the recovery protocol.
//
// Example:
//
//	reg := cb.NewRegistry()
//	memfile.Register(reg)
//	pool := cb.NewPool(reg)
//	pool.AddBackend(ctx, "type=memfile;name=test")
//	memfile.Database("test").SetOffline(true)
package memfile
