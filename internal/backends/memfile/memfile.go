package memfile

import (
	"context"
	"sync"

	"github.com/dreamware/cbstore/internal/backends/kvcb"
	"github.com/dreamware/cbstore/internal/cb"
)

// Type is the backend type name registered by Register.
const Type = "memfile"

var (
	databasesMu sync.Mutex
	databases   = map[string]*MemoryStore{}
)

// Database returns the in-memory database called name, creating it on
// first use. Backends created with the same name parameter share it.
func Database(name string) *MemoryStore {
	databasesMu.Lock()
	defer databasesMu.Unlock()

	store, ok := databases[name]
	if !ok {
		store = NewMemoryStore()
		databases[name] = store
	}
	return store
}

// Drop forgets the database called name.
func Drop(name string) {
	databasesMu.Lock()
	defer databasesMu.Unlock()
	delete(databases, name)
}

// Register installs the memfile backend type in r.
func Register(r *cb.Registry) {
	r.Register(Type, Factory)
}

// Factory creates a memfile backend. Parameters:
//
//	name   database name, default "default"
//	host   reported for routing only
//	port   reported for routing only
func Factory(ctx context.Context, params cb.Parameters) (cb.Backend, error) {
	port, err := params.Int(cb.KeyPort, 0, 0, 65535)
	if err != nil {
		return nil, err
	}
	store := Database(params.Value(cb.KeyName, "default"))
	if err := store.Ping(ctx); err != nil {
		return nil, err
	}
	return kvcb.New(params.Type(), params.Value(cb.KeyHost, ""), port, store), nil
}
