package memfile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dreamware/cbstore/internal/backends/kvcb"
	"github.com/dreamware/cbstore/internal/cb"
)

// ErrOffline is wrapped in the connection errors returned while a store
// is taken offline.
var ErrOffline = errors.New("memfile database is offline")

// StoreStats contains statistics about the store
type StoreStats struct {
	Domains int // Number of non-empty domains
	Records int // Number of records
	Bytes   int // Total size of all encoded records in bytes
}

// MemoryStore implements kvcb.Store with in-memory storage.
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu      sync.RWMutex                 // Protects concurrent access
	data    map[string]map[uint64][]byte // domain → id → encoded record
	seq     uint64                       // Last allocated id
	offline atomic.Bool                  // Simulated outage
}

var _ kvcb.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[uint64][]byte),
	}
}

// SetOffline simulates an outage: while offline every call fails with a
// *cb.ConnectionError.
func (m *MemoryStore) SetOffline(offline bool) {
	m.offline.Store(offline)
}

func (m *MemoryStore) check() error {
	if m.offline.Load() {
		return &cb.ConnectionError{Backend: Type, Err: ErrOffline}
	}
	return nil
}

// NextID allocates the next record id.
func (m *MemoryStore) NextID(ctx context.Context) (uint64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.NextID(ctx)
}

// Get retrieves a value by domain and id
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(ctx context.Context, domain string, id uint64) ([]byte, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memTx{m}.Get(ctx, domain, id)
}

// Put stores a value under domain and id
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(ctx context.Context, domain string, id uint64, value []byte) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.Put(ctx, domain, id, value)
}

// Delete removes a value
// No error if it doesn't exist (idempotent)
func (m *MemoryStore) Delete(ctx context.Context, domain string, id uint64) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.Delete(ctx, domain, id)
}

// Scan returns copies of every value stored in domain
func (m *MemoryStore) Scan(ctx context.Context, domain string) ([][]byte, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memTx{m}.Scan(ctx, domain)
}

// Domains returns the non-empty domains
func (m *MemoryStore) Domains(ctx context.Context) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memTx{m}.Domains(ctx)
}

// Update runs fn holding the write lock. When fn fails, the data is
// restored from a snapshot taken before it ran.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx kvcb.Tx) error) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(memTx{m}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// snapshot copies the domain maps. Values are never mutated in place, so
// they are shared.
func (m *MemoryStore) snapshot() map[string]map[uint64][]byte {
	out := make(map[string]map[uint64][]byte, len(m.data))
	for domain, records := range m.data {
		cp := make(map[uint64][]byte, len(records))
		for id, value := range records {
			cp[id] = value
		}
		out[domain] = cp
	}
	return out
}

// memTx accesses the data of a store whose lock is held by the caller.
type memTx struct {
	m *MemoryStore
}

func (t memTx) NextID(context.Context) (uint64, error) {
	t.m.seq++
	return t.m.seq, nil
}

func (t memTx) Get(_ context.Context, domain string, id uint64) ([]byte, error) {
	value, exists := t.m.data[domain][id]
	if !exists {
		return nil, kvcb.ErrNotFound
	}

	// Return a copy to prevent external modification
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (t memTx) Put(_ context.Context, domain string, id uint64, value []byte) error {
	// Make a copy to prevent external modification
	stored := make([]byte, len(value))
	copy(stored, value)

	records, ok := t.m.data[domain]
	if !ok {
		records = make(map[uint64][]byte)
		t.m.data[domain] = records
	}
	records[id] = stored
	return nil
}

func (t memTx) Delete(_ context.Context, domain string, id uint64) error {
	delete(t.m.data[domain], id)
	if len(t.m.data[domain]) == 0 {
		delete(t.m.data, domain)
	}
	return nil
}

func (t memTx) Scan(_ context.Context, domain string) ([][]byte, error) {
	values := make([][]byte, 0, len(t.m.data[domain]))
	for _, value := range t.m.data[domain] {
		values = append(values, append([]byte(nil), value...))
	}
	return values, nil
}

func (t memTx) Domains(context.Context) ([]string, error) {
	domains := make([]string, 0, len(t.m.data))
	for domain := range t.m.data {
		domains = append(domains, domain)
	}
	return domains, nil
}

// Ping fails while the store is offline.
func (m *MemoryStore) Ping(context.Context) error {
	return m.check()
}

// Close is a no-op: the data outlives the backends using it, like a
// database server outlives its connections.
func (m *MemoryStore) Close() error {
	return nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := StoreStats{Domains: len(m.data)}
	for _, records := range m.data {
		stats.Records += len(records)
		for _, value := range records {
			stats.Bytes += len(value)
		}
	}
	return stats
}
