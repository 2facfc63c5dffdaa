package boltcb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dreamware/cbstore/internal/backends/kvcb"
	"github.com/dreamware/cbstore/internal/cb"
)

// metaBucket holds the id sequence. Its name can never be a valid domain.
var metaBucket = []byte("_meta")

// Store keeps each domain in its own bucket, keyed by big-endian record id.
// A store whose database was closed underneath it reports connection
// errors until Ping reopens the file.
type Store struct {
	path    string
	timeout time.Duration

	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

var _ kvcb.Store = (*Store)(nil)

// Open opens or creates the database file at path. timeout bounds the
// wait for the file lock.
func Open(path string, timeout time.Duration) (*Store, error) {
	s := &Store{path: path, timeout: timeout}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open() error {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		return &cb.ConnectionError{Backend: Type, Err: fmt.Errorf("open %s: %w", s.path, err)}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return &cb.ConnectionError{Backend: Type, Err: err}
	}
	s.db = db
	return nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *bolt.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.classify(s.db.View(fn))
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.classify(s.db.Update(fn))
}

func (s *Store) classify(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTimeout) {
		return &cb.ConnectionError{Backend: Type, Err: err}
	}
	return err
}

func itob(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// NextID draws from the sequence of the meta bucket.
func (s *Store) NextID(ctx context.Context) (id uint64, err error) {
	err = s.update(func(tx *bolt.Tx) error {
		id, err = boltTx{tx}.NextID(ctx)
		return err
	})
	return id, err
}

// Get reads one record.
func (s *Store) Get(ctx context.Context, domain string, id uint64) (data []byte, err error) {
	err = s.view(func(tx *bolt.Tx) error {
		data, err = boltTx{tx}.Get(ctx, domain, id)
		return err
	})
	return data, err
}

// Put writes one record, creating the domain bucket on first use.
func (s *Store) Put(ctx context.Context, domain string, id uint64, value []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		return boltTx{tx}.Put(ctx, domain, id, value)
	})
}

// Delete removes one record. The domain bucket is dropped with its last
// record.
func (s *Store) Delete(ctx context.Context, domain string, id uint64) error {
	return s.update(func(tx *bolt.Tx) error {
		return boltTx{tx}.Delete(ctx, domain, id)
	})
}

// Scan reads every record of domain in id order.
func (s *Store) Scan(ctx context.Context, domain string) (values [][]byte, err error) {
	err = s.view(func(tx *bolt.Tx) error {
		values, err = boltTx{tx}.Scan(ctx, domain)
		return err
	})
	return values, err
}

// Domains lists the domain buckets.
func (s *Store) Domains(ctx context.Context) (domains []string, err error) {
	err = s.view(func(tx *bolt.Tx) error {
		domains, err = boltTx{tx}.Domains(ctx)
		return err
	})
	return domains, err
}

// Update runs fn in a single read-write transaction. bbolt allows one
// writer per file and the file lock keeps other processes out.
func (s *Store) Update(_ context.Context, fn func(tx kvcb.Tx) error) error {
	return s.update(func(tx *bolt.Tx) error {
		return fn(boltTx{tx})
	})
}

// boltTx implements kvcb.Tx within a bbolt transaction.
type boltTx struct {
	tx *bolt.Tx
}

func (t boltTx) NextID(context.Context) (uint64, error) {
	return t.tx.Bucket(metaBucket).NextSequence()
}

func (t boltTx) Get(_ context.Context, domain string, id uint64) ([]byte, error) {
	b := t.tx.Bucket([]byte(domain))
	if b == nil {
		return nil, kvcb.ErrNotFound
	}
	v := b.Get(itob(id))
	if v == nil {
		return nil, kvcb.ErrNotFound
	}
	// value is only valid for the life of the transaction
	return append([]byte(nil), v...), nil
}

func (t boltTx) Put(_ context.Context, domain string, id uint64, value []byte) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(domain))
	if err != nil {
		return err
	}
	return b.Put(itob(id), value)
}

func (t boltTx) Delete(_ context.Context, domain string, id uint64) error {
	b := t.tx.Bucket([]byte(domain))
	if b == nil {
		return nil
	}
	if err := b.Delete(itob(id)); err != nil {
		return err
	}
	if k, _ := b.Cursor().First(); k == nil {
		return t.tx.DeleteBucket([]byte(domain))
	}
	return nil
}

func (t boltTx) Scan(_ context.Context, domain string) ([][]byte, error) {
	b := t.tx.Bucket([]byte(domain))
	if b == nil {
		return nil, nil
	}
	var values [][]byte
	err := b.ForEach(func(_, v []byte) error {
		values = append(values, append([]byte(nil), v...))
		return nil
	})
	return values, err
}

func (t boltTx) Domains(context.Context) ([]string, error) {
	var domains []string
	err := t.tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
		if string(name) != string(metaBucket) {
			domains = append(domains, string(name))
		}
		return nil
	})
	return domains, err
}

// Ping checks the database and reopens it when it was closed underneath
// the store.
func (s *Store) Ping(context.Context) error {
	err := s.view(func(*bolt.Tx) error { return nil })
	if !cb.IsConnectionError(err) {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &cb.ConnectionError{Backend: Type, Err: bolt.ErrDatabaseNotOpen}
	}
	if s.db.View(func(*bolt.Tx) error { return nil }) == nil {
		// reopened concurrently
		return nil
	}
	return s.open()
}

// Close closes the database for good.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.db.Close()
}
