package rediscb

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/dreamware/cbstore/internal/backends/kvcb"
	"github.com/dreamware/cbstore/internal/cb"
)

// Store keeps records in Redis hashes:
//
//	<prefix>:<domain>   hash id → msgpack record
//	<prefix>:domains    set of domains in use
//	<prefix>:seq        id sequence
//	<prefix>:version    bumped by every write, watched by Update
type Store struct {
	pool   *redis.Pool
	prefix string
}

var _ kvcb.Store = (*Store)(nil)

// maxAttempts bounds the retries of Update when other writers keep
// changing the store underneath it.
const maxAttempts = 32

// ErrConflict is returned by Update when it lost every attempt to a
// concurrent writer.
var ErrConflict = errors.New("rediscb: too many concurrent writers")

// NewStore returns a store using connections from pool and keys under
// prefix.
func NewStore(pool *redis.Pool, prefix string) *Store {
	return &Store{pool: pool, prefix: prefix}
}

func (s *Store) key(domain string) string {
	return s.prefix + ":" + domain
}

func (s *Store) do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, s.classify(cmd, err)
	}
	defer conn.Close()

	reply, err := conn.Do(cmd, args...)
	if err != nil {
		return nil, s.classify(cmd, err)
	}
	return reply, nil
}

// classify tells error replies of the server apart from transport
// failures, which are reported as *cb.ConnectionError.
func (s *Store) classify(cmd string, err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) || errors.Is(err, redis.ErrNil) {
		return fmt.Errorf("Do(%s) failed: %w", cmd, err)
	}
	return &cb.ConnectionError{Backend: Type, Err: fmt.Errorf("Do(%s) failed: %w", cmd, err)}
}

// NextID increments the id sequence.
func (s *Store) NextID(ctx context.Context) (uint64, error) {
	id, err := redis.Uint64(s.do(ctx, "INCR", s.prefix+":seq"))
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Get reads one record.
func (s *Store) Get(ctx context.Context, domain string, id uint64) ([]byte, error) {
	data, err := redis.Bytes(s.do(ctx, "HGET", s.key(domain), id))
	if errors.Is(err, redis.ErrNil) {
		return nil, kvcb.ErrNotFound
	}
	return data, err
}

// Put writes one record and registers its domain in a single
// transaction.
func (s *Store) Put(ctx context.Context, domain string, id uint64, value []byte) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return s.classify("MULTI", err)
	}
	defer conn.Close()

	_, err = s.exec(conn, []write{{domain: domain, id: id, value: value}})
	return err
}

// Delete removes one record.
func (s *Store) Delete(ctx context.Context, domain string, id uint64) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return s.classify("MULTI", err)
	}
	defer conn.Close()

	_, err = s.exec(conn, []write{{domain: domain, id: id}})
	return err
}

// write is one buffered change. A nil value deletes the record.
type write struct {
	domain string
	id     uint64
	value  []byte
}

// exec applies writes in one MULTI/EXEC block and bumps the version key.
// It reports false when EXEC was aborted because a watched key changed.
func (s *Store) exec(conn redis.Conn, writes []write) (bool, error) {
	if err := conn.Send("MULTI"); err != nil {
		return false, s.classify("MULTI", err)
	}
	for _, w := range writes {
		if w.value == nil {
			if err := conn.Send("HDEL", s.key(w.domain), w.id); err != nil {
				return false, s.classify("HDEL", err)
			}
			continue
		}
		if err := conn.Send("HSET", s.key(w.domain), w.id, w.value); err != nil {
			return false, s.classify("HSET", err)
		}
		if err := conn.Send("SADD", s.prefix+":domains", w.domain); err != nil {
			return false, s.classify("SADD", err)
		}
	}
	if err := conn.Send("INCR", s.prefix+":version"); err != nil {
		return false, s.classify("INCR", err)
	}
	reply, err := conn.Do("EXEC")
	if err != nil {
		return false, s.classify("EXEC", err)
	}
	return reply != nil, nil
}

// Update runs fn against a transaction that reads from Redis and buffers
// its writes. The buffer is committed in one MULTI/EXEC guarded by a WATCH
// on the version key. When another writer got in first, fn runs again on
// fresh data, up to maxAttempts times.
func (s *Store) Update(ctx context.Context, fn func(tx kvcb.Tx) error) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return s.classify("WATCH", err)
	}
	defer conn.Close()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := conn.Do("WATCH", s.prefix+":version"); err != nil {
			return s.classify("WATCH", err)
		}
		tx := &redisTx{store: s, conn: conn}
		if err := fn(tx); err != nil {
			conn.Do("UNWATCH")
			return err
		}
		if len(tx.writes) == 0 {
			if _, err := conn.Do("UNWATCH"); err != nil {
				return s.classify("UNWATCH", err)
			}
			return nil
		}
		ok, err := s.exec(conn, tx.writes)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// jitter keeps competing writers from colliding in lockstep
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(int64(attempt+1) * int64(time.Millisecond)))):
		}
	}
	return ErrConflict
}

// redisTx reads through its own buffered writes.
type redisTx struct {
	store  *Store
	conn   redis.Conn
	writes []write
}

func (t *redisTx) do(cmd string, args ...interface{}) (interface{}, error) {
	reply, err := t.conn.Do(cmd, args...)
	if err != nil {
		return nil, t.store.classify(cmd, err)
	}
	return reply, nil
}

// buffered returns the last buffered write of a record.
func (t *redisTx) buffered(domain string, id uint64) (write, bool) {
	for i := len(t.writes) - 1; i >= 0; i-- {
		if w := t.writes[i]; w.domain == domain && w.id == id {
			return w, true
		}
	}
	return write{}, false
}

func (t *redisTx) NextID(context.Context) (uint64, error) {
	return redis.Uint64(t.do("INCR", t.store.prefix+":seq"))
}

func (t *redisTx) Get(_ context.Context, domain string, id uint64) ([]byte, error) {
	if w, ok := t.buffered(domain, id); ok {
		if w.value == nil {
			return nil, kvcb.ErrNotFound
		}
		return w.value, nil
	}
	data, err := redis.Bytes(t.do("HGET", t.store.key(domain), id))
	if errors.Is(err, redis.ErrNil) {
		return nil, kvcb.ErrNotFound
	}
	return data, err
}

func (t *redisTx) Put(_ context.Context, domain string, id uint64, value []byte) error {
	t.writes = append(t.writes, write{domain: domain, id: id, value: append([]byte{}, value...)})
	return nil
}

func (t *redisTx) Delete(_ context.Context, domain string, id uint64) error {
	t.writes = append(t.writes, write{domain: domain, id: id})
	return nil
}

func (t *redisTx) Scan(_ context.Context, domain string) ([][]byte, error) {
	pairs, err := redis.ByteSlices(t.do("HGETALL", t.store.key(domain)))
	if err != nil {
		return nil, err
	}
	records := make(map[uint64][]byte, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		id, err := strconv.ParseUint(string(pairs[i]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %q of %s: %w", pairs[i], t.store.key(domain), err)
		}
		records[id] = pairs[i+1]
	}
	for _, w := range t.writes {
		if w.domain != domain {
			continue
		}
		if w.value == nil {
			delete(records, w.id)
		} else {
			records[w.id] = w.value
		}
	}
	values := make([][]byte, 0, len(records))
	for _, v := range records {
		values = append(values, v)
	}
	return values, nil
}

func (t *redisTx) Domains(context.Context) ([]string, error) {
	domains, err := redis.Strings(t.do("SMEMBERS", t.store.prefix+":domains"))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(domains))
	for _, d := range domains {
		seen[d] = true
	}
	for _, w := range t.writes {
		if w.value != nil && !seen[w.domain] {
			seen[w.domain] = true
			domains = append(domains, w.domain)
		}
	}
	return domains, nil
}

// Scan reads every record of domain.
func (s *Store) Scan(ctx context.Context, domain string) ([][]byte, error) {
	return redis.ByteSlices(s.do(ctx, "HVALS", s.key(domain)))
}

// Domains lists the domains that ever held a record.
func (s *Store) Domains(ctx context.Context) ([]string, error) {
	return redis.Strings(s.do(ctx, "SMEMBERS", s.prefix+":domains"))
}

// Ping checks the server. Broken connections are discarded by the pool,
// so a successful ping after an outage runs on a fresh connection.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.do(ctx, "PING")
	return err
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Stats reports the number of records per domain.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	domains, err := s.Domains(ctx)
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int, len(domains))
	for _, domain := range domains {
		n, err := redis.Int(s.do(ctx, "HLEN", s.key(domain)))
		if err != nil {
			return nil, err
		}
		stats[domain] = n
	}
	return stats, nil
}
