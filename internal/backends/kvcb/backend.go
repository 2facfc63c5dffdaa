package kvcb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/cbstore/internal/cb"
	"github.com/dreamware/cbstore/internal/stamped"
)

// Backend implements cb.Backend over a Store. Records are encoded with
// Encode and filtered in memory, which suits the small tables of a
// configuration database.
type Backend struct {
	typ   string
	host  string
	port  int
	store Store

	// lastStamp keeps modification times non-decreasing even if the wall
	// clock steps back.
	lastStamp time.Time
}

var _ cb.Backend = (*Backend)(nil)

// New wraps store. typ, host and port describe the backend for routing.
func New(typ, host string, port int, store Store) *Backend {
	return &Backend{typ: typ, host: host, port: port, store: store}
}

func (b *Backend) Type() string { return b.typ }
func (b *Backend) Host() string { return b.host }
func (b *Backend) Port() int    { return b.port }

// Store returns the underlying store.
func (b *Backend) Store() Store { return b.store }

func (b *Backend) GetByID(ctx context.Context, domain string, sel cb.Selector, id uint64) (*cb.Record, error) {
	rec, err := get(ctx, b.store, domain, id)
	if err != nil {
		return nil, b.queryError("get "+domain, err)
	}
	if rec == nil || !sel.Matches(rec.ServerTag()) {
		return nil, nil
	}
	return rec, nil
}

func (b *Backend) GetAll(ctx context.Context, domain string, sel cb.Selector) (cb.Records, error) {
	recs, err := load(ctx, b.store, domain, func(r cb.Record) bool { return sel.Matches(r.ServerTag()) })
	if err != nil {
		return nil, b.queryError("get all "+domain, err)
	}
	cb.SortByID(recs)
	return recs, nil
}

func (b *Backend) GetModifiedSince(ctx context.Context, domain string, sel cb.Selector, since time.Time) (cb.Records, error) {
	recs, err := load(ctx, b.store, domain, func(r cb.Record) bool {
		return r.ModificationTime().After(since) && sel.Matches(r.ServerTag())
	})
	if err != nil {
		return nil, b.queryError("get modified "+domain, err)
	}
	cb.SortByModification(recs)
	return recs, nil
}

// Upsert checks the constraints, looks up the record it replaces and
// stores it in one Store.Update, so concurrent writers sharing the store
// cannot both insert the same name and server tag.
func (b *Backend) Upsert(ctx context.Context, rec cb.Record) (cb.Record, error) {
	op := "upsert " + rec.Domain
	if err := rec.Validate(); err != nil {
		return cb.Record{}, err
	}
	requested := rec.ID()
	err := b.store.Update(ctx, func(tx Tx) error {
		// fn may run again after a conflicting writer
		rec.SetID(requested)
		if err := cb.CheckConstraints(rec, func(tag string) (bool, error) {
			return serverExists(ctx, tx, tag)
		}); err != nil {
			return err
		}

		existing, err := find(ctx, tx, rec)
		if err != nil {
			return err
		}
		switch {
		case existing != nil:
			rec.SetID(existing.ID())
		case rec.ID() != 0:
			return &cb.WriteError{Op: op, Err: fmt.Errorf("no record with id %d", rec.ID())}
		default:
			id, err := tx.NextID(ctx)
			if err != nil {
				return err
			}
			rec.SetID(id)
		}

		rec.SetModificationTime(b.stamp())
		data, err := Encode(rec)
		if err != nil {
			return err
		}
		return tx.Put(ctx, rec.Domain, rec.ID(), data)
	})
	if err != nil {
		return cb.Record{}, b.writeError(op, err)
	}
	return rec, nil
}

func (b *Backend) DeleteByID(ctx context.Context, domain string, sel cb.Selector, id uint64) (int, error) {
	op := "delete " + domain
	var n int
	err := b.store.Update(ctx, func(tx Tx) error {
		n = 0
		rec, err := get(ctx, tx, domain, id)
		if err != nil || rec == nil || !sel.Owns(rec.ServerTag()) {
			return err
		}
		if err := remove(ctx, tx, *rec); err != nil {
			return err
		}
		n = 1
		return nil
	})
	if err != nil {
		return 0, b.writeError(op, err)
	}
	return n, nil
}

func (b *Backend) DeleteAll(ctx context.Context, domain string, sel cb.Selector) (int, error) {
	op := "delete all " + domain
	var n int
	err := b.store.Update(ctx, func(tx Tx) error {
		n = 0
		recs, err := load(ctx, tx, domain, func(r cb.Record) bool { return sel.Owns(r.ServerTag()) })
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := remove(ctx, tx, rec); err != nil {
				return err
			}
		}
		n = len(recs)
		return nil
	})
	if err != nil {
		return 0, b.writeError(op, err)
	}
	return n, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.store.Ping(ctx); err != nil {
		if cb.IsConnectionError(err) {
			return err
		}
		return &cb.ConnectionError{Backend: b.typ, Err: err}
	}
	return nil
}

func (b *Backend) Close() error {
	return b.store.Close()
}

// remove deletes rec. Deleting a server also deletes every record it owns.
func remove(ctx context.Context, tx Tx, rec cb.Record) error {
	if err := tx.Delete(ctx, rec.Domain, rec.ID()); err != nil {
		return err
	}
	if rec.Domain != cb.DomainServers {
		return nil
	}
	domains, err := tx.Domains(ctx)
	if err != nil {
		return err
	}
	tag := rec.ServerTag()
	for _, domain := range domains {
		if domain == cb.DomainServers {
			continue
		}
		owned, err := load(ctx, tx, domain, func(r cb.Record) bool { return r.ServerTag().Equal(tag) })
		if err != nil {
			return err
		}
		for _, r := range owned {
			if err := tx.Delete(ctx, domain, r.ID()); err != nil {
				return err
			}
		}
	}
	return nil
}

func get(ctx context.Context, tx Tx, domain string, id uint64) (*cb.Record, error) {
	data, err := tx.Get(ctx, domain, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func load(ctx context.Context, tx Tx, domain string, keep func(cb.Record) bool) (cb.Records, error) {
	values, err := tx.Scan(ctx, domain)
	if err != nil {
		return nil, err
	}
	recs := make(cb.Records, 0, len(values))
	for _, data := range values {
		rec, err := Decode(data)
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// find returns the stored record rec replaces: the one with its id, or
// without id the one with the same name and server tag.
func find(ctx context.Context, tx Tx, rec cb.Record) (*cb.Record, error) {
	if rec.ID() != 0 {
		return get(ctx, tx, rec.Domain, rec.ID())
	}
	tag := rec.ServerTag()
	recs, err := load(ctx, tx, rec.Domain, func(r cb.Record) bool {
		return r.Name == rec.Name && r.ServerTag().Equal(tag)
	})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func serverExists(ctx context.Context, tx Tx, tag string) (bool, error) {
	recs, err := load(ctx, tx, cb.DomainServers, func(r cb.Record) bool { return r.Name == tag })
	return len(recs) > 0, err
}

func (b *Backend) stamp() time.Time {
	now := stamped.Now()
	if now.Before(b.lastStamp) {
		now = b.lastStamp
	}
	b.lastStamp = now
	return now
}

func (b *Backend) queryError(op string, err error) error {
	if cb.IsConnectionError(err) {
		return err
	}
	return &cb.QueryError{Op: op, Err: err}
}

func (b *Backend) writeError(op string, err error) error {
	var werr *cb.WriteError
	if cb.IsConnectionError(err) || errors.As(err, &werr) {
		return err
	}
	return &cb.WriteError{Op: op, Err: err}
}
