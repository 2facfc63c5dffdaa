package kvcb

import (
	"context"
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/cbstore/internal/cb"
	"github.com/dreamware/cbstore/internal/stamped"
)

// ErrNotFound is returned by Store.Get when no value is stored under the
// requested id.
var ErrNotFound = errors.New("record not found")

// Tx is the record access a Store offers, both directly and inside
// Update.
type Tx interface {
	// NextID allocates a new, never reused record id.
	NextID(ctx context.Context) (uint64, error)

	// Get returns the value stored under domain and id, or ErrNotFound.
	Get(ctx context.Context, domain string, id uint64) ([]byte, error)

	// Put stores value under domain and id, overwriting any previous value.
	Put(ctx context.Context, domain string, id uint64, value []byte) error

	// Delete removes the value stored under domain and id. Deleting a
	// missing value is not an error.
	Delete(ctx context.Context, domain string, id uint64) error

	// Scan returns every value stored in domain. Order is not guaranteed.
	Scan(ctx context.Context, domain string) ([][]byte, error)

	// Domains returns the domains holding at least one value.
	Domains(ctx context.Context) ([]string, error)
}

// Store is the minimal storage a key-value configuration backend needs.
// Values are opaque encoded records grouped by domain and keyed by id.
//
// Implementations report unreachable storage with *cb.ConnectionError;
// any other error is treated as a failure of the single operation.
type Store interface {
	Tx

	// Update runs fn isolated from every other Update on the same
	// storage, including those of other Store values and processes
	// sharing it. Reads made through tx see its own writes. The writes
	// are kept only when fn returns nil. Ids drawn with NextID may be
	// lost but are never reused.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Ping checks, and if needed re-establishes, the connection.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// wireRecord is the encoded form of a cb.Record.
type wireRecord struct {
	ID         uint64    `msgpack:"id"`
	Domain     string    `msgpack:"domain"`
	Name       string    `msgpack:"name"`
	Value      string    `msgpack:"value"`
	ServerTag  string    `msgpack:"server_tag"`
	ModifiedAt time.Time `msgpack:"modified_at"`
}

// Encode serializes rec with msgpack.
func Encode(rec cb.Record) ([]byte, error) {
	return msgpack.Marshal(wireRecord{
		ID:         rec.ID(),
		Domain:     rec.Domain,
		Name:       rec.Name,
		Value:      rec.Value,
		ServerTag:  rec.ServerTag().String(),
		ModifiedAt: rec.ModificationTime(),
	})
}

// Decode restores a record serialized by Encode.
func Decode(data []byte) (cb.Record, error) {
	var w wireRecord
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return cb.Record{}, err
	}
	tag, err := stamped.NewServerTag(w.ServerTag)
	if err != nil {
		return cb.Record{}, err
	}
	rec := cb.Record{Domain: w.Domain, Name: w.Name, Value: w.Value}
	rec.SetID(w.ID)
	rec.SetTag(tag)
	rec.SetModificationTime(w.ModifiedAt.UTC())
	return rec, nil
}
