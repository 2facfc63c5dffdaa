package cb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/cbstore/internal/stamped"
)

// fakeBackend is an in-memory Backend whose connectivity can be switched
// off by tests.
type fakeBackend struct {
	typ  string
	host string
	port int

	down   atomic.Bool
	pings  atomic.Int64
	calls  atomic.Int64
	closed atomic.Bool

	mu      sync.Mutex
	records Records
	nextID  uint64
}

func newFakeBackend(typ string) *fakeBackend {
	return &fakeBackend{typ: typ}
}

func (f *fakeBackend) Type() string { return f.typ }
func (f *fakeBackend) Host() string { return f.host }
func (f *fakeBackend) Port() int    { return f.port }

func (f *fakeBackend) check() error {
	f.calls.Add(1)
	if f.down.Load() {
		return &ConnectionError{Backend: f.typ, Err: errors.New("connection refused")}
	}
	return nil
}

func (f *fakeBackend) GetByID(_ context.Context, domain string, sel Selector, id uint64) (*Record, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.Domain == domain && r.ID() == id && sel.Matches(r.ServerTag()) {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) GetAll(_ context.Context, domain string, sel Selector) (Records, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out Records
	for _, r := range f.records {
		if r.Domain == domain && sel.Matches(r.ServerTag()) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeBackend) GetModifiedSince(ctx context.Context, domain string, sel Selector, since time.Time) (Records, error) {
	all, err := f.GetAll(ctx, domain, sel)
	if err != nil {
		return nil, err
	}
	var out Records
	for _, r := range all {
		if r.ModificationTime().After(since) {
			out = append(out, r)
		}
	}
	SortByModification(out)
	return out, nil
}

func (f *fakeBackend) Upsert(_ context.Context, rec Record) (Record, error) {
	if err := f.check(); err != nil {
		return Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.SetID(f.nextID)
	rec.SetModificationTime(stamped.Now())
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeBackend) DeleteByID(_ context.Context, domain string, sel Selector, id uint64) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.remove(func(r Record) bool {
		return r.Domain == domain && r.ID() == id && sel.Owns(r.ServerTag())
	}), nil
}

func (f *fakeBackend) DeleteAll(_ context.Context, domain string, sel Selector) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.remove(func(r Record) bool {
		return r.Domain == domain && sel.Owns(r.ServerTag())
	}), nil
}

func (f *fakeBackend) remove(match func(Record) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.records[:0]
	n := 0
	for _, r := range f.records {
		if match(r) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	f.records = kept
	return n
}

func (f *fakeBackend) Ping(context.Context) error {
	f.pings.Add(1)
	if f.down.Load() {
		return &ConnectionError{Backend: f.typ, Err: errors.New("connection refused")}
	}
	return nil
}

func (f *fakeBackend) Close() error {
	f.closed.Store(true)
	return nil
}

// callbackCounter records recovery callback deliveries.
type callbackCounter struct {
	lost, recovered, failed atomic.Int64
}

func (c *callbackCounter) callbacks() Callbacks {
	return Callbacks{
		OnLost:      func(string) { c.lost.Add(1) },
		OnRecovered: func(string) { c.recovered.Add(1) },
		OnFailed:    func(string) { c.failed.Add(1) },
	}
}
