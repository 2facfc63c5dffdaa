package cb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/cbstore/internal/stamped"
)

// DefaultFanOutLimit bounds the number of backends queried concurrently by
// a fan-out read.
const DefaultFanOutLimit = 8

// Option configures a Pool.
type Option func(*Pool)

// WithCallbacks installs the recovery callbacks of every handle added
// afterwards.
func WithCallbacks(cb Callbacks) Option {
	return func(p *Pool) { p.callbacks = cb }
}

// WithLogger sets the logger used by the pool, its handles and their
// recovery controllers.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Pool) { p.log = log }
}

// WithClock sets the clock driving recovery timers.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Pool) { p.clock = clock }
}

// WithMetrics enables metric collection.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithFanOutLimit bounds concurrent backend queries per fan-out read. A
// limit below one means no limit.
func WithFanOutLimit(n int) Option {
	return func(p *Pool) { p.fanOut = n }
}

// WithDefaultPolicy sets the reconnect policy used when an access string
// does not configure one.
func WithDefaultPolicy(policy ReconnectPolicy) Option {
	return func(p *Pool) { p.policy = policy }
}

// Pool holds the backends configured for a process and routes operations
// to them by selector.
//
// Routing:
//   - One and Multiple selectors reach the backends serving one of the
//     tags; a backend without server-tags serves every tag
//   - Unassigned and AllServers reach every backend
//   - a selector target further restricts by type, host and port
//
// Reads fan out to every routed backend and concatenate the results in
// backend order without removing duplicates. Writes must route to exactly
// one backend.
//
// Handles are published only once fully constructed. Removal unpublishes a
// handle first, then closes it, which waits for its in-flight call.
type Pool struct {
	registry  *Registry
	callbacks Callbacks
	log       logrus.FieldLogger
	clock     clockwork.Clock
	metrics   *Metrics
	fanOut    int
	policy    ReconnectPolicy

	mu      sync.RWMutex
	handles []*Handle
}

// NewPool creates an empty pool creating backends through reg.
func NewPool(reg *Registry, opts ...Option) *Pool {
	p := &Pool{
		registry: reg,
		log:      logrus.StandardLogger(),
		clock:    clockwork.NewRealClock(),
		fanOut:   DefaultFanOutLimit,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = NewRegistry()
	}
	return p
}

// AddBackend parses access, creates the backend it describes and adds it
// to the pool. It returns the id of the new handle.
//
// Returns:
//   - *MalformedAccessStringError before any registry lookup
//   - *UnknownBackendTypeError when the type is not registered
//   - *ConnectionError when the backend cannot be reached
func (p *Pool) AddBackend(ctx context.Context, access string) (string, error) {
	params, err := ParseAccessString(access)
	if err != nil {
		return "", err
	}
	settings, err := readHandleSettings(params, p.policy)
	if err != nil {
		return "", err
	}
	backend, err := p.registry.Create(ctx, params)
	if err != nil {
		return "", err
	}

	h := newHandle(backend, params, settings, handleConfig{
		callbacks: p.callbacks,
		clock:     p.clock,
		logger:    p.log,
		metrics:   p.metrics,
	})

	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.mu.Unlock()

	p.metrics.backendsDelta(1)
	p.log.WithFields(logrus.Fields{
		"backend": h.ID(),
		"access":  h.access,
	}).Info("configuration backend added")
	return h.ID(), nil
}

// RemoveBackend removes and closes the backends matching target. A zero
// target removes every backend. It returns the number removed.
func (p *Pool) RemoveBackend(target Target) int {
	p.mu.Lock()
	var removed []*Handle
	kept := p.handles[:0:0]
	for _, h := range p.handles {
		if target.Matches(h.backend.Type(), h.backend.Host(), h.backend.Port()) {
			removed = append(removed, h)
			continue
		}
		kept = append(kept, h)
	}
	p.handles = kept
	p.mu.Unlock()

	for _, h := range removed {
		if err := h.Close(); err != nil {
			p.log.WithError(err).WithField("backend", h.ID()).Warn("closing configuration backend failed")
		}
		p.log.WithField("backend", h.ID()).Info("configuration backend removed")
	}
	p.metrics.backendsDelta(-len(removed))
	return len(removed)
}

// RemoveBackendByID removes the backend with the given handle id.
func (p *Pool) RemoveBackendByID(id string) bool {
	p.mu.Lock()
	var victim *Handle
	for i, h := range p.handles {
		if h.ID() == id {
			victim = h
			p.handles = append(p.handles[:i:i], p.handles[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if victim == nil {
		return false
	}
	if err := victim.Close(); err != nil {
		p.log.WithError(err).WithField("backend", id).Warn("closing configuration backend failed")
	}
	p.metrics.backendsDelta(-1)
	return true
}

// GetAllBackends describes the backends of the pool in insertion order.
func (p *Pool) GetAllBackends() []BackendInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]BackendInfo, len(p.handles))
	for i, h := range p.handles {
		infos[i] = h.Info()
	}
	return infos
}

// Close removes and releases every backend.
func (p *Pool) Close() {
	p.RemoveBackend(Target{})
}

func (p *Pool) route(sel Selector) []*Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Handle
	for _, h := range p.handles {
		if h.Serves(sel) {
			out = append(out, h)
		}
	}
	return out
}

// routeOne returns the single backend a write made with sel goes to.
func (p *Pool) routeOne(sel Selector) (*Handle, error) {
	handles := p.route(sel)
	switch len(handles) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNoBackend, sel)
	case 1:
		return handles[0], nil
	}
	return nil, fmt.Errorf("%w: %s routes to %d backends", ErrAmbiguousBackend, sel, len(handles))
}

// fanOut runs fn against every backend routed by sel. Results are kept in
// backend order. Backends removed while the call was in flight are
// skipped. The returned error aggregates every failure; results of the
// backends that answered are returned alongside it.
func fanOut[T any](ctx context.Context, p *Pool, sel Selector, fn func(context.Context, *Handle) (T, error)) ([]T, error) {
	handles := p.route(sel)
	results := make([]T, len(handles))
	errs := make([]error, len(handles))

	var g errgroup.Group
	if p.fanOut > 0 {
		g.SetLimit(p.fanOut)
	}
	for i, h := range handles {
		g.Go(func() error {
			res, err := fn(ctx, h)
			if isClosed(err) {
				return nil
			}
			results[i], errs[i] = res, err
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for i, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("backend %s: %w", handles[i].ID(), err))
		}
	}
	return results, merr.ErrorOrNil()
}

func concat(parts []Records) Records {
	var n int
	for _, part := range parts {
		n += len(part)
	}
	out := make(Records, 0, n)
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}

// GetByID returns every record with the given id visible to sel, one per
// backend holding it.
func (p *Pool) GetByID(ctx context.Context, domain string, sel Selector, id uint64) (Records, error) {
	parts, err := fanOut(ctx, p, sel, func(ctx context.Context, h *Handle) (Records, error) {
		rec, err := h.GetByID(ctx, domain, sel, id)
		if err != nil || rec == nil {
			return nil, err
		}
		return Records{*rec}, nil
	})
	return concat(parts), err
}

// GetAll returns the records of domain visible to sel from every routed
// backend.
func (p *Pool) GetAll(ctx context.Context, domain string, sel Selector) (Records, error) {
	parts, err := fanOut(ctx, p, sel, func(ctx context.Context, h *Handle) (Records, error) {
		return h.GetAll(ctx, domain, sel)
	})
	return concat(parts), err
}

// GetModifiedSince returns the records of domain visible to sel modified
// strictly after since. Each backend's part is ordered by modification
// time and id.
func (p *Pool) GetModifiedSince(ctx context.Context, domain string, sel Selector, since time.Time) (Records, error) {
	parts, err := fanOut(ctx, p, sel, func(ctx context.Context, h *Handle) (Records, error) {
		return h.GetModifiedSince(ctx, domain, sel, since)
	})
	return concat(parts), err
}

// Upsert stores rec in the single backend routed by sel.
func (p *Pool) Upsert(ctx context.Context, sel Selector, rec Record) (Record, error) {
	h, err := p.routeOne(sel)
	if err != nil {
		return Record{}, err
	}
	return h.Upsert(ctx, rec)
}

// DeleteByID deletes the record with the given id from the single backend
// routed by sel.
func (p *Pool) DeleteByID(ctx context.Context, domain string, sel Selector, id uint64) (int, error) {
	h, err := p.routeOne(sel)
	if err != nil {
		return 0, err
	}
	return h.DeleteByID(ctx, domain, sel, id)
}

// DeleteAll deletes the records of domain owned by sel from the single
// backend routed by sel.
func (p *Pool) DeleteAll(ctx context.Context, domain string, sel Selector) (int, error) {
	h, err := p.routeOne(sel)
	if err != nil {
		return 0, err
	}
	return h.DeleteAll(ctx, domain, sel)
}

// GetAllServers returns the servers visible to sel.
func (p *Pool) GetAllServers(ctx context.Context, sel Selector) ([]Server, error) {
	recs, err := p.GetAll(ctx, DomainServers, sel)
	servers := make([]Server, 0, len(recs))
	for rec := range recs.All() {
		servers = append(servers, ServerFromRecord(rec))
	}
	return servers, err
}

// GetServer returns the server named tag, or nil.
func (p *Pool) GetServer(ctx context.Context, sel Selector, tag stamped.ServerTag) (*Server, error) {
	recs, err := p.GetAll(ctx, DomainServers, sel)
	if err != nil {
		return nil, err
	}
	for rec := range recs.All() {
		if rec.Name == tag.String() {
			s := ServerFromRecord(rec)
			return &s, nil
		}
	}
	return nil, nil
}

// UpsertServer stores s in the backend routed by sel.
func (p *Pool) UpsertServer(ctx context.Context, sel Selector, s Server) (Server, error) {
	rec, err := p.Upsert(ctx, sel, s.ToRecord())
	if err != nil {
		return Server{}, err
	}
	return ServerFromRecord(rec), nil
}

// DeleteServer deletes the server named tag and the records it owns.
func (p *Pool) DeleteServer(ctx context.Context, sel Selector, tag stamped.ServerTag) (int, error) {
	h, err := p.routeOne(sel)
	if err != nil {
		return 0, err
	}
	return h.DeleteAll(ctx, DomainServers, One(tag))
}

// DeleteAllServers deletes every server and the records they own.
func (p *Pool) DeleteAllServers(ctx context.Context, sel Selector) (int, error) {
	h, err := p.routeOne(sel)
	if err != nil {
		return 0, err
	}
	return h.DeleteAll(ctx, DomainServers, AllServers())
}

// GetAllGlobalParameters returns the global parameters visible to sel.
func (p *Pool) GetAllGlobalParameters(ctx context.Context, sel Selector) ([]GlobalParameter, error) {
	recs, err := p.GetAll(ctx, DomainGlobalParameters, sel)
	return toGlobalParameters(recs), err
}

// GetGlobalParameter returns the parameters named name visible to sel. A
// server-specific value and the fleet-wide value may both be returned.
func (p *Pool) GetGlobalParameter(ctx context.Context, sel Selector, name string) ([]GlobalParameter, error) {
	recs, err := p.GetAll(ctx, DomainGlobalParameters, sel)
	var out []GlobalParameter
	for _, gp := range toGlobalParameters(recs) {
		if gp.Name == name {
			out = append(out, gp)
		}
	}
	return out, err
}

// GetModifiedGlobalParameters returns the global parameters visible to sel
// modified strictly after since.
func (p *Pool) GetModifiedGlobalParameters(ctx context.Context, sel Selector, since time.Time) ([]GlobalParameter, error) {
	recs, err := p.GetModifiedSince(ctx, DomainGlobalParameters, sel, since)
	return toGlobalParameters(recs), err
}

// UpsertGlobalParameter stores gp in the backend routed by sel.
func (p *Pool) UpsertGlobalParameter(ctx context.Context, sel Selector, gp GlobalParameter) (GlobalParameter, error) {
	rec, err := p.Upsert(ctx, sel, gp.ToRecord())
	if err != nil {
		return GlobalParameter{}, err
	}
	return GlobalParameterFromRecord(rec), nil
}

// DeleteGlobalParameter deletes the parameters named name owned by sel.
func (p *Pool) DeleteGlobalParameter(ctx context.Context, sel Selector, name string) (int, error) {
	h, err := p.routeOne(sel)
	if err != nil {
		return 0, err
	}
	recs, err := h.GetAll(ctx, DomainGlobalParameters, sel)
	if err != nil {
		return 0, err
	}
	var n int
	for rec := range recs.All() {
		if rec.Name != name || !sel.Owns(rec.ServerTag()) {
			continue
		}
		deleted, err := h.DeleteByID(ctx, DomainGlobalParameters, sel, rec.ID())
		if err != nil {
			return n, err
		}
		n += deleted
	}
	return n, nil
}

func toGlobalParameters(recs Records) []GlobalParameter {
	out := make([]GlobalParameter, 0, len(recs))
	for rec := range recs.All() {
		out = append(out, GlobalParameterFromRecord(rec))
	}
	return out
}
