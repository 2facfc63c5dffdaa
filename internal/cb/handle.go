package cb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/cbstore/internal/stamped"
)

// OperationStats counts the operations a handle forwarded to its backend.
type OperationStats struct {
	Gets     uint64 `json:"gets"`
	Writes   uint64 `json:"writes"`
	Deletes  uint64 `json:"deletes"`
	Failures uint64 `json:"failures"`
}

// BackendInfo describes a backend held by a pool.
type BackendInfo struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Host       string         `json:"host,omitempty"`
	Port       int            `json:"port,omitempty"`
	Access     string         `json:"access"`
	ServerTags []string       `json:"server_tags,omitempty"`
	ReadOnly   bool           `json:"readonly"`
	Phase      string         `json:"phase"`
	Stats      OperationStats `json:"stats"`
}

// LostSink is notified when a handle observes a connectivity failure.
type LostSink func(handleID string, cause error)

// handleSettings are the access string parameters interpreted by the
// handle itself rather than by the backend.
type handleSettings struct {
	served   []stamped.ServerTag
	readOnly bool
	policy   ReconnectPolicy
}

func readHandleSettings(params Parameters, def ReconnectPolicy) (handleSettings, error) {
	var s handleSettings
	var err error
	if s.served, err = params.ServerTags(); err != nil {
		return handleSettings{}, err
	}
	if s.readOnly, err = params.Bool(KeyReadOnly, false); err != nil {
		return handleSettings{}, err
	}
	if s.policy, err = ReconnectPolicyFromParameters(params, def); err != nil {
		return handleSettings{}, err
	}
	return s, nil
}

// handleConfig carries the pool-wide collaborators of a handle.
type handleConfig struct {
	callbacks Callbacks
	clock     clockwork.Clock
	logger    logrus.FieldLogger
	metrics   *Metrics
}

// Handle is a live connection to one configured backend instance. It
// serializes every call into the backend, reports connectivity failures to
// its RecoveryController and rejects calls while the backend is
// recovering.
type Handle struct {
	id       string
	access   string
	params   Parameters
	served   []stamped.ServerTag
	readOnly bool
	backend  Backend
	metrics  *Metrics
	log      logrus.FieldLogger

	controller *RecoveryController

	mu        sync.Mutex // serializes backend calls
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	lost   atomic.Bool // set once per loss episode
	sinkMu sync.Mutex
	sink   LostSink

	gets     atomic.Uint64
	writes   atomic.Uint64
	deletes  atomic.Uint64
	failures atomic.Uint64
}

func newHandle(backend Backend, params Parameters, settings handleSettings, cfg handleConfig) *Handle {
	if cfg.logger == nil {
		cfg.logger = logrus.StandardLogger()
	}
	h := &Handle{
		id:       uuid.NewString(),
		access:   params.Redacted(),
		params:   params.Clone(),
		served:   settings.served,
		readOnly: settings.readOnly,
		backend:  backend,
		metrics:  cfg.metrics,
	}
	h.log = cfg.logger.WithField("backend", h.id)
	h.controller = NewRecoveryController(RecoveryConfig{
		HandleID:    h.id,
		BackendType: backend.Type(),
		Probe:       h.ping,
		Reconnected: h.ClearLost,
		Policy:      settings.policy,
		Callbacks:   cfg.callbacks,
		Clock:       cfg.clock,
		Logger:      cfg.logger,
		Metrics:     cfg.metrics,
	})
	h.sink = func(_ string, cause error) { h.controller.ConnectionLost(cause) }
	return h
}

// ID returns the identity assigned to the handle when it was added.
func (h *Handle) ID() string { return h.id }

// Type returns the backend type.
func (h *Handle) Type() string { return h.backend.Type() }

// Phase returns the recovery phase of the handle.
func (h *Handle) Phase() Phase { return h.controller.Phase() }

// SetLostSink replaces the receiver of connectivity-loss notifications.
// By default the handle's own RecoveryController is notified, and it ends
// each episode when the backend answers again. A custom sink owns the
// episode instead: the handle notifies it once and stays silent until the
// sink calls ClearLost. Installing a sink starts with no episode open.
func (h *Handle) SetLostSink(sink LostSink) {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	h.sink = sink
	h.lost.Store(false)
}

// ClearLost ends the current loss episode so the next connectivity
// failure notifies the sink again.
func (h *Handle) ClearLost() {
	h.lost.Store(false)
}

// Serves reports whether the handle takes part in operations made with
// sel.
func (h *Handle) Serves(sel Selector) bool {
	if !sel.Target().Matches(h.backend.Type(), h.backend.Host(), h.backend.Port()) {
		return false
	}
	return sel.Serves(h.served)
}

// Info returns a snapshot describing the handle.
func (h *Handle) Info() BackendInfo {
	tags := make([]string, len(h.served))
	for i, tag := range h.served {
		tags[i] = tag.String()
	}
	return BackendInfo{
		ID:         h.id,
		Type:       h.backend.Type(),
		Host:       h.backend.Host(),
		Port:       h.backend.Port(),
		Access:     h.access,
		ServerTags: tags,
		ReadOnly:   h.readOnly,
		Phase:      h.controller.Phase().String(),
		Stats: OperationStats{
			Gets:     h.gets.Load(),
			Writes:   h.writes.Load(),
			Deletes:  h.deletes.Load(),
			Failures: h.failures.Load(),
		},
	}
}

// GetByID returns the record with the given id, or nil.
func (h *Handle) GetByID(ctx context.Context, domain string, sel Selector, id uint64) (*Record, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	var rec *Record
	err := h.do(ctx, "get", &h.gets, func(b Backend) (err error) {
		rec, err = b.GetByID(ctx, domain, sel, id)
		return err
	})
	return rec, err
}

// GetAll returns every record of domain visible to sel.
func (h *Handle) GetAll(ctx context.Context, domain string, sel Selector) (Records, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	var recs Records
	err := h.do(ctx, "get_all", &h.gets, func(b Backend) (err error) {
		recs, err = b.GetAll(ctx, domain, sel)
		return err
	})
	return recs, err
}

// GetModifiedSince returns the records of domain visible to sel modified
// strictly after since.
func (h *Handle) GetModifiedSince(ctx context.Context, domain string, sel Selector, since time.Time) (Records, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	var recs Records
	err := h.do(ctx, "get_modified", &h.gets, func(b Backend) (err error) {
		recs, err = b.GetModifiedSince(ctx, domain, sel, since)
		return err
	})
	return recs, err
}

// Upsert stores rec and returns the backend-authoritative copy.
func (h *Handle) Upsert(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	if h.readOnly {
		return Record{}, &WriteError{Op: "upsert " + rec.Domain, Err: ErrReadOnly}
	}
	var stored Record
	err := h.do(ctx, "upsert", &h.writes, func(b Backend) (err error) {
		stored, err = b.Upsert(ctx, rec)
		return err
	})
	return stored, err
}

// DeleteByID deletes the record with the given id owned by sel.
func (h *Handle) DeleteByID(ctx context.Context, domain string, sel Selector, id uint64) (int, error) {
	if err := ValidateDomain(domain); err != nil {
		return 0, err
	}
	if h.readOnly {
		return 0, &WriteError{Op: "delete " + domain, Err: ErrReadOnly}
	}
	var n int
	err := h.do(ctx, "delete", &h.deletes, func(b Backend) (err error) {
		n, err = b.DeleteByID(ctx, domain, sel, id)
		return err
	})
	return n, err
}

// DeleteAll deletes every record of domain owned by sel.
func (h *Handle) DeleteAll(ctx context.Context, domain string, sel Selector) (int, error) {
	if err := ValidateDomain(domain); err != nil {
		return 0, err
	}
	if h.readOnly {
		return 0, &WriteError{Op: "delete " + domain, Err: ErrReadOnly}
	}
	var n int
	err := h.do(ctx, "delete_all", &h.deletes, func(b Backend) (err error) {
		n, err = b.DeleteAll(ctx, domain, sel)
		return err
	})
	return n, err
}

// Close stops the recovery controller, waits for the call in flight and
// closes the backend. Calls made afterwards fail with ErrHandleClosed.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.controller.Close()

		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed.Store(true)
		h.closeErr = h.backend.Close()
	})
	return h.closeErr
}

// do runs fn against the backend under the handle lock.
func (h *Handle) do(ctx context.Context, op string, counter *atomic.Uint64, fn func(Backend) error) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	counter.Add(1)
	if err := h.controller.Admit(ctx); err != nil {
		h.failures.Add(1)
		h.metrics.operation(h.backend.Type(), op, err)
		return err
	}

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	err := fn(h.backend)
	h.mu.Unlock()

	h.metrics.operation(h.backend.Type(), op, err)
	if err != nil {
		h.failures.Add(1)
		if IsConnectionError(err) {
			h.connectionLost(err)
		}
	}
	return err
}

func (h *Handle) connectionLost(cause error) {
	if !h.lost.CompareAndSwap(false, true) {
		return
	}
	h.sinkMu.Lock()
	sink := h.sink
	h.sinkMu.Unlock()
	if sink != nil {
		sink(h.id, cause)
	}
}

func (h *Handle) ping(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return ErrHandleClosed
	}
	return h.backend.Ping(ctx)
}

// isClosed reports whether err means the handle went away under the
// caller.
func isClosed(err error) bool {
	return errors.Is(err, ErrHandleClosed)
}
