package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/cbstore/internal/cb"
	"github.com/dreamware/cbstore/internal/client"
	"github.com/dreamware/cbstore/internal/stamped"
)

const (
	healthLost   = "lost"
	healthFailed = "failed"
)

// healthState tracks the backends that are not connected, as reported by
// the pool's recovery callbacks.
type healthState struct {
	mu       sync.Mutex
	backends map[string]string
}

func newHealthState() *healthState {
	return &healthState{backends: make(map[string]string)}
}

func (h *healthState) set(id, state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state == "" {
		delete(h.backends, id)
		return
	}
	h.backends[id] = state
}

func (h *healthState) callbacks() cb.Callbacks {
	return cb.Callbacks{
		OnLost:      func(id string) { h.set(id, healthLost) },
		OnRecovered: func(id string) { h.set(id, "") },
		OnFailed:    func(id string) { h.set(id, healthFailed) },
	}
}

// snapshot returns the states of the backends still in the pool.
func (h *healthState) snapshot(live []cb.BackendInfo) map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string)
	for _, info := range live {
		if state, ok := h.backends[info.ID]; ok {
			out[info.ID] = state
		}
	}
	return out
}

type server struct {
	pool     *cb.Pool
	gatherer prometheus.Gatherer
	health   *healthState
	log      logrus.FieldLogger
}

func newServer(pool *cb.Pool, gatherer prometheus.Gatherer, health *healthState, log logrus.FieldLogger) *server {
	return &server{pool: pool, gatherer: gatherer, health: health, log: log}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /backends", s.handleListBackends)
	mux.HandleFunc("POST /backends", s.handleAddBackend)
	mux.HandleFunc("DELETE /backends", s.handleRemoveBackends)

	mux.HandleFunc("GET /servers", s.handleListServers)
	mux.HandleFunc("DELETE /servers", s.handleDeleteAllServers)
	mux.HandleFunc("GET /servers/{tag}", s.handleGetServer)
	mux.HandleFunc("PUT /servers/{tag}", s.handlePutServer)
	mux.HandleFunc("DELETE /servers/{tag}", s.handleDeleteServer)

	mux.HandleFunc("GET /parameters", s.handleListParameters)
	mux.HandleFunc("GET /parameters/{name}", s.handleGetParameter)
	mux.HandleFunc("PUT /parameters/{name}", s.handlePutParameter)
	mux.HandleFunc("DELETE /parameters/{name}", s.handleDeleteParameter)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy of the backend pool to HTTP.
func statusFor(err error) int {
	var (
		verr      *cb.ValidationError
		malformed *cb.MalformedAccessStringError
		unknown   *cb.UnknownBackendTypeError
		werr      *cb.WriteError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &malformed), errors.As(err, &unknown):
		return http.StatusBadRequest
	case errors.Is(err, cb.ErrNoBackend), errors.Is(err, cb.ErrAmbiguousBackend):
		return http.StatusConflict
	case cb.IsConnectionError(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &werr):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Warn("request failed")
	}
	writeJSON(w, status, client.ErrorResponse{Error: err.Error()})
}

// partial reports whether a fan-out error still left results worth
// returning, and lists the per-backend failures.
func partial(err error, n int) ([]string, bool) {
	if err == nil {
		return nil, true
	}
	var merr *multierror.Error
	if n == 0 || !errors.As(err, &merr) {
		return nil, false
	}
	out := make([]string, len(merr.Errors))
	for i, e := range merr.Errors {
		out[i] = e.Error()
	}
	return out, true
}

// selector reads the server query parameter, falling back to def when it
// is absent. The backend-type, backend-host and backend-port parameters
// narrow routing to matching backends.
func selector(r *http.Request, def cb.Selector) (cb.Selector, error) {
	q := r.URL.Query()
	sel := def
	if q.Has("server") {
		var err error
		if sel, err = cb.ParseSelector(q.Get("server")); err != nil {
			return cb.Selector{}, err
		}
	}
	target := cb.Target{Type: q.Get("backend-type"), Host: q.Get("backend-host")}
	if p := q.Get("backend-port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return cb.Selector{}, &cb.ValidationError{Field: "backend-port", Value: p, Reason: "is not an integer"}
		}
		target.Port = port
	}
	if target.IsZero() {
		return sel, nil
	}
	return sel.WithBackend(target), nil
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	states := s.health.snapshot(s.pool.GetAllBackends())
	resp := client.HealthResponse{Status: "ok", Backends: states}
	status := http.StatusOK
	for _, state := range states {
		resp.Status = "degraded"
		if state == healthFailed {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, client.BackendsResponse{Backends: s.pool.GetAllBackends()})
}

func (s *server) handleAddBackend(w http.ResponseWriter, r *http.Request) {
	var req client.AddBackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, client.ErrorResponse{Error: "bad json"})
		return
	}
	id, err := s.pool.AddBackend(r.Context(), req.Access)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, client.AddBackendResponse{ID: id})
}

func (s *server) handleRemoveBackends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if id := q.Get("id"); id != "" {
		n := 0
		if s.pool.RemoveBackendByID(id) {
			n = 1
		}
		writeJSON(w, http.StatusOK, client.CountResponse{Count: n})
		return
	}
	target := cb.Target{Type: q.Get("type"), Host: q.Get("host")}
	if p := q.Get("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, client.ErrorResponse{Error: "port must be an integer"})
			return
		}
		target.Port = port
	}
	writeJSON(w, http.StatusOK, client.CountResponse{Count: s.pool.RemoveBackend(target)})
}

func (s *server) handleListServers(w http.ResponseWriter, r *http.Request) {
	sel, err := selector(r, cb.AllServers())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	servers, err := s.pool.GetAllServers(r.Context(), sel)
	errs, ok := partial(err, len(servers))
	if !ok {
		s.fail(w, r, err)
		return
	}
	resp := client.ServersResponse{Servers: make([]client.Server, 0, len(servers)), Errors: errs}
	for _, srv := range servers {
		resp.Servers = append(resp.Servers, client.ServerFrom(srv))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleDeleteAllServers(w http.ResponseWriter, r *http.Request) {
	sel, err := selector(r, cb.AllServers())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.pool.DeleteAllServers(r.Context(), sel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, client.CountResponse{Count: n})
}

// serverTag reads the {tag} path element and the selector, which defaults
// to the server itself.
func (s *server) serverTag(r *http.Request) (stamped.ServerTag, cb.Selector, error) {
	tag, err := stamped.NewServerTag(r.PathValue("tag"))
	if err != nil {
		return stamped.ServerTag{}, cb.Selector{}, err
	}
	sel, err := selector(r, cb.One(tag))
	return tag, sel, err
}

func (s *server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	tag, sel, err := s.serverTag(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	srv, err := s.pool.GetServer(r.Context(), sel, tag)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if srv == nil {
		writeJSON(w, http.StatusNotFound, client.ErrorResponse{Error: "server " + tag.String() + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, client.ServerFrom(*srv))
}

func (s *server) handlePutServer(w http.ResponseWriter, r *http.Request) {
	tag, sel, err := s.serverTag(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req client.Server
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, client.ErrorResponse{Error: "bad json"})
		return
	}
	srv, err := cb.NewServer(tag.String(), req.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stored, err := s.pool.UpsertServer(r.Context(), sel, srv)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, client.ServerFrom(stored))
}

func (s *server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	tag, sel, err := s.serverTag(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.pool.DeleteServer(r.Context(), sel, tag)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, client.CountResponse{Count: n})
}

func (s *server) parametersResponse(w http.ResponseWriter, r *http.Request, params []cb.GlobalParameter, err error) {
	errs, ok := partial(err, len(params))
	if !ok {
		s.fail(w, r, err)
		return
	}
	resp := client.ParametersResponse{Parameters: make([]client.Parameter, 0, len(params)), Errors: errs}
	for _, p := range params {
		resp.Parameters = append(resp.Parameters, client.ParameterFrom(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleListParameters(w http.ResponseWriter, r *http.Request) {
	sel, err := selector(r, cb.Unassigned())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, client.ErrorResponse{Error: "since must be an RFC 3339 time"})
			return
		}
		params, err := s.pool.GetModifiedGlobalParameters(r.Context(), sel, t)
		s.parametersResponse(w, r, params, err)
		return
	}
	params, err := s.pool.GetAllGlobalParameters(r.Context(), sel)
	s.parametersResponse(w, r, params, err)
}

func (s *server) handleGetParameter(w http.ResponseWriter, r *http.Request) {
	sel, err := selector(r, cb.Unassigned())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	params, err := s.pool.GetGlobalParameter(r.Context(), sel, r.PathValue("name"))
	if err == nil && len(params) == 0 {
		writeJSON(w, http.StatusNotFound, client.ErrorResponse{Error: "parameter " + r.PathValue("name") + " not found"})
		return
	}
	s.parametersResponse(w, r, params, err)
}

func (s *server) handlePutParameter(w http.ResponseWriter, r *http.Request) {
	var req client.Parameter
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, client.ErrorResponse{Error: "bad json"})
		return
	}
	gp := cb.NewGlobalParameter(r.PathValue("name"), req.Value)
	def := cb.Unassigned()
	if req.ServerTag != "" {
		if err := gp.SetServerTag(req.ServerTag); err != nil {
			s.fail(w, r, err)
			return
		}
		if !gp.AllServers() {
			def = cb.One(gp.ServerTag())
		}
	}
	sel, err := selector(r, def)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stored, err := s.pool.UpsertGlobalParameter(r.Context(), sel, gp)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, client.ParameterFrom(stored))
}

func (s *server) handleDeleteParameter(w http.ResponseWriter, r *http.Request) {
	sel, err := selector(r, cb.Unassigned())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.pool.DeleteGlobalParameter(r.Context(), sel, r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, client.CountResponse{Count: n})
}
