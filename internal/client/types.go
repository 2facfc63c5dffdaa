package client

import (
	"time"

	"github.com/dreamware/cbstore/internal/cb"
)

// Server is the wire form of a server record.
type Server struct {
	ID          uint64    `json:"id,omitempty"`
	Tag         string    `json:"tag"`
	Description string    `json:"description"`
	ModifiedAt  time.Time `json:"modified_at,omitempty"`
}

// Parameter is the wire form of a global parameter.
type Parameter struct {
	ID         uint64    `json:"id,omitempty"`
	Name       string    `json:"name"`
	Value      string    `json:"value"`
	ServerTag  string    `json:"server_tag"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// AddBackendRequest asks cbserver to open a configuration backend.
type AddBackendRequest struct {
	Access string `json:"access"`
}

// AddBackendResponse carries the id of the new backend.
type AddBackendResponse struct {
	ID string `json:"id"`
}

// BackendsResponse lists the backends of the pool.
type BackendsResponse struct {
	Backends []cb.BackendInfo `json:"backends"`
}

// ServersResponse lists server records. Errors lists the backends that
// failed to answer when the others did.
type ServersResponse struct {
	Servers []Server `json:"servers"`
	Errors  []string `json:"errors,omitempty"`
}

// ParametersResponse lists global parameters.
type ParametersResponse struct {
	Parameters []Parameter `json:"parameters"`
	Errors     []string    `json:"errors,omitempty"`
}

// HealthResponse reports the recovery state of the backends. Backends
// that are connected are not listed.
type HealthResponse struct {
	Status   string            `json:"status"`
	Backends map[string]string `json:"backends,omitempty"`
}

// CountResponse reports how many items an operation affected.
type CountResponse struct {
	Count int `json:"count"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerFrom converts a server record to its wire form.
func ServerFrom(s cb.Server) Server {
	return Server{
		ID:          s.ID(),
		Tag:         s.Tag().String(),
		Description: s.Description,
		ModifiedAt:  s.ModificationTime(),
	}
}

// ParameterFrom converts a global parameter to its wire form.
func ParameterFrom(p cb.GlobalParameter) Parameter {
	return Parameter{
		ID:         p.ID(),
		Name:       p.Name,
		Value:      p.Value,
		ServerTag:  p.ServerTag().String(),
		ModifiedAt: p.ModificationTime(),
	}
}
