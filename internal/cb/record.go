package cb

import (
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/cbstore/internal/stamped"
)

// Table domains used by the typed helpers of the pool.
const (
	DomainServers          = "servers"
	DomainGlobalParameters = "global-parameters"
)

var domainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Record is the uniform stamped record exchanged with backends. Domain
// names the table the record belongs to; Name is its key within the domain
// and owning server; Value is an opaque payload.
type Record struct {
	stamped.Element
	Domain string
	Name   string
	Value  string
}

// NewRecord returns a record stamped now and owned by all servers.
func NewRecord(domain, name, value string) Record {
	return Record{
		Element: stamped.NewElement(),
		Domain:  domain,
		Name:    name,
		Value:   value,
	}
}

// ValidateDomain checks a table domain name.
func ValidateDomain(domain string) error {
	if !domainPattern.MatchString(domain) {
		return &ValidationError{Field: "domain", Value: domain, Reason: "must match " + domainPattern.String()}
	}
	return nil
}

// Validate checks the parts of a record that must never reach a backend:
// the domain name and the server tag. Data constraints such as references
// between records are checked by the backends and reported as WriteError.
func (r Record) Validate() error {
	if err := ValidateDomain(r.Domain); err != nil {
		return err
	}
	if r.ServerTag().IsEmpty() {
		return &ValidationError{Field: "server-tag", Reason: "must not be empty"}
	}
	return nil
}

// Export returns the external representation of the record, including
// the metadata element.
func (r Record) Export() map[string]any {
	return map[string]any{
		"id":          r.ID(),
		"domain":      r.Domain,
		"name":        r.Name,
		"value":       r.Value,
		"modified-at": r.ModificationTime().Format(time.RFC3339Nano),
		"metadata":    r.Metadata(),
	}
}

// Records is an ordered collection of records owned by the caller.
type Records []Record

// All returns a lazy sequence over the records. The sequence is finite
// and can be ranged over any number of times.
func (rs Records) All() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, r := range rs {
			if !yield(r) {
				return
			}
		}
	}
}

// Clone returns an independent copy of the collection.
func (rs Records) Clone() Records {
	return slices.Clone(rs)
}

// CompareModification orders records by modification time, then id.
// This is the order required for incremental fetches.
func CompareModification(a, b Record) int {
	if c := a.ModificationTime().Compare(b.ModificationTime()); c != 0 {
		return c
	}
	switch {
	case a.ID() < b.ID():
		return -1
	case a.ID() > b.ID():
		return 1
	}
	return 0
}

// SortByModification sorts records in place by (modification time, id).
func SortByModification(rs Records) {
	slices.SortFunc(rs, CompareModification)
}

// SortByID sorts records in place by id.
func SortByID(rs Records) {
	slices.SortFunc(rs, func(a, b Record) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
}

// Server describes one server of the fleet. Its tag is the key that other
// records reference to express ownership.
type Server struct {
	stamped.Element
	Description string
}

// NewServer returns a server record for tag. The tag must not be the
// reserved "all" marker.
func NewServer(tag, description string) (Server, error) {
	s := Server{Element: stamped.NewElement(), Description: description}
	if err := s.SetServerTag(tag); err != nil {
		return Server{}, err
	}
	if s.AllServers() || s.ServerTag().IsEmpty() {
		return Server{}, &ValidationError{Field: "server-tag", Value: tag, Reason: "is reserved or empty and cannot name a server"}
	}
	return s, nil
}

// Tag returns the server tag naming the server.
func (s Server) Tag() stamped.ServerTag {
	return s.ServerTag()
}

// ToRecord converts the server into its stored form.
func (s Server) ToRecord() Record {
	return Record{
		Element: s.Element,
		Domain:  DomainServers,
		Name:    s.ServerTag().String(),
		Value:   s.Description,
	}
}

// ServerFromRecord converts a stored record back into a Server.
func ServerFromRecord(r Record) Server {
	return Server{Element: r.Element, Description: r.Value}
}

// GlobalParameter is a named configuration value, either fleet-wide or
// specific to one server.
type GlobalParameter struct {
	stamped.Element
	Name  string
	Value string
}

// NewGlobalParameter returns a fleet-wide global parameter.
func NewGlobalParameter(name, value string) GlobalParameter {
	return GlobalParameter{Element: stamped.NewElement(), Name: name, Value: value}
}

// ToRecord converts the parameter into its stored form.
func (p GlobalParameter) ToRecord() Record {
	return Record{
		Element: p.Element,
		Domain:  DomainGlobalParameters,
		Name:    p.Name,
		Value:   p.Value,
	}
}

// GlobalParameterFromRecord converts a stored record back into a
// GlobalParameter.
func GlobalParameterFromRecord(r Record) GlobalParameter {
	return GlobalParameter{Element: r.Element, Name: r.Name, Value: r.Value}
}

// CheckConstraints applies the data constraints every backend enforces on
// write, given a lookup of the servers known to the backend. It returns a
// *WriteError on violation. Backends that can express the constraints in
// their storage engine may do so instead.
func CheckConstraints(r Record, serverExists func(tag string) (bool, error)) error {
	if strings.TrimSpace(r.Name) == "" {
		return &WriteError{Op: "upsert " + r.Domain, Err: ErrNullKey}
	}
	tag := r.ServerTag()
	if r.Domain == DomainServers {
		if tag.IsAll() || tag.String() != r.Name {
			return &WriteError{Op: "upsert " + r.Domain, Err: ErrServerNameMismatch}
		}
		return nil
	}
	if tag.IsAll() {
		return nil
	}
	ok, err := serverExists(tag.String())
	if err != nil {
		return err
	}
	if !ok {
		return &WriteError{Op: "upsert " + r.Domain, Err: fmt.Errorf("%w: %q", ErrUnknownServer, tag.String())}
	}
	return nil
}
