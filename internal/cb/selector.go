package cb

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/cbstore/internal/stamped"
)

// SelectorKind enumerates the server selections a Selector can express.
type SelectorKind int

const (
	// KindUnassigned matches records owned by all servers only.
	KindUnassigned SelectorKind = iota
	// KindAll matches records of every server.
	KindAll
	// KindOne matches records of exactly one named server.
	KindOne
	// KindMultiple matches records of a set of named servers.
	KindMultiple
)

func (k SelectorKind) String() string {
	switch k {
	case KindUnassigned:
		return "unassigned"
	case KindAll:
		return "all"
	case KindOne:
		return "one"
	case KindMultiple:
		return "multiple"
	}
	return fmt.Sprintf("SelectorKind(%d)", int(k))
}

// Target narrows routing to the backends of a given type, host or port.
// Empty fields match anything; the zero Target matches every backend.
type Target struct {
	Type string
	Host string
	Port int
}

// IsZero reports whether the target matches every backend.
func (t Target) IsZero() bool {
	return t == Target{}
}

// Matches reports whether a backend described by its type, host and port
// is covered by the target.
func (t Target) Matches(typ, host string, port int) bool {
	if t.Type != "" && t.Type != typ {
		return false
	}
	if t.Host != "" && t.Host != host {
		return false
	}
	if t.Port != 0 && t.Port != port {
		return false
	}
	return true
}

func (t Target) String() string {
	if t.IsZero() {
		return "any"
	}
	return fmt.Sprintf("type=%s host=%s port=%d", t.Type, t.Host, t.Port)
}

// Selector is a query-time filter over server tags. It decides both which
// backends of a pool an operation is routed to and which records the
// backend returns. Selectors are never persisted.
//
// The zero value is the Unassigned selector routed to any backend.
type Selector struct {
	kind   SelectorKind
	tags   []stamped.ServerTag
	target Target
}

// Unassigned selects the fleet-wide defaults: records owned by all servers.
func Unassigned() Selector {
	return Selector{kind: KindUnassigned}
}

// AllServers selects the records of every server, for fleet-wide queries.
func AllServers() Selector {
	return Selector{kind: KindAll}
}

// One selects the configuration of a single server.
func One(tag stamped.ServerTag) Selector {
	return Selector{kind: KindOne, tags: []stamped.ServerTag{tag}}
}

// Multiple selects the configuration of several servers. Duplicate tags
// are collapsed; a single tag yields a One selector.
func Multiple(tags ...stamped.ServerTag) Selector {
	uniq := make([]stamped.ServerTag, 0, len(tags))
	for _, tag := range tags {
		if !slices.Contains(uniq, tag) {
			uniq = append(uniq, tag)
		}
	}
	if len(uniq) == 1 {
		return One(uniq[0])
	}
	return Selector{kind: KindMultiple, tags: uniq}
}

// WithBackend returns a copy of the selector restricted to the backends
// matching target.
func (s Selector) WithBackend(target Target) Selector {
	s.tags = slices.Clone(s.tags)
	s.target = target
	return s
}

// Kind returns the selector variant.
func (s Selector) Kind() SelectorKind {
	return s.kind
}

// Tags returns a copy of the selected server tags (empty for Unassigned
// and AllServers).
func (s Selector) Tags() []stamped.ServerTag {
	return slices.Clone(s.tags)
}

// Target returns the backend target of the selector.
func (s Selector) Target() Target {
	return s.target
}

// Matches reports whether a record owned by tag is visible to a read made
// with this selector. Records owned by all servers are part of every
// server's configuration.
func (s Selector) Matches(tag stamped.ServerTag) bool {
	switch s.kind {
	case KindAll:
		return true
	case KindUnassigned:
		return tag.IsAll()
	default:
		if tag.IsAll() {
			return true
		}
		return slices.Contains(s.tags, tag)
	}
}

// Owns reports whether a record owned by tag is affected by a delete made
// with this selector. Unlike Matches, a named server does not own the
// fleet-wide records.
func (s Selector) Owns(tag stamped.ServerTag) bool {
	switch s.kind {
	case KindAll:
		return true
	case KindUnassigned:
		return tag.IsAll()
	default:
		return slices.Contains(s.tags, tag)
	}
}

// Serves reports whether a backend configured to serve the given server
// tags can satisfy this selector. An empty served set serves every tag.
func (s Selector) Serves(served []stamped.ServerTag) bool {
	if len(served) == 0 {
		return true
	}
	switch s.kind {
	case KindOne, KindMultiple:
		for _, tag := range s.tags {
			if slices.Contains(served, tag) {
				return true
			}
		}
		return false
	}
	return true
}

// ReadTags returns the tag values a storage query must include to
// implement Matches for One and Multiple selectors: the selected tags
// followed by the ALL tag.
func (s Selector) ReadTags() []string {
	out := make([]string, 0, len(s.tags)+1)
	for _, tag := range s.tags {
		out = append(out, tag.String())
	}
	return append(out, stamped.AllServers)
}

func (s Selector) String() string {
	var b strings.Builder
	b.WriteString(s.kind.String())
	if len(s.tags) > 0 {
		names := make([]string, len(s.tags))
		for i, tag := range s.tags {
			names[i] = tag.String()
		}
		b.WriteString("(" + strings.Join(names, ",") + ")")
	}
	if !s.target.IsZero() {
		b.WriteString(" on " + s.target.String())
	}
	return b.String()
}

// ParseSelector converts the textual form used by the HTTP API and the CLI:
//
//	""  or "unassigned"   Unassigned()
//	"*" or "any"          AllServers()
//	"all"                 One(ALL), i.e. fleet-wide records
//	"a,b"                 Multiple(a, b)
func ParseSelector(text string) (Selector, error) {
	switch strings.TrimSpace(text) {
	case "", "unassigned":
		return Unassigned(), nil
	case "*", "any":
		return AllServers(), nil
	}
	var tags []stamped.ServerTag
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tag, err := stamped.NewServerTag(part)
		if err != nil {
			return Selector{}, err
		}
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		return Unassigned(), nil
	}
	return Multiple(tags...), nil
}
