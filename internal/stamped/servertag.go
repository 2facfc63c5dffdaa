package stamped

import (
	"fmt"
)

const (
	// AllServers is the reserved server tag value associating a record
	// with every server in the fleet.
	AllServers = "all"

	// MaxServerTagLength is the longest server tag accepted, in bytes.
	MaxServerTagLength = 256
)

// ValidationError reports malformed input that must never reach a backend.
// It is always returned to the immediate caller and never retried.
type ValidationError struct {
	Field  string // Name of the offending field, e.g. "server-tag"
	Value  string // Offending value, truncated for long inputs
	Reason string // Human readable reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ServerTag associates a configuration record with one named server or
// with all servers.
//
// The zero value is the empty tag. It can be held in memory but backends
// refuse to persist it and it is not a valid external representation.
// ServerTag is an immutable value type; compare with == or Equal.
//
// Example:
//
//	tag, err := stamped.NewServerTag("dhcp-east-1")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(tag.IsAll()) // false
type ServerTag struct {
	value string
}

// NewServerTag validates text and returns it as a ServerTag.
// The text is kept verbatim so String() round-trips it unchanged.
//
// Returns:
//   - ServerTag on success
//   - *ValidationError if text is longer than MaxServerTagLength
func NewServerTag(text string) (ServerTag, error) {
	if len(text) > MaxServerTagLength {
		return ServerTag{}, &ValidationError{
			Field:  "server-tag",
			Value:  truncate(text, 32),
			Reason: fmt.Sprintf("length %d exceeds maximum of %d characters", len(text), MaxServerTagLength),
		}
	}
	return ServerTag{value: text}, nil
}

// MustServerTag is like NewServerTag but panics on invalid input.
// Intended for constants and tests.
func MustServerTag(text string) ServerTag {
	tag, err := NewServerTag(text)
	if err != nil {
		panic(err)
	}
	return tag
}

// AllServersTag returns the reserved tag meaning "every server".
func AllServersTag() ServerTag {
	return ServerTag{value: AllServers}
}

// IsAll reports whether the tag is the reserved ALL marker.
func (t ServerTag) IsAll() bool {
	return t.value == AllServers
}

// IsEmpty reports whether the tag holds no value.
func (t ServerTag) IsEmpty() bool {
	return t.value == ""
}

// String returns the tag text.
func (t ServerTag) String() string {
	return t.value
}

// Equal reports whether both tags carry the same value.
func (t ServerTag) Equal(other ServerTag) bool {
	return t.value == other.value
}

// AppliesTo reports whether a record owned by t is part of the
// configuration of server. An ALL tag applies to every server.
func (t ServerTag) AppliesTo(server ServerTag) bool {
	return t.IsAll() || t.value == server.value
}

// MarshalText implements encoding.TextMarshaler.
func (t ServerTag) MarshalText() ([]byte, error) {
	return []byte(t.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and applies the same
// validation as NewServerTag.
func (t *ServerTag) UnmarshalText(text []byte) error {
	tag, err := NewServerTag(string(text))
	if err != nil {
		return err
	}
	*t = tag
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
