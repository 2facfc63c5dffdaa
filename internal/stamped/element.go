package stamped

import (
	"time"
)

// MetadataServerTag is the metadata key carrying the owning server tag.
const MetadataServerTag = "server-tag"

// Now returns the current time used for modification timestamps.
// Tests replace it to get deterministic stamps.
var Now = func() time.Time {
	return time.Now().UTC()
}

// Element is the versioned base embedded by every configuration entity
// stored in a configuration backend. It carries the backend identifier,
// the modification timestamp and the owning server tag.
//
// Once an element has been persisted, its id and modification time are
// backend-authoritative: callers must use the copy returned by the backend
// rather than the values they set before the write.
//
// Element holds no pointers, so copying it copies the whole state.
type Element struct {
	id         uint64
	modifiedAt time.Time
	serverTag  ServerTag
}

// NewElement returns an element stamped with the current time and owned by
// all servers.
func NewElement() Element {
	return Element{
		modifiedAt: Now(),
		serverTag:  AllServersTag(),
	}
}

// ID returns the backend identifier, 0 when not yet persisted.
func (e Element) ID() uint64 {
	return e.id
}

// SetID sets the backend identifier.
func (e *Element) SetID(id uint64) {
	e.id = id
}

// ModificationTime returns the modification timestamp.
func (e Element) ModificationTime() time.Time {
	return e.modifiedAt
}

// SetModificationTime sets the timestamp explicitly. Backends use it when
// restoring persisted rows.
func (e *Element) SetModificationTime(t time.Time) {
	e.modifiedAt = t
}

// Touch sets the modification timestamp to the current time.
// Mutating operations call it; reads never do.
func (e *Element) Touch() {
	e.modifiedAt = Now()
}

// ServerTag returns the owning server tag.
func (e Element) ServerTag() ServerTag {
	return e.serverTag
}

// SetServerTag validates text and makes it the owning server tag.
// On failure the element is left unchanged and the *ValidationError is
// returned.
func (e *Element) SetServerTag(text string) error {
	tag, err := NewServerTag(text)
	if err != nil {
		return err
	}
	e.serverTag = tag
	return nil
}

// SetTag replaces the owning server tag with an already validated one.
func (e *Element) SetTag(tag ServerTag) {
	e.serverTag = tag
}

// AllServers reports whether the element belongs to every server.
func (e Element) AllServers() bool {
	return e.serverTag.IsAll()
}

// Metadata returns a snapshot of the metadata exported alongside the
// element. The returned map is owned by the caller.
func (e Element) Metadata() map[string]string {
	return map[string]string{
		MetadataServerTag: e.serverTag.String(),
	}
}
