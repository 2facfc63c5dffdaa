package cb

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cbstore/internal/stamped"
)

func TestValidateDomain(t *testing.T) {
	for _, domain := range []string{"servers", "global-parameters", "option-defs4"} {
		assert.NoError(t, ValidateDomain(domain), domain)
	}
	for _, domain := range []string{"", "Servers", "-x", "a b", "a_b"} {
		var invalid *ValidationError
		assert.ErrorAs(t, ValidateDomain(domain), &invalid, domain)
	}
}

func TestRecordExport(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecord(DomainGlobalParameters, "renew-timer", "900")
	rec.SetID(42)
	rec.SetModificationTime(ts)
	require.NoError(t, rec.SetServerTag("server1"))

	assert.Equal(t, map[string]any{
		"id":          uint64(42),
		"domain":      DomainGlobalParameters,
		"name":        "renew-timer",
		"value":       "900",
		"modified-at": "2024-03-01T12:00:00Z",
		"metadata":    map[string]string{"server-tag": "server1"},
	}, rec.Export())
}

// TestRecordsOrdering checks the (modification time, id) order used by
// incremental fetches.
func TestRecordsOrdering(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id uint64, offset time.Duration) Record {
		r := NewRecord(DomainGlobalParameters, "p", "v")
		r.SetID(id)
		r.SetModificationTime(base.Add(offset))
		return r
	}
	recs := Records{mk(3, time.Second), mk(1, 2*time.Second), mk(2, time.Second)}

	SortByModification(recs)
	var ids []uint64
	for r := range recs.All() {
		ids = append(ids, r.ID())
	}
	assert.Equal(t, []uint64{2, 3, 1}, ids)

	// The sequence is restartable
	n := 0
	for range recs.All() {
		n++
	}
	assert.Equal(t, 3, n)

	clone := recs.Clone()
	SortByID(clone)
	assert.Equal(t, uint64(1), clone[0].ID())
	assert.Equal(t, uint64(2), recs[0].ID(), "sorting the clone must not reorder the original")
}

func TestNewServer(t *testing.T) {
	s, err := NewServer("server1", "first server")
	require.NoError(t, err)
	assert.Equal(t, "server1", s.Tag().String())

	rec := s.ToRecord()
	assert.Equal(t, DomainServers, rec.Domain)
	assert.Equal(t, "server1", rec.Name)
	assert.Equal(t, "first server", ServerFromRecord(rec).Description)

	for _, tag := range []string{"all", ""} {
		_, err := NewServer(tag, "")
		var invalid *ValidationError
		assert.ErrorAs(t, err, &invalid, "tag %q", tag)
	}
}

func TestGlobalParameterRoundTrip(t *testing.T) {
	gp := NewGlobalParameter("valid-lifetime", "4000")
	assert.True(t, gp.AllServers())

	back := GlobalParameterFromRecord(gp.ToRecord())
	assert.Equal(t, gp, back)
}

// TestCheckConstraints covers every data constraint applied on write.
func TestCheckConstraints(t *testing.T) {
	known := map[string]bool{"server1": true}
	exists := func(tag string) (bool, error) { return known[tag], nil }

	withTag := func(r Record, tag string) Record {
		r.SetTag(stamped.MustServerTag(tag))
		return r
	}
	server, err := NewServer("server2", "")
	require.NoError(t, err)

	tests := []struct {
		name string
		rec  Record
		want error
	}{
		{name: "fleet-wide parameter", rec: NewRecord(DomainGlobalParameters, "p", "1")},
		{name: "known server", rec: withTag(NewRecord(DomainGlobalParameters, "p", "1"), "server1")},
		{name: "unknown server", rec: withTag(NewRecord(DomainGlobalParameters, "p", "1"), "ghost"), want: ErrUnknownServer},
		{name: "null key", rec: NewRecord(DomainGlobalParameters, " ", "1"), want: ErrNullKey},
		{name: "server record", rec: server.ToRecord()},
		{name: "server named all", rec: NewRecord(DomainServers, "all", ""), want: ErrServerNameMismatch},
		{name: "server name differs from tag", rec: withTag(NewRecord(DomainServers, "x", ""), "server2"), want: ErrServerNameMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckConstraints(tt.rec, exists)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			var werr *WriteError
			require.ErrorAs(t, err, &werr)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	lookupErr := errors.New("lookup failed")
	err = CheckConstraints(withTag(NewRecord(DomainGlobalParameters, "p", "1"), "server1"),
		func(string) (bool, error) { return false, lookupErr })
	assert.ErrorIs(t, err, lookupErr)
}
